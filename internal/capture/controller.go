// Package capture runs listening episodes: it keeps one microphone capture
// open, periodically re-transcribes it, checks the text against a caller
// predicate and ends on acceptance, explicit stop, failure or inactivity.
//
// Each episode is owned by a single loop goroutine. Ticks run on a worker
// goroutine and report back to the loop, so at most one tick is in flight and
// a tick that fires meanwhile is dropped.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/sofia/internal/audio"
)

const (
	DefaultPollInterval = 2 * time.Second
	// DefaultInactivityMultiple sizes the inactivity timeout from the poll interval.
	DefaultInactivityMultiple = 15
)

type Options struct {
	PollInterval      time.Duration
	InactivityTimeout time.Duration
	// MaxConsecutiveFailures ends an episode after that many failed
	// transcription calls in a row. Zero disables the cap.
	MaxConsecutiveFailures int
	AcquireRetryDelay      time.Duration

	Permission PermissionChecker
	Observer   Observer
	Clock      Clock
	Logger     *slog.Logger
}

type Controller struct {
	recorder    Recorder
	transcriber Transcriber
	permission  PermissionChecker
	observer    Observer
	clock       Clock
	logger      *slog.Logger

	pollInterval      time.Duration
	inactivityTimeout time.Duration
	maxFailures       int
	retryDelay        time.Duration
	sleep             func(time.Duration)
	newID             func() string

	mu         sync.RWMutex
	state      State
	transcript string
	err        error
	current    *episode
	last       *Result
}

func NewController(recorder Recorder, transcriber Transcriber, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = opts.PollInterval * DefaultInactivityMultiple
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Controller{
		recorder:          recorder,
		transcriber:       transcriber,
		permission:        opts.Permission,
		observer:          opts.Observer,
		clock:             opts.Clock,
		logger:            opts.Logger,
		pollInterval:      opts.PollInterval,
		inactivityTimeout: opts.InactivityTimeout,
		maxFailures:       opts.MaxConsecutiveFailures,
		retryDelay:        opts.AcquireRetryDelay,
		sleep:             time.Sleep,
		newID:             uuid.NewString,
		state:             StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Listening() bool {
	return c.State().Active()
}

func (c *Controller) Transcript() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transcript
}

// Err returns the last surfaced error. It is cleared when an episode starts.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		State:      c.state,
		Listening:  c.state.Active(),
		Transcript: c.transcript,
		Err:        c.err,
	}
	switch {
	case c.current != nil:
		snap.EpisodeID = c.current.id
	case c.last != nil:
		snap.EpisodeID = c.last.EpisodeID
	}
	return snap
}

// PollInterval and InactivityTimeout expose the episode timing.
func (c *Controller) PollInterval() time.Duration      { return c.pollInterval }
func (c *Controller) InactivityTimeout() time.Duration { return c.inactivityTimeout }

// Start begins a manual episode: one capture, no polling. Stop transcribes it.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx, ModeManual, nil)
}

// StartWithAutoStop begins a polling episode that ends when predicate accepts
// a transcript or the inactivity timeout elapses.
func (c *Controller) StartWithAutoStop(ctx context.Context, predicate Predicate) error {
	if predicate == nil {
		return errors.New("capture: nil predicate")
	}
	return c.start(ctx, ModeAuto, predicate)
}

func (c *Controller) start(ctx context.Context, mode Mode, predicate Predicate) error {
	epCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ep := &episode{
		id:        c.newID(),
		mode:      mode,
		predicate: predicate,
		startedAt: c.clock.Now(),
		ctx:       epCtx,
		cancel:    cancel,
		stopCh:    make(chan chan stopReply),
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		cancel()
		return ErrAlreadyListening
	}
	c.current = ep
	c.err = nil
	c.transcript = ""
	c.mu.Unlock()

	if err := c.checkPermission(ctx); err != nil {
		c.mu.Lock()
		c.current = nil
		c.err = err
		c.mu.Unlock()
		cancel()
		close(ep.done)
		c.logger.Warn("episode not started", "episode_id", ep.id, "error", err)
		return err
	}

	c.apply(ep, EventStart)

	rec, err := c.acquire(ep)
	if err != nil {
		c.finish(ep, outcome{reason: ReasonFailed, event: EventFail, err: err}, nil)
		return err
	}

	if mode == ModeAuto {
		ep.arm(c.clock, c.pollInterval, c.inactivityTimeout)
	}

	c.logger.Info("episode started",
		"episode_id", ep.id,
		"mode", string(mode),
		"poll_interval", c.pollInterval.String(),
		"inactivity_timeout", c.inactivityTimeout.String(),
	)

	go c.run(ep, rec)
	return nil
}

// Stop cancels the episode timers, waits for an in-flight tick, then
// transcribes the final segment once and returns its text.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	c.mu.RLock()
	ep := c.current
	c.mu.RUnlock()
	if ep == nil {
		return "", ErrNotListening
	}

	ep.ending.Store(true)
	ep.stopTimers()

	reply := make(chan stopReply, 1)
	select {
	case ep.stopCh <- reply:
	case <-ep.done:
		return ep.result.Transcript, ep.result.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-reply:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close tears down the running episode without transcribing. In-flight
// calls are cancelled and captured audio is discarded.
func (c *Controller) Close() {
	c.mu.RLock()
	ep := c.current
	c.mu.RUnlock()
	if ep == nil {
		return
	}

	ep.ending.Store(true)
	ep.stopTimers()
	ep.abortOnce.Do(func() { close(ep.abortCh) })
	ep.cancel()
	<-ep.done
}

// Wait blocks until the running episode ends and returns its result. With no
// running episode it returns the last result.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.RLock()
	ep := c.current
	last := c.last
	c.mu.RUnlock()

	if ep == nil {
		if last == nil {
			return Result{}, ErrNotListening
		}
		return *last, nil
	}

	select {
	case <-ep.done:
		return ep.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Controller) checkPermission(ctx context.Context) error {
	if c.permission == nil || c.permission.Granted() {
		return nil
	}
	ok, err := c.permission.Request(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

func (c *Controller) acquire(ep *episode) (*audio.Recording, error) {
	rec, err := c.recorder.Acquire(ep.ctx)
	if err == nil {
		return rec, nil
	}

	c.logger.Warn("acquire failed, retrying once", "episode_id", ep.id, "error", err)
	if c.retryDelay > 0 {
		c.sleep(c.retryDelay)
	}
	return c.recorder.Acquire(ep.ctx)
}

func (c *Controller) run(ep *episode, rec *audio.Recording) {
	tickC, timeoutC := ep.channels()
	abortC := (<-chan struct{})(ep.abortCh)
	results := make(chan tickOutcome, 1)

	var (
		inflight bool
		pending  *pendingEnd
	)

	defer func() {
		if rec != nil {
			path, _ := c.recorder.Release(rec)
			c.recorder.Discard(path)
		}
	}()

	for {
		select {
		case <-tickC:
			if inflight || ep.ending.Load() || c.recorder.Acquiring() {
				ep.skipped++
				c.logger.Debug("tick skipped", "episode_id", ep.id, "in_flight", inflight)
				continue
			}
			held := rec
			rec = nil
			inflight = true
			ep.ticks++
			c.apply(ep, EventTick)
			go func() { results <- c.tick(ep, held) }()

		case out := <-results:
			inflight = false
			ep.record(out)
			if out.releaseErr != nil {
				c.raise(ep, out.releaseErr)
			}
			if out.text != "" {
				c.setTranscript(ep, out.text)
			}

			switch {
			case out.accepted:
				c.finish(ep, outcome{
					reason:     ReasonAccepted,
					event:      EventAccept,
					transcript: out.text,
					audioPath:  out.path,
				}, pending.replyList())
				return

			case pending != nil:
				c.conclude(ep, pending, out.next)
				return

			case out.err != nil:
				c.finish(ep, outcome{
					reason:     ReasonFailed,
					event:      EventFail,
					transcript: ep.lastAttempt,
					err:        out.err,
				}, nil)
				return

			case c.maxFailures > 0 && ep.consecutive >= c.maxFailures:
				c.dispose(out.next)
				c.finish(ep, outcome{
					reason:     ReasonFailed,
					event:      EventFail,
					transcript: ep.lastAttempt,
					err:        fmt.Errorf("%w: %d transcription failures in a row: %w", ErrServiceUnavailable, ep.consecutive, out.transcribeErr),
				}, nil)
				return

			default:
				rec = out.next
				c.apply(ep, EventRearm)
			}

		case <-timeoutC:
			tickC, timeoutC = nil, nil
			if ep.ending.Load() {
				continue
			}
			ep.ending.Store(true)
			ep.stopTimers()
			pending = pending.upgrade(endTimeout, nil)
			if inflight {
				continue
			}
			c.conclude(ep, pending, rec)
			rec = nil
			return

		case reply := <-ep.stopCh:
			tickC, timeoutC = nil, nil
			pending = pending.upgrade(endStop, reply)
			if inflight {
				continue
			}
			c.conclude(ep, pending, rec)
			rec = nil
			return

		case <-abortC:
			abortC = nil
			tickC, timeoutC = nil, nil
			pending = pending.upgrade(endCancel, nil)
			if inflight {
				continue
			}
			c.conclude(ep, pending, rec)
			rec = nil
			return
		}
	}
}

// tick releases the held capture, transcribes it and evaluates the
// predicate. Unless the episode is ending it re-arms a fresh capture.
func (c *Controller) tick(ep *episode, rec *audio.Recording) tickOutcome {
	var out tickOutcome

	path, err := c.recorder.Release(rec)
	if err != nil {
		c.logger.Warn("release failed", "episode_id", ep.id, "error", err)
		c.recorder.Discard(path)
		path = ""
		out.releaseErr = err
	}

	if path != "" {
		out.transcribed = true
		text, err := c.transcriber.Transcribe(ep.ctx, path)
		if err != nil {
			out.transcribeErr = err
			c.logger.Warn("transcription failed", "episode_id", ep.id, "error", err)
		} else {
			out.text = strings.TrimSpace(text)
		}
	}

	if out.text != "" && c.evaluate(ep, out.text) {
		out.accepted = true
		out.path = path
		return out
	}

	c.recorder.Discard(path)
	if ep.ending.Load() {
		return out
	}

	out.next, out.err = c.acquire(ep)
	return out
}

func (c *Controller) evaluate(ep *episode, text string) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("predicate panicked", "episode_id", ep.id, "panic", fmt.Sprint(r))
			accepted = false
		}
	}()

	ok, err := ep.predicate(ep.ctx, text)
	if err != nil {
		c.logger.Warn("predicate failed", "episode_id", ep.id, "error", err)
		return false
	}
	return ok
}

// conclude ends the episode according to the pending request, with rec as
// the live capture (possibly nil).
func (c *Controller) conclude(ep *episode, p *pendingEnd, rec *audio.Recording) {
	switch p.kind {
	case endStop:
		c.finish(ep, c.finalSegment(ep, rec), p.replies)
	case endTimeout:
		c.dispose(rec)
		c.finish(ep, outcome{
			reason:     ReasonTimeout,
			event:      EventTimeout,
			transcript: ep.lastAttempt,
			err:        fmt.Errorf("%w: no accepted answer within %s", ErrInactivityTimeout, c.inactivityTimeout),
		}, p.replies)
	default:
		c.dispose(rec)
		c.finish(ep, outcome{
			reason:     ReasonCancelled,
			event:      EventCancel,
			transcript: ep.lastAttempt,
		}, p.replies)
	}
}

// finalSegment releases and transcribes the last capture for Stop. With no
// capture left, the text of the tick that was in flight is the final segment.
func (c *Controller) finalSegment(ep *episode, rec *audio.Recording) outcome {
	out := outcome{reason: ReasonStopped, event: EventStop}
	if ep.ticks > 0 && rec == nil {
		out.transcript = ep.lastAttempt
	}

	path, err := c.recorder.Release(rec)
	if err != nil {
		c.logger.Warn("release failed", "episode_id", ep.id, "error", err)
		c.recorder.Discard(path)
		c.raise(ep, err)
		return out
	}
	if path == "" {
		return out
	}

	ep.transcriptions++
	text, err := c.transcriber.Transcribe(ep.ctx, path)
	if err != nil {
		ep.failures++
		c.recorder.Discard(path)
		out.err = err
		return out
	}

	out.transcript = strings.TrimSpace(text)
	if out.transcript == "" {
		c.recorder.Discard(path)
		return out
	}
	out.audioPath = path
	return out
}

func (c *Controller) dispose(rec *audio.Recording) {
	if rec == nil {
		return
	}
	path, err := c.recorder.Release(rec)
	if err != nil {
		c.logger.Warn("release failed", "error", err)
	}
	c.recorder.Discard(path)
}

func (c *Controller) finish(ep *episode, o outcome, replies []chan stopReply) {
	ep.stopTimers()

	ep.result = Result{
		EpisodeID:      ep.id,
		Mode:           ep.mode,
		Reason:         o.reason,
		Transcript:     o.transcript,
		AudioPath:      o.audioPath,
		Err:            o.err,
		Ticks:          ep.ticks,
		Skipped:        ep.skipped,
		Transcriptions: ep.transcriptions,
		Failures:       ep.failures,
		StartedAt:      ep.startedAt,
		FinishedAt:     c.clock.Now(),
	}

	c.mu.Lock()
	next, terr := Transition(c.state, o.event)
	if terr == nil {
		c.state = next
	}
	state := c.state
	c.transcript = o.transcript
	if o.err != nil {
		c.err = o.err
	}
	c.current = nil
	last := ep.result
	c.last = &last
	c.mu.Unlock()

	if terr != nil {
		c.logger.Error("state transition rejected", "episode_id", ep.id, "event", string(o.event), "error", terr)
	}

	ep.cancel()

	attrs := []any{
		"episode_id", ep.id,
		"reason", string(o.reason),
		"ticks", ep.ticks,
		"skipped", ep.skipped,
		"transcriptions", ep.transcriptions,
		"failures", ep.failures,
		"duration", ep.result.Duration().String(),
	}
	if o.err != nil {
		attrs = append(attrs, "error", o.err)
	}
	c.logger.Info("episode ended", attrs...)

	if c.observer != nil {
		c.observer.StateChanged(ep.id, state)
		c.observer.EpisodeEnded(ep.result)
	}

	close(ep.done)
	for _, reply := range replies {
		reply <- stopReply{text: o.transcript, err: o.err}
	}
}

func (c *Controller) apply(ep *episode, event Event) {
	c.mu.Lock()
	next, err := Transition(c.state, event)
	if err == nil {
		c.state = next
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("state transition rejected", "episode_id", ep.id, "event", string(event), "error", err)
		return
	}
	if c.observer != nil {
		c.observer.StateChanged(ep.id, next)
	}
}

// raise surfaces a soft error without ending the episode. It stays in Err
// until the next episode starts or a terminal error replaces it.
func (c *Controller) raise(ep *episode, err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ErrorRaised(ep.id, err)
	}
}

func (c *Controller) setTranscript(ep *episode, text string) {
	c.mu.Lock()
	c.transcript = text
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.TranscriptUpdated(ep.id, text)
	}
}

type episode struct {
	id        string
	mode      Mode
	predicate Predicate
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	timerMu  sync.Mutex
	ticker   Ticker
	timeout  Timer
	disarmed bool

	ending    atomic.Bool
	stopCh    chan chan stopReply
	abortCh   chan struct{}
	abortOnce sync.Once
	done      chan struct{}

	// Owned by the loop goroutine.
	lastAttempt    string
	ticks          int
	skipped        int
	transcriptions int
	failures       int
	consecutive    int

	result Result
}

func (ep *episode) arm(clock Clock, poll, inactivity time.Duration) {
	ep.timerMu.Lock()
	defer ep.timerMu.Unlock()

	if ep.disarmed {
		return
	}
	ep.ticker = clock.NewTicker(poll)
	ep.timeout = clock.NewTimer(inactivity)
}

func (ep *episode) stopTimers() {
	ep.timerMu.Lock()
	defer ep.timerMu.Unlock()

	ep.disarmed = true
	if ep.ticker != nil {
		ep.ticker.Stop()
	}
	if ep.timeout != nil {
		ep.timeout.Stop()
	}
}

func (ep *episode) channels() (<-chan time.Time, <-chan time.Time) {
	ep.timerMu.Lock()
	defer ep.timerMu.Unlock()

	if ep.ticker == nil || ep.timeout == nil {
		return nil, nil
	}
	return ep.ticker.C(), ep.timeout.C()
}

func (ep *episode) record(out tickOutcome) {
	if out.transcribed {
		ep.transcriptions++
	}
	switch {
	case out.transcribeErr != nil:
		ep.failures++
		ep.consecutive++
	case out.transcribed:
		ep.consecutive = 0
	}
	if out.text != "" {
		ep.lastAttempt = out.text
	}
}

type tickOutcome struct {
	text          string
	path          string
	accepted      bool
	transcribed   bool
	transcribeErr error
	releaseErr    error
	next          *audio.Recording
	err           error
}

type outcome struct {
	reason     Reason
	event      Event
	transcript string
	audioPath  string
	err        error
}

type stopReply struct {
	text string
	err  error
}

type endKind int

const (
	endTimeout endKind = iota + 1
	endStop
	endCancel
)

// pendingEnd is a terminal request waiting for the in-flight tick.
type pendingEnd struct {
	kind    endKind
	replies []chan stopReply
}

// upgrade merges a new request: cancel beats stop, stop beats timeout.
func (p *pendingEnd) upgrade(kind endKind, reply chan stopReply) *pendingEnd {
	if p == nil {
		p = &pendingEnd{kind: kind}
	} else if kind > p.kind {
		p.kind = kind
	}
	if reply != nil {
		p.replies = append(p.replies, reply)
	}
	return p
}

func (p *pendingEnd) replyList() []chan stopReply {
	if p == nil {
		return nil
	}
	return p.replies
}
