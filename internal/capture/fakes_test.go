package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sjawhar/sofia/internal/audio"
)

// fakeClock fires timers only from Advance. Each fire blocks until the
// channel is read or the timer is stopped.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

type fakeTimer struct {
	clock   *fakeClock
	seq     int
	when    time.Time
	period  time.Duration
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
	done    bool
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	return fakeTicker{f.add(d, d)}
}

func (f *fakeClock) NewTimer(d time.Duration) Timer {
	return fakeOneShot{f.add(d, 0)}
}

func (f *fakeClock) add(d, period time.Duration) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTimer{
		clock:   f,
		seq:     f.seq,
		when:    f.now.Add(d),
		period:  period,
		ch:      make(chan time.Time),
		stopped: make(chan struct{}),
	}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.timers {
			if t.done || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) || (t.when.Equal(next.when) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.when
		at := next.when
		if next.period > 0 {
			next.when = next.when.Add(next.period)
		} else {
			next.done = true
		}
		f.mu.Unlock()

		select {
		case next.ch <- at:
		case <-next.stopped:
		}
	}
}

func (t *fakeTimer) stop() bool {
	t.clock.mu.Lock()
	active := !t.done
	t.done = true
	t.clock.mu.Unlock()
	t.once.Do(func() { close(t.stopped) })
	return active
}

type fakeTicker struct{ t *fakeTimer }

func (f fakeTicker) C() <-chan time.Time { return f.t.ch }
func (f fakeTicker) Stop()               { f.t.stop() }

type fakeOneShot struct{ t *fakeTimer }

func (f fakeOneShot) C() <-chan time.Time { return f.t.ch }
func (f fakeOneShot) Stop() bool          { return f.t.stop() }

type fakeRecorder struct {
	mu          sync.Mutex
	seq         int
	live        int
	maxLive     int
	acquires    int
	acquireErrs []error
	releaseErrs []error
	released    map[*audio.Recording]bool
	discarded   []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{released: make(map[*audio.Recording]bool)}
}

func (f *fakeRecorder) Acquire(context.Context) (*audio.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acquires++
	if len(f.acquireErrs) > 0 {
		err := f.acquireErrs[0]
		f.acquireErrs = f.acquireErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	f.seq++
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return &audio.Recording{ID: segmentID(f.seq), StartedAt: time.Now()}, nil
}

func (f *fakeRecorder) Release(rec *audio.Recording) (string, error) {
	if rec == nil {
		return "", nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released[rec] {
		return "", nil
	}
	f.released[rec] = true
	f.live--
	if len(f.releaseErrs) > 0 {
		err := f.releaseErrs[0]
		f.releaseErrs = f.releaseErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return rec.ID + ".wav", nil
}

func (f *fakeRecorder) Discard(path string) {
	if path == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, path)
}

func (f *fakeRecorder) Acquiring() bool { return false }

func (f *fakeRecorder) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireErrs = append(f.acquireErrs, errs...)
}

func (f *fakeRecorder) failRelease(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseErrs = append(f.releaseErrs, errs...)
}

func (f *fakeRecorder) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeRecorder) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

func (f *fakeRecorder) Acquires() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeRecorder) Discarded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.discarded...)
}

func segmentID(n int) string {
	return fmt.Sprintf("seg-%02d", n)
}

type scriptTranscriber struct {
	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	paths       []string
	fn          func(ctx context.Context, n int, path string) (string, error)
}

func (s *scriptTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.paths = append(s.paths, path)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	return s.fn(ctx, n, path)
}

func (s *scriptTranscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptTranscriber) MaxInflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight
}

func (s *scriptTranscriber) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

type fakePermission struct {
	mu      sync.Mutex
	granted bool
	allow   bool
	asked   int
}

func (f *fakePermission) Granted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted
}

func (f *fakePermission) Asked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asked
}

func (f *fakePermission) setAllow(allow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow = allow
}

func (f *fakePermission) Request(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked++
	f.granted = f.allow
	return f.allow, nil
}

type recordingObserver struct {
	mu          sync.Mutex
	states      []State
	transcripts []string
	errs        []error
	results     []Result
}

func (o *recordingObserver) StateChanged(_ string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) TranscriptUpdated(_ string, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, text)
}

func (o *recordingObserver) ErrorRaised(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) EpisodeEnded(result Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}
