package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const poll = 2 * time.Second

func newTestController(t *testing.T, rec *fakeRecorder, tr *scriptTranscriber, opts Options) (*Controller, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	opts.Clock = clock
	if opts.PollInterval == 0 {
		opts.PollInterval = poll
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewController(rec, tr, opts)
	c.sleep = func(time.Duration) {}
	ids := 0
	c.newID = func() string {
		ids++
		return fmt.Sprintf("ep-%d", ids)
	}
	t.Cleanup(c.Close)
	return c, clock
}

func contains(word string) Predicate {
	return func(_ context.Context, transcript string) (bool, error) {
		return strings.Contains(transcript, word), nil
	}
}

func script(texts ...string) *scriptTranscriber {
	return &scriptTranscriber{fn: func(_ context.Context, n int, _ string) (string, error) {
		if n > len(texts) {
			return texts[len(texts)-1], nil
		}
		return texts[n-1], nil
	}}
}

// waitRearmed blocks until tick n has been transcribed and a fresh capture armed.
func waitRearmed(t *testing.T, c *Controller, tr *scriptTranscriber, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.Calls() == n && c.State() == StateListening
	}, time.Second, time.Millisecond)
}

func waitResult(t *testing.T, c *Controller) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	require.NoError(t, err)
	return res
}

func currentEpisode(c *Controller) *episode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func TestAcceptedOnThirdTick(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("uno", "dos", "la respuesta es gato")
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	require.True(t, c.Listening())

	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	clock.Advance(poll)
	waitRearmed(t, c, tr, 2)
	clock.Advance(poll)

	res := waitResult(t, c)
	require.Equal(t, ReasonAccepted, res.Reason)
	require.Equal(t, "la respuesta es gato", res.Transcript)
	require.Equal(t, "seg-03.wav", res.AudioPath)
	require.Equal(t, 3, res.Transcriptions)
	require.Equal(t, 6*time.Second, res.Duration())
	require.NoError(t, res.Err)

	require.Equal(t, 3, tr.Calls())
	require.Equal(t, StateStopped, c.State())
	require.False(t, c.Listening())
	require.Equal(t, "la respuesta es gato", c.Transcript())
	require.NoError(t, c.Err())

	require.Equal(t, []string{"seg-01.wav", "seg-02.wav"}, rec.Discarded())
	require.Equal(t, 0, rec.Live())
	require.Equal(t, 1, rec.MaxLive())

	clock.Advance(10 * poll)
	require.Equal(t, 3, tr.Calls())
}

func TestInactivityTimeout(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("no")
	c, clock := newTestController(t, rec, tr, Options{InactivityTimeout: 30 * time.Second})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))

	for i := 1; i < 15; i++ {
		clock.Advance(poll)
		waitRearmed(t, c, tr, i)
	}
	clock.Advance(poll)

	res := waitResult(t, c)
	require.Equal(t, ReasonTimeout, res.Reason)
	require.ErrorIs(t, res.Err, ErrInactivityTimeout)
	require.Equal(t, "no", res.Transcript)
	require.Empty(t, res.AudioPath)
	require.Equal(t, 30*time.Second, res.Duration())

	require.Equal(t, 15, tr.Calls())
	require.ErrorIs(t, c.Err(), ErrInactivityTimeout)
	require.False(t, c.Listening())
	require.Equal(t, 0, rec.Live())
	require.Equal(t, 1, rec.MaxLive())

	clock.Advance(10 * poll)
	require.Equal(t, 15, tr.Calls())
}

func TestDefaultInactivityTimeout(t *testing.T) {
	c := NewController(newFakeRecorder(), script("x"), Options{})
	require.Equal(t, DefaultPollInterval, c.PollInterval())
	require.Equal(t, 30*time.Second, c.InactivityTimeout())
}

func TestTranscriptionFailureThenSuccess(t *testing.T) {
	rec := newFakeRecorder()
	tr := &scriptTranscriber{fn: func(_ context.Context, n int, _ string) (string, error) {
		if n == 1 {
			return "", errors.New("503 service unavailable")
		}
		return "gato", nil
	}}
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))

	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	require.NoError(t, c.Err())
	require.True(t, c.Listening())

	clock.Advance(poll)
	res := waitResult(t, c)
	require.Equal(t, ReasonAccepted, res.Reason)
	require.Equal(t, 2, res.Transcriptions)
	require.Equal(t, 1, res.Failures)
	require.Equal(t, []string{"seg-01.wav"}, rec.Discarded())
}

func TestEmptyTranscriptRearms(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("   ", "gato")
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), func(context.Context, string) (bool, error) {
		return true, nil
	}))

	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	clock.Advance(poll)

	res := waitResult(t, c)
	require.Equal(t, "gato", res.Transcript)
	require.Equal(t, 2, tr.Calls())
}

func TestStopImmediatelyAfterStart(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("hola")
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	text, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hola", text)

	res := waitResult(t, c)
	require.Equal(t, ReasonStopped, res.Reason)
	require.Equal(t, "seg-01.wav", res.AudioPath)
	require.Equal(t, 0, rec.Live())
	require.Empty(t, rec.Discarded())

	clock.Advance(10 * poll)
	require.Equal(t, 1, tr.Calls())
	require.Equal(t, StateStopped, c.State())
}

func TestStopWaitsForInflightTick(t *testing.T) {
	rec := newFakeRecorder()
	unblock := make(chan struct{})
	tr := &scriptTranscriber{fn: func(_ context.Context, n int, _ string) (string, error) {
		if n == 1 {
			<-unblock
		}
		return "perro", nil
	}}
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	ep := currentEpisode(c)
	require.NotNil(t, ep)

	clock.Advance(poll)
	require.Eventually(t, func() bool { return tr.Calls() == 1 }, time.Second, time.Millisecond)

	type stopResult struct {
		text string
		err  error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		text, err := c.Stop(context.Background())
		stopped <- stopResult{text, err}
	}()

	require.Eventually(t, ep.ending.Load, time.Second, time.Millisecond)
	clock.Advance(5 * poll)
	close(unblock)

	select {
	case r := <-stopped:
		require.NoError(t, r.err)
		require.Equal(t, "perro", r.text)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	require.Equal(t, 1, tr.Calls())
	require.Equal(t, 1, tr.MaxInflight())
	require.Equal(t, 0, rec.Live())
	require.Equal(t, StateStopped, c.State())
}

func TestOverlappingTickSkipped(t *testing.T) {
	rec := newFakeRecorder()
	unblock := make(chan struct{})
	tr := &scriptTranscriber{fn: func(_ context.Context, n int, _ string) (string, error) {
		if n == 1 {
			<-unblock
		}
		return "ok", nil
	}}
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))

	clock.Advance(poll)
	require.Eventually(t, func() bool { return tr.Calls() == 1 }, time.Second, time.Millisecond)
	clock.Advance(poll)
	require.Equal(t, StateValidating, c.State())

	close(unblock)
	waitRearmed(t, c, tr, 1)

	text, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", text)

	res := waitResult(t, c)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Ticks)
	require.Equal(t, 1, tr.MaxInflight())
	require.Equal(t, 2, tr.Calls())
}

func TestPredicateErrorsAreRejections(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("uno", "dos", "tres")
	c, clock := newTestController(t, rec, tr, Options{})

	predicate := func(_ context.Context, transcript string) (bool, error) {
		switch transcript {
		case "uno":
			return true, errors.New("validator offline")
		case "dos":
			panic("bad predicate")
		}
		return true, nil
	}
	require.NoError(t, c.StartWithAutoStop(context.Background(), predicate))

	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	clock.Advance(poll)
	waitRearmed(t, c, tr, 2)
	clock.Advance(poll)

	res := waitResult(t, c)
	require.Equal(t, ReasonAccepted, res.Reason)
	require.Equal(t, "tres", res.Transcript)
	require.NoError(t, c.Err())
	require.Equal(t, []string{"seg-01.wav", "seg-02.wav"}, rec.Discarded())
}

func TestRearmRetriesOnce(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("no")
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))

	busy := errors.New("device busy")
	rec.failNext(busy)
	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	require.Equal(t, 3, rec.Acquires())

	rec.failNext(busy, busy)
	clock.Advance(poll)

	res := waitResult(t, c)
	require.Equal(t, ReasonFailed, res.Reason)
	require.ErrorIs(t, res.Err, busy)
	require.ErrorIs(t, c.Err(), busy)
	require.Equal(t, StateStopped, c.State())
	require.Equal(t, 0, rec.Live())
}

func TestStartAcquireFailure(t *testing.T) {
	busy := errors.New("device busy")

	t.Run("retry succeeds", func(t *testing.T) {
		rec := newFakeRecorder()
		rec.failNext(busy)
		c, _ := newTestController(t, rec, script("x"), Options{})

		require.NoError(t, c.Start(context.Background()))
		require.True(t, c.Listening())
		require.Equal(t, 2, rec.Acquires())
	})

	t.Run("retry fails", func(t *testing.T) {
		rec := newFakeRecorder()
		rec.failNext(busy, busy)
		c, _ := newTestController(t, rec, script("x"), Options{})

		err := c.StartWithAutoStop(context.Background(), contains("gato"))
		require.ErrorIs(t, err, busy)
		require.False(t, c.Listening())
		require.Equal(t, StateStopped, c.State())
		require.ErrorIs(t, c.Err(), busy)

		res := waitResult(t, c)
		require.Equal(t, ReasonFailed, res.Reason)
	})
}

func TestConsecutiveFailureCap(t *testing.T) {
	rec := newFakeRecorder()
	boom := errors.New("connection refused")
	tr := &scriptTranscriber{fn: func(context.Context, int, string) (string, error) {
		return "", boom
	}}
	c, clock := newTestController(t, rec, tr, Options{MaxConsecutiveFailures: 2})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))

	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	clock.Advance(poll)

	res := waitResult(t, c)
	require.Equal(t, ReasonFailed, res.Reason)
	require.ErrorIs(t, res.Err, ErrServiceUnavailable)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, 2, res.Failures)
	require.Equal(t, 0, rec.Live())
}

func TestPermission(t *testing.T) {
	rec := newFakeRecorder()
	perm := &fakePermission{}
	c, _ := newTestController(t, rec, script("x"), Options{Permission: perm})

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorIs(t, c.Err(), ErrPermissionDenied)
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, 0, rec.Acquires())
	require.Equal(t, 1, perm.Asked())

	perm.setAllow(true)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Err())
	require.True(t, c.Listening())
	require.Equal(t, 2, perm.Asked())

	_, err = c.Stop(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, 2, perm.Asked(), "a granted permission is not requested again")
}

func TestReleaseFailureIsSoftError(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("es un gato")
	obs := &recordingObserver{}
	c, clock := newTestController(t, rec, tr, Options{Observer: obs})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	ioErr := errors.New("device i/o error")
	rec.failRelease(ioErr)

	clock.Advance(poll)
	require.Eventually(t, func() bool {
		return c.State() == StateListening && c.Err() != nil
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, c.Err(), ioErr)
	require.Equal(t, 0, tr.Calls(), "nothing to transcribe after a failed release")
	require.True(t, c.Listening())
	require.Len(t, obs.Errors(), 1)

	clock.Advance(poll)
	res := waitResult(t, c)
	require.Equal(t, ReasonAccepted, res.Reason)
	require.Equal(t, "es un gato", res.Transcript)
	require.NoError(t, res.Err)
	require.Equal(t, 0, rec.Live())
}

func TestManualMode(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("buenos días")
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.Start(context.Background()))
	clock.Advance(time.Minute)
	require.Equal(t, 0, tr.Calls())
	require.True(t, c.Listening())

	text, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "buenos días", text)
	require.Equal(t, "buenos días", c.Transcript())

	res := waitResult(t, c)
	require.Equal(t, ModeManual, res.Mode)
	require.Equal(t, "seg-01.wav", res.AudioPath)
	require.Equal(t, []string{"seg-01.wav"}, tr.Paths())
}

func TestStopTranscriptionFailureSurfaces(t *testing.T) {
	boom := errors.New("timeout")
	tr := &scriptTranscriber{fn: func(context.Context, int, string) (string, error) {
		return "", boom
	}}
	rec := newFakeRecorder()
	c, _ := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.Start(context.Background()))
	_, err := c.Stop(context.Background())
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, c.Err(), boom)
	require.Equal(t, []string{"seg-01.wav"}, rec.Discarded())
}

func TestErrorClearedOnStart(t *testing.T) {
	rec := newFakeRecorder()
	tr := script("no")
	c, clock := newTestController(t, rec, tr, Options{InactivityTimeout: 4 * time.Second})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	clock.Advance(poll)
	waitRearmed(t, c, tr, 1)
	clock.Advance(poll)
	waitResult(t, c)
	require.ErrorIs(t, c.Err(), ErrInactivityTimeout)

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	require.NoError(t, c.Err())
	require.Empty(t, c.Transcript())
}

func TestStartWhileListening(t *testing.T) {
	c, _ := newTestController(t, newFakeRecorder(), script("x"), Options{})

	_, err := c.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotListening)
	_, err = c.Wait(context.Background())
	require.ErrorIs(t, err, ErrNotListening)

	require.NoError(t, c.Start(context.Background()))
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyListening)
	require.ErrorIs(t, c.StartWithAutoStop(context.Background(), contains("x")), ErrAlreadyListening)
	require.Error(t, c.StartWithAutoStop(context.Background(), nil))
}

func TestCloseCancelsEpisode(t *testing.T) {
	rec := newFakeRecorder()
	tr := &scriptTranscriber{fn: func(ctx context.Context, _ int, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c, clock := newTestController(t, rec, tr, Options{})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	clock.Advance(poll)
	require.Eventually(t, func() bool { return tr.Calls() == 1 }, time.Second, time.Millisecond)

	c.Close()

	res := waitResult(t, c)
	require.Equal(t, ReasonCancelled, res.Reason)
	require.Equal(t, StateStopped, c.State())
	require.Equal(t, 0, rec.Live())
	require.NoError(t, c.Err())
}

func TestObserverSequence(t *testing.T) {
	obs := &recordingObserver{}
	rec := newFakeRecorder()
	c, clock := newTestController(t, rec, script("gato"), Options{Observer: obs})

	require.NoError(t, c.StartWithAutoStop(context.Background(), contains("gato")))
	snap := c.Snapshot()
	require.Equal(t, "ep-1", snap.EpisodeID)
	require.True(t, snap.Listening)

	clock.Advance(poll)
	res := waitResult(t, c)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []State{StateListening, StateValidating, StateStopped}, obs.states)
	require.Equal(t, []string{"gato"}, obs.transcripts)
	require.Len(t, obs.results, 1)
	require.Equal(t, res.EpisodeID, obs.results[0].EpisodeID)
	require.Equal(t, "ep-1", c.Snapshot().EpisodeID)
}
