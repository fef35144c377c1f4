package app

import (
	"context"
	"time"

	"github.com/sjawhar/sofia/internal/capture"
	"github.com/sjawhar/sofia/internal/server"
)

const stopTimeout = 30 * time.Second

// ListenOnce runs a single episode to completion. A value on stop ends the
// episode early through Stop; cancelling ctx tears it down without a final
// transcription.
func (a *App) ListenOnce(ctx context.Context, req server.ListenRequest, stop <-chan struct{}) (capture.Result, error) {
	if err := a.Listen(ctx, req); err != nil {
		return capture.Result{Reason: capture.ReasonFailed, Err: err}, err
	}

	done := make(chan capture.Result, 1)
	go func() {
		r, _ := a.session.Wait(context.WithoutCancel(ctx))
		done <- r
	}()

	select {
	case r := <-done:
		return r, nil
	case <-stop:
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if _, err := a.Stop(stopCtx); err != nil {
			a.logger.Debug("stop returned error", "error", err)
		}
		return <-done, nil
	case <-ctx.Done():
		a.session.Close()
		return <-done, nil
	}
}
