package chat

import (
	"context"
	"errors"
	"time"
)

var errReleased = errors.New("generation finished")

// CancellationHandle controls the teardown of exactly one in-flight request.
// A timeout, when configured, revokes the handle through the same path as an
// explicit stop.
type CancellationHandle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func newCancellationHandle(parent context.Context, timeout time.Duration) *CancellationHandle {
	ctx, cancel := context.WithCancelCause(parent)
	h := &CancellationHandle{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() { cancel(ErrTimeout) })
	}
	return h
}

func (h *CancellationHandle) Context() context.Context { return h.ctx }

// Cancel revokes the handle. Only the first cause is kept.
func (h *CancellationHandle) Cancel(cause error) { h.cancel(cause) }

func (h *CancellationHandle) Revoked() bool { return h.ctx.Err() != nil }

// Cause reports why the handle was revoked, or nil while it is live.
func (h *CancellationHandle) Cause() error {
	if h.ctx.Err() == nil {
		return nil
	}
	return context.Cause(h.ctx)
}

func (h *CancellationHandle) release() {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.cancel(errReleased)
}
