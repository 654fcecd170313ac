package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrGraceExpired = errors.New("grace period expired")
	ErrInterrupted  = errors.New("session interrupted")
)

// SleepUntil blocks until deadline or until ctx is done. A deadline in the
// past returns immediately.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	return Sleep(ctx, time.Until(deadline))
}

func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitGrace waits for done to close for at most grace. A non-positive grace
// waits forever.
func WaitGrace(done <-chan struct{}, grace time.Duration) error {
	if grace <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrGraceExpired
	}
}

// WaitGroupDone adapts a WaitGroup to a channel for WaitGrace.
func WaitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// Interrupter owns the cancellation of the session currently in progress.
// Interrupt only affects the active session; a session started afterwards
// runs normally.
type Interrupter struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	gen    uint64
}

// Begin derives the session context from parent. The returned end func must
// be called once the session is over.
func (i *Interrupter) Begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	i.mu.Lock()
	if i.cancel != nil {
		i.cancel(context.Canceled)
	}
	i.cancel = cancel
	i.gen++
	gen := i.gen
	i.mu.Unlock()
	return ctx, func() {
		cancel(context.Canceled)
		i.mu.Lock()
		if i.gen == gen {
			i.cancel = nil
		}
		i.mu.Unlock()
	}
}

// Interrupt cancels the active session, reporting whether one was running.
func (i *Interrupter) Interrupt() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel == nil {
		return false
	}
	i.cancel(ErrInterrupted)
	i.cancel = nil
	return true
}

// Cause maps a session context error to ErrInterrupted when the session was
// interrupted rather than shut down.
func Cause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrInterrupted) {
		return ErrInterrupted
	}
	return ctx.Err()
}
