package stackful

import (
	"sync"
	"time"
)

// Signal is a one-shot wake-up for a single suspended fiber. A Notify that
// happens before [Suspend] makes the suspension a no-op, so the two sides
// never have to agree on who goes first.
type Signal struct {
	mu       sync.Mutex
	notified bool
	w        *waiter
}

// NewSignal returns a signal that has not been notified.
func NewSignal() *Signal {
	return &Signal{}
}

// Notify fires the signal and resumes the fiber suspended on it, if any.
// Later calls are no-ops. Safe to call from any goroutine.
func (s *Signal) Notify() {
	s.mu.Lock()
	if s.notified {
		s.mu.Unlock()
		return
	}
	s.notified = true
	w := s.w
	s.mu.Unlock()

	if w != nil {
		w.wake(nil)
	}
}

// Notified reports whether Notify has been called.
func (s *Signal) Notified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notified
}

// Suspend parks fc until sig is notified or fc is cancelled. It returns nil
// once the signal fired and [ErrCancelled] if cancellation came first.
//
// A signal holds at most one waiter; suspending a second fiber on it is a
// misuse and panics.
func Suspend(fc *Fiber, sig *Signal) error {
	sig.mu.Lock()
	if sig.notified {
		sig.mu.Unlock()
		return nil
	}
	if sig.w != nil {
		sig.mu.Unlock()
		panic(misuse("Suspend", "signal already has a waiter"))
	}
	w := newWaiter(fc)
	sig.w = w
	sig.mu.Unlock()

	stop := fc.token.AfterCancel(func() { w.wake(nil) })
	w.sleep()
	stop()

	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.notified {
		return nil
	}
	sig.w = nil
	return ErrCancelled
}

// Sleep suspends fc for d without holding its worker. It returns early with
// [ErrCancelled] when fc is cancelled. A non-positive d yields once.
//
// A pending sleep keeps the pool from draining in [Pool.Close].
func Sleep(fc *Fiber, d time.Duration) error {
	if err := fc.Checkpoint(); err != nil {
		return err
	}
	if d <= 0 {
		fc.Yield()
		return fc.Checkpoint()
	}

	p := fc.pool
	w := newWaiter(fc)

	// The timer counts as active work until it has either fired or been
	// stopped, and gives up that count only after readying the fiber.
	p.active.Add(1)
	p.timers.Add(1)
	settle := func() {
		p.timers.Add(-1)
		p.release()
	}

	t := time.AfterFunc(d, func() {
		w.wake(nil)
		settle()
	})
	stop := fc.token.AfterCancel(func() {
		if t.Stop() {
			w.wake(nil)
			settle()
		}
	})

	w.sleep()
	stop()
	return fc.Checkpoint()
}
