package stackful

import (
	"container/list"
	"sync"
)

// Semaphore bounds how many fibers hold a slot at once. Acquire suspends the
// fiber instead of blocking its worker, and gives up when the fiber is
// cancelled. Waiters are served in arrival order.
type Semaphore struct {
	mu      sync.Mutex
	size    int
	held    int
	waiters list.List // of *semWaiter
}

type semWaiter struct {
	w       *waiter
	granted bool
}

// NewSemaphore creates a semaphore with the given capacity.
// Panics if n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("stackful: NewSemaphore requires n > 0")
	}
	return &Semaphore{size: n}
}

// Acquire takes a slot, suspending fc until one is available. It returns
// [ErrCancelled] if fc is cancelled before a slot was granted.
func (s *Semaphore) Acquire(fc *Fiber) error {
	if err := fc.Checkpoint(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.held < s.size && s.waiters.Len() == 0 {
		s.held++
		s.mu.Unlock()
		return nil
	}
	sw := &semWaiter{w: newWaiter(fc)}
	elem := s.waiters.PushBack(sw)
	s.mu.Unlock()

	stop := fc.token.AfterCancel(func() {
		s.mu.Lock()
		if sw.granted {
			s.mu.Unlock()
			return
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		sw.w.wake(nil)
	})
	sw.w.sleep()
	stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sw.granted {
		return nil
	}
	return ErrCancelled
}

// TryAcquire attempts to acquire a slot without suspending.
// Returns true if acquired, false otherwise.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held < s.size && s.waiters.Len() == 0 {
		s.held++
		return true
	}
	return false
}

// Release releases a slot, handing it straight to the oldest waiter if there
// is one. Panics if more slots are released than acquired.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.held == 0 {
		s.mu.Unlock()
		panic("stackful: Semaphore.Release called without matching Acquire")
	}
	front := s.waiters.Front()
	if front == nil {
		s.held--
		s.mu.Unlock()
		return
	}
	sw := s.waiters.Remove(front).(*semWaiter)
	sw.granted = true
	s.mu.Unlock()

	sw.w.wake(nil)
}

// Available returns the number of available slots.
// The value may be stale in concurrent contexts.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.held
}
