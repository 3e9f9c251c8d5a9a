package stackful

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is a cooperative cancellation flag. A token is cancelled when its own
// flag is set or when any ancestor's is. The flag only ever goes from false
// to true.
//
// Cancellation is advisory: running fibers observe it at checkpoints
// ([Fiber.Checkpoint], [Fiber.Cancelled], [Sleep], [Semaphore.Acquire]) and
// stop their own work. Nothing unwinds a fiber's stack from the outside.
type Token struct {
	parent    *Token
	cancelled atomic.Bool

	// Callback bookkeeping. Cancelled never touches these. A callback
	// registered on t is also registered on every ancestor, so cancelling
	// any of them reaches it without a list of live descendants.
	mu        sync.Mutex
	nextID    uint64
	callbacks map[uint64]func()
	fired     bool
}

// NewToken returns a root token.
func NewToken() *Token {
	return &Token{}
}

// Child returns a token that is cancelled whenever t is.
func (t *Token) Child() *Token {
	return &Token{parent: t}
}

// Parent returns the token t was derived from, or nil for a root token.
func (t *Token) Parent() *Token {
	return t.parent
}

// Cancel sets t's flag. It reports whether this call performed the
// transition; later calls are no-ops. If an [Token.AfterCancel] callback
// panics, Cancel runs the remaining callbacks and then panics with the first
// value.
func (t *Token) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.fire()
	return true
}

// Cancelled reports whether t or any of its ancestors has been cancelled.
// It never blocks.
func (t *Token) Cancelled() bool {
	for c := t; c != nil; c = c.parent {
		if c.cancelled.Load() {
			return true
		}
	}
	return false
}

// Err returns ErrCancelled once t is cancelled, nil before.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// AfterCancel arranges for fn to run once t is cancelled, on the goroutine
// that requests the cancellation. If t is already cancelled fn runs before
// AfterCancel returns. fn must not block.
//
// The returned stop function unregisters fn; it reports whether fn was
// removed before it ran.
func (t *Token) AfterCancel(fn func()) (stop func() bool) {
	var ran atomic.Bool
	once := func() {
		if ran.CompareAndSwap(false, true) {
			fn()
		}
	}

	type entry struct {
		t  *Token
		id uint64
	}
	var entries []entry
	for c := t; c != nil; c = c.parent {
		id, ok := c.register(once)
		if !ok {
			for _, e := range entries {
				e.t.unregister(e.id)
			}
			once()
			return func() bool { return false }
		}
		entries = append(entries, entry{t: c, id: id})
	}

	return func() bool {
		if !ran.CompareAndSwap(false, true) {
			return false
		}
		for _, e := range entries {
			e.t.unregister(e.id)
		}
		return true
	}
}

// register adds fn to t's own callbacks. It fails once t's flag is set.
func (t *Token) register(fn func()) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.cancelled.Load() {
		return 0, false
	}
	if t.callbacks == nil {
		t.callbacks = make(map[uint64]func())
	}
	id := t.nextID
	t.nextID++
	t.callbacks[id] = fn
	return id, true
}

func (t *Token) unregister(id uint64) {
	t.mu.Lock()
	delete(t.callbacks, id)
	t.mu.Unlock()
}

// pending returns how many callbacks are registered directly on t.
func (t *Token) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callbacks)
}

// fire runs t's callbacks once. Every callback runs even if an earlier one
// panics; the first panic is raised again after the last one.
func (t *Token) fire() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	var (
		panicked bool
		value    any
	)
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil && !panicked {
					panicked, value = true, r
				}
			}()
			fn()
		}()
	}
	if panicked {
		panic(value)
	}
}

// Context derives a context from parent that is cancelled, with cause
// ErrCancelled, when t is. Call the returned cancel function to release the
// registration once the context is no longer needed.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := t.AfterCancel(func() { cancel(ErrCancelled) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
