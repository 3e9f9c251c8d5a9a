package stackful

import (
	"sync"
	"sync/atomic"
)

// Future holds the outcome of a fiber that produces a typed value. Create
// one via [Spawn].
type Future[T any] struct {
	f     *Fiber
	token *Token
	jp    joinPoint
	done  atomic.Bool

	awaited atomic.Bool
	value   T
	err     error
}

// Spawn starts fn on a new fiber and returns a [Future] for its value. The
// fiber's token is a child of fc's token, so cancelling fc cancels it while
// [Future.Cancel] leaves fc alone.
//
// Spawn must be called from fc itself.
//
//	fut, err := stackful.Spawn(fc, func(fc *stackful.Fiber) (int, error) {
//	    return expensiveCalc(fc)
//	})
//	v, err := fut.Await(fc)
func Spawn[T any](fc *Fiber, fn func(fc *Fiber) (T, error), opts ...SpawnOption) (*Future[T], error) {
	if fc == nil {
		panic("stackful: Spawn requires a fiber")
	}
	if fn == nil {
		panic("stackful: Spawn requires a non-nil function")
	}
	cfg := buildSpawnConfig("", opts)

	fut := &Future[T]{token: fc.token.Child()}
	fut.jp.init()
	fut.jp.add()

	f, err := fc.pool.spawn(spawnSpec{
		name:   cfg.name,
		hint:   cfg.hint,
		token:  fut.token,
		parent: fc,
		entry: func(fc *Fiber) error {
			v, err := fn(fc)
			fut.value = v
			return err
		},
		done: func(f *Fiber, w *worker) {
			fut.err = f.err
			fut.done.Store(true)
			fut.jp.arrive(w)
		},
	})
	if err != nil {
		return nil, err
	}
	fut.f = f
	return fut, nil
}

// Await suspends fc until the future's fiber completes and returns its value
// and error. A panic in the fiber is returned as a [*PanicError]. Awaiting a
// future twice is a misuse and panics; use [SpawnShared] for a result with
// several consumers.
func (fut *Future[T]) Await(fc *Fiber) (T, error) {
	if !fut.awaited.CompareAndSwap(false, true) {
		panic(misuse("Future.Await", "future already awaited"))
	}
	fut.jp.wait(fc)
	return fut.value, fut.err
}

// Cancel requests cancellation of the future's fiber.
func (fut *Future[T]) Cancel() {
	if fut.token.Cancel() {
		fut.f.pool.cancelRequested(fut.f, fut.f.name)
	}
}

// Done reports whether the future's fiber has completed.
func (fut *Future[T]) Done() bool {
	return fut.done.Load()
}

// Fiber returns the fiber computing the future.
func (fut *Future[T]) Fiber() *Fiber {
	return fut.f
}

// SharedFuture is the outcome of a fiber that any number of fibers may
// await, each receiving the same value and error. Create one via
// [SpawnShared].
type SharedFuture[T any] struct {
	f     *Fiber
	token *Token
	ch    chan struct{}

	mu      sync.Mutex
	settled bool
	waiters []*waiter

	value T
	err   error
}

// SpawnShared is [Spawn] for a result that several awaiters consume.
//
// SpawnShared must be called from fc itself.
func SpawnShared[T any](fc *Fiber, fn func(fc *Fiber) (T, error), opts ...SpawnOption) (*SharedFuture[T], error) {
	if fc == nil {
		panic("stackful: SpawnShared requires a fiber")
	}
	if fn == nil {
		panic("stackful: SpawnShared requires a non-nil function")
	}
	cfg := buildSpawnConfig("", opts)

	sf := &SharedFuture[T]{
		token: fc.token.Child(),
		ch:    make(chan struct{}),
	}
	f, err := fc.pool.spawn(spawnSpec{
		name:   cfg.name,
		hint:   cfg.hint,
		token:  sf.token,
		parent: fc,
		entry: func(fc *Fiber) error {
			v, err := fn(fc)
			sf.value = v
			return err
		},
		done: func(f *Fiber, w *worker) {
			sf.settle(f.err, w)
		},
	})
	if err != nil {
		return nil, err
	}
	sf.f = f
	return sf, nil
}

func (sf *SharedFuture[T]) settle(err error, from *worker) {
	sf.mu.Lock()
	sf.err = err
	sf.settled = true
	waiters := sf.waiters
	sf.waiters = nil
	sf.mu.Unlock()

	close(sf.ch)
	for _, w := range waiters {
		w.wake(from)
	}
}

// Await suspends fc until the future's fiber completes and returns its value
// and error. It may be called any number of times, from any fiber other than
// the one computing the value.
func (sf *SharedFuture[T]) Await(fc *Fiber) (T, error) {
	sf.mu.Lock()
	if sf.settled {
		sf.mu.Unlock()
		return sf.value, sf.err
	}
	w := newWaiter(fc)
	sf.waiters = append(sf.waiters, w)
	sf.mu.Unlock()

	w.sleep()
	return sf.value, sf.err
}

// Wait blocks the calling goroutine until the future's fiber completes. It
// is for code outside the pool; fibers use Await.
func (sf *SharedFuture[T]) Wait() (T, error) {
	<-sf.ch
	return sf.value, sf.err
}

// Cancel requests cancellation of the future's fiber.
func (sf *SharedFuture[T]) Cancel() {
	if sf.token.Cancel() {
		sf.f.pool.cancelRequested(sf.f, sf.f.name)
	}
}

// Done returns a channel that is closed once the future's fiber completes.
func (sf *SharedFuture[T]) Done() <-chan struct{} {
	return sf.ch
}

// Fiber returns the fiber computing the future.
func (sf *SharedFuture[T]) Fiber() *Fiber {
	return sf.f
}
