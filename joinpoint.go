package stackful

import "sync/atomic"

// joinPoint releases one waiter once every participant has arrived. The
// waiter's own arrival is counted, so the count starts at one and each child
// adds one before it is spawned. Exactly one arrival observes zero and
// releases the waiter.
type joinPoint struct {
	outstanding atomic.Int64
	released    atomic.Bool

	// Exactly one of w and ch is used, depending on whether the waiter is a
	// fiber or a plain goroutine.
	w  *waiter
	ch chan struct{}
}

func (j *joinPoint) init() {
	j.outstanding.Store(1)
}

func (j *joinPoint) add() {
	j.outstanding.Add(1)
}

// arrive records one completion. from is the worker executing the caller.
func (j *joinPoint) arrive(from *worker) {
	n := j.outstanding.Add(-1)
	switch {
	case n == 0:
		j.release(from)
	case n < 0:
		panic(misuse("join", "join point count went negative"))
	}
}

func (j *joinPoint) release(from *worker) {
	if !j.released.CompareAndSwap(false, true) {
		panic(misuse("join", "join point released twice"))
	}
	switch {
	case j.w != nil:
		j.w.wake(from)
	case j.ch != nil:
		close(j.ch)
	}
}

// wait arrives on behalf of fc and suspends it until every other participant
// has arrived.
func (j *joinPoint) wait(fc *Fiber) {
	if j.released.Load() {
		panic(misuse("join", "wait on a released join point"))
	}
	if j.outstanding.CompareAndSwap(1, 0) {
		if !j.released.CompareAndSwap(false, true) {
			panic(misuse("join", "join point released twice"))
		}
		return
	}
	j.w = newWaiter(fc)
	j.arrive(fc.exec().worker)
	j.w.sleep()
}

// waitExternal is wait for a goroutine outside the pool. The channel must
// have been set up before any participant could arrive.
func (j *joinPoint) waitExternal() {
	j.arrive(nil)
	<-j.ch
}
