package stackful

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/baxromumarov/stackful/stack"
	"github.com/baxromumarov/stackful/trace"
)

// injectorTick makes a busy worker look at the global queue every so often,
// so yielded and externally spawned fibers are not starved by local work.
const injectorTick = 61

type worker struct {
	id    int
	pool  *Pool
	ctx   *stack.Context
	deque *deque
	inbox fifo
	wake  chan struct{}
	idle  atomic.Bool
	dead  atomic.Bool
	tick  uint32

	// Only maintained with a stall detector installed.
	running atomic.Pointer[Fiber]
	since   atomic.Int64
	flagged atomic.Bool
}

func newWorker(p *Pool, id int) *worker {
	return &worker{
		id:    id,
		pool:  p,
		ctx:   stack.NewContext(),
		deque: newDeque(),
		wake:  make(chan struct{}, 1),
	}
}

func (w *worker) alive() bool { return !w.dead.Load() }

// signal wakes w if it is parked, or makes its next park return at once.
func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) loop() {
	p := w.pool
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.fail(r)
		}
	}()

	p.emit(trace.Event{Kind: trace.KindWorkerStarted, Worker: w.id})
	p.log.Debug().Int("worker", w.id).Msg("worker started")

	for {
		f := w.next()
		if f == nil {
			break
		}
		w.resume(f)
	}

	p.emit(trace.Event{Kind: trace.KindWorkerStopped, Worker: w.id})
	p.log.Debug().Int("worker", w.id).Msg("worker stopped")
}

// next returns the next fiber to run, parking the worker while there is
// none. It returns nil once the pool has drained.
func (w *worker) next() *Fiber {
	p := w.pool
	for {
		if f := w.find(); f != nil {
			return f
		}

		w.idle.Store(true)
		// Re-scan after publishing idle: a producer that pushed before
		// seeing the flag is caught here, one that pushed after will wake us.
		if f := w.find(); f != nil {
			w.idle.Store(false)
			return f
		}

		select {
		case <-w.wake:
			w.idle.Store(false)
		case <-p.drained:
			w.idle.Store(false)
			return nil
		}
	}
}

func (w *worker) find() *Fiber {
	p := w.pool

	w.tick++
	if w.tick%injectorTick == 0 {
		if f := p.injector.pop(); f != nil {
			return f
		}
	}

	if f := w.inbox.pop(); f != nil {
		return f
	}
	if f := w.local(); f != nil {
		return f
	}
	if f := p.injector.pop(); f != nil {
		if p.injector.len() > 0 {
			p.wakeIdle()
		}
		return f
	}
	return w.steal()
}

func (w *worker) local() *Fiber {
	if w.pool.cfg.discipline == FIFOLocal {
		return w.deque.steal()
	}
	return w.deque.pop()
}

func (w *worker) steal() *Fiber {
	p := w.pool
	n := len(p.workers)
	if n < 2 {
		return nil
	}
	start := rand.IntN(n)
	for i := range n {
		victim := p.workers[(start+i)%n]
		if victim == w {
			continue
		}
		if f := victim.deque.steal(); f != nil {
			p.steals.Add(1)
			if victim.deque.len() > 0 {
				p.wakeIdle()
			}
			return f
		}
	}
	return nil
}

// restartClock starts a new stall measurement for whatever w runs.
func (w *worker) restartClock() {
	if w.pool.cfg.onStall == nil {
		return
	}
	w.flagged.Store(false)
	w.since.Store(time.Now().UnixNano())
}

// resume switches into f and handles whatever it hands back.
func (w *worker) resume(f *Fiber) {
	p := w.pool

	f.worker = w
	f.started.Store(true)
	f.transition(Ready, Running)
	p.emitFiber(trace.KindResumed, f, w)

	stalls := p.cfg.onStall != nil
	if stalls {
		w.restartClock()
		w.running.Store(f)
	}
	t := w.ctx.Switch(f.ctx, nil)
	if stalls {
		w.running.Store(nil)
	}
	req := t.Data.(parkRequest)

	switch {
	case req.done:
		w.complete(f, req.fatal)

	case req.yield:
		f.transition(Running, Ready)
		p.emitFiber(trace.KindSuspended, f, w)
		p.schedule(f, nil)

	default:
		f.transition(Running, Suspended)
		p.suspended.Add(1)
		p.emitFiber(trace.KindSuspended, f, w)
		if !req.commit() {
			// Woken before it got to park.
			p.suspended.Add(-1)
			f.transition(Suspended, Ready)
			p.schedule(f, w)
			return
		}
		p.release()
	}
}

func (w *worker) complete(f *Fiber, fatal any) {
	if r := w.retire(f, false); fatal == nil {
		fatal = r
	}
	if fatal != nil {
		panic(fatal)
	}
}

// retire moves a finished fiber to Completed and runs its done hook. A panic
// raised by the hook is returned rather than propagated. Fibers run inline
// gave up their active count when they started.
func (w *worker) retire(f *Fiber, inline bool) (fatal any) {
	p := w.pool

	if f.stk != nil {
		p.alloc.Deallocate(f.stk)
		f.stk, f.ctx = nil, nil
	}
	f.transition(Running, Completed)
	p.fibers.Delete(f.id)

	p.completed.Add(1)
	switch f.outcome {
	case OutcomeFailed:
		p.failedFibers.Add(1)
	case OutcomeCancelled:
		p.cancelled.Add(1)
	}
	p.emitFiber(trace.KindCompleted, f, w)

	// done may ready a waiter; count it before this fiber stops counting.
	// It can also run cancellation callbacks.
	defer func() {
		if !inline {
			p.release()
		}
		fatal = recover()
	}()
	if f.done != nil {
		f.done(f, w)
	}
	return nil
}

// take removes the fiber local would hand out next, if accept wants it.
// Owner only.
func (w *worker) take(accept func(*Fiber) bool) *Fiber {
	if w.pool.cfg.discipline == FIFOLocal {
		return w.deque.stealIf(accept)
	}
	return w.deque.popIf(accept)
}

// inline runs f, which has never been resumed, on host's stack. Anything
// f suspends on suspends host along with it.
func (w *worker) inline(f *Fiber, host *Fiber) {
	p := w.pool

	stack.Discard(f.ctx)
	p.alloc.Deallocate(f.stk)
	f.stk, f.ctx = nil, nil
	f.host = host
	f.started.Store(true)
	f.transition(Ready, Running)
	p.inlined.Add(1)
	p.emitFiber(trace.KindResumed, f, w)
	// host stays Running throughout, so this never drains the pool.
	p.release()

	host.guest.Store(f)
	w.restartClock()
	fatal := f.run()
	host.guest.Store(nil)
	f.exec().worker.restartClock()
	if r := f.exec().worker.retire(f, true); fatal == nil {
		fatal = r
	}
	if fatal != nil {
		panic(hostFatal{value: fatal})
	}
}

// fail tears down a worker whose loop panicked.
func (w *worker) fail(r any) {
	p := w.pool
	w.dead.Store(true)
	w.idle.Store(false)
	live := p.liveWorkers.Add(-1)
	p.failedWorkers.Add(1)

	werr := &WorkerError{Worker: w.id, Value: r, Stack: capturedStack()}
	p.errMu.Lock()
	p.workerErrs = append(p.workerErrs, werr)
	p.errMu.Unlock()

	p.log.Error().
		Int("worker", w.id).
		Int64("live_workers", live).
		Interface("panic", r).
		Msg("worker failed")
	p.emit(trace.Event{Kind: trace.KindWorkerFailed, Worker: w.id, Err: werr.Error()})

	w.rehome()
}

// rehome moves pinned fibers of a dead worker to the global queue.
func (w *worker) rehome() {
	p := w.pool
	for _, f := range w.inbox.drain() {
		p.injector.push(f)
	}
	// Peers may be parked while the dead worker's deque still holds work.
	p.wakeIdle()
}
