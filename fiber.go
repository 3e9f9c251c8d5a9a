package stackful

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/baxromumarov/stackful/stack"
)

// State is the lifecycle state of a [Fiber].
type State int32

const (
	Created State = iota
	Ready
	Running
	Suspended
	Completed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome is how a completed fiber finished.
type Outcome uint8

const (
	// OutcomePending is reported before the fiber completes.
	OutcomePending Outcome = iota
	OutcomeValue
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeValue:
		return "value"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeValue
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// Fiber is an execution context: a function running on its own stack that
// can be suspended and resumed on any worker of its pool.
//
// A *Fiber is handed to the function it runs. Its methods other than ID,
// Name, Pool, Token and State may only be called by that function.
type Fiber struct {
	id     uint64
	name   string
	parent uint64
	pool   *Pool
	hint   Hint
	home   *worker
	token  *Token
	entry  func(*Fiber) error
	done   func(f *Fiber, w *worker)

	state atomic.Int32

	stk *stack.Stack
	ctx *stack.Context

	// worker is set by the worker that resumes the fiber, before the switch.
	worker *worker

	// join is the group join point the fiber arrives at, if any. started
	// is set the first time the fiber runs. A waiting parent that runs a
	// child on its own stack becomes the child's host and the child its
	// guest.
	join    *joinPoint
	started atomic.Bool
	host    *Fiber
	guest   atomic.Pointer[Fiber]

	err     error
	outcome Outcome
}

// park request handed from a fiber to its worker on every switch out.
type parkRequest struct {
	// commit runs on the worker once the fiber is off its stack. Returning
	// false puts the fiber straight back in the ready queue.
	commit func() bool
	yield  bool
	done   bool
	fatal  any
}

// ID returns the pool-unique identity of the fiber.
func (f *Fiber) ID() uint64 { return f.id }

// Name returns the name given at spawn, or a generated one.
func (f *Fiber) Name() string { return f.name }

// Pool returns the pool the fiber runs on.
func (f *Fiber) Pool() *Pool { return f.pool }

// Token returns the fiber's cancellation token.
func (f *Fiber) Token() *Token { return f.token }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Cancelled reports whether the fiber's token has been cancelled.
func (f *Fiber) Cancelled() bool { return f.token.Cancelled() }

// Checkpoint returns ErrCancelled once the fiber's token is cancelled. Long
// running fibers call it between units of work and return its error.
func (f *Fiber) Checkpoint() error { return f.token.Err() }

// Worker returns the index of the worker currently running the fiber.
func (f *Fiber) Worker() int { return f.exec().worker.id }

// Yield hands the worker back and puts the fiber at the end of the global
// ready queue.
func (f *Fiber) Yield() {
	e := f.exec()
	e.ctx.Switch(e.worker.ctx, parkRequest{yield: true})
}

// park suspends the fiber. commit decides, on the worker, whether the fiber
// really stays suspended; whoever later readies it must observe what commit
// published.
func (f *Fiber) park(commit func() bool) {
	e := f.exec()
	e.ctx.Switch(e.worker.ctx, parkRequest{commit: commit})
}

// exec returns the fiber that owns the stack f runs on. That is f itself
// unless f was run inline by a waiting parent, in which case suspending f
// suspends the parent.
func (f *Fiber) exec() *Fiber {
	for f.host != nil {
		f = f.host
	}
	return f
}

func (f *Fiber) transition(from, to State) {
	if !f.state.CompareAndSwap(int32(from), int32(to)) {
		panic(misuse("fiber", "fiber %d: illegal transition %s -> %s (state %s)",
			f.id, from, to, f.State()))
	}
}

func (f *Fiber) info() FiberInfo {
	return FiberInfo{ID: f.id, Name: f.name, State: f.State()}
}

// main is the stack entry of every fiber.
func (f *Fiber) main(stack.Transfer) (*stack.Context, any) {
	fatal := f.run()
	return f.worker.ctx, parkRequest{done: true, fatal: fatal}
}

func (f *Fiber) run() (fatal any) {
	if f.token.Cancelled() {
		f.finish(ErrCancelled)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *MisuseError:
				f.finish(v)
				fatal = v
				return
			case hostFatal:
				if m, ok := v.value.(*MisuseError); ok {
					f.finish(m)
				} else {
					f.finish(newPanicError(v.value))
				}
				fatal = v.value
				return
			}
			f.finish(newPanicError(r))
		}
	}()

	f.finish(f.entry(f))
	return nil
}

// hostFatal carries a panic out of a fiber run inline so that it takes down
// the worker instead of failing the fiber that hosted it.
type hostFatal struct{ value any }

func (f *Fiber) finish(err error) {
	f.err = err
	f.outcome = outcomeOf(err)
}

// waiter parks one fiber until wake is called. wake may win the race with
// the park itself, in which case the fiber never leaves its worker.
type waiter struct {
	f     *Fiber
	state atomic.Int32
}

const (
	waiterIdle int32 = iota
	waiterParked
	waiterWoken
)

func newWaiter(f *Fiber) *waiter {
	return &waiter{f: f.exec()}
}

func (w *waiter) sleep() {
	w.f.park(func() bool {
		return w.state.CompareAndSwap(waiterIdle, waiterParked)
	})
}

// wake readies the fiber once. It reports whether this call was the one that
// woke it.
func (w *waiter) wake(from *worker) bool {
	for {
		switch w.state.Load() {
		case waiterIdle:
			if w.state.CompareAndSwap(waiterIdle, waiterWoken) {
				return true
			}
		case waiterParked:
			if w.state.CompareAndSwap(waiterParked, waiterWoken) {
				w.f.pool.ready(w.f, from)
				return true
			}
		default:
			return false
		}
	}
}
