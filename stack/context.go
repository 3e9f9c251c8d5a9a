// Package stack provides the raw execution-context primitive used by the
// stackful runtime: stacks that host exactly one entry at a time, contexts
// that can be parked and resumed by an explicit switch, and allocators that
// hand stacks out either from a pool or on demand.
//
// Every Stack is backed by its own goroutine, so a parked Context keeps its
// full call stack alive until something switches back to it. Control is
// handed from one context to another with Switch; at any instant exactly one
// side of a switch is running.
package stack

import (
	"reflect"
	"runtime"
	"sync/atomic"
)

// Transfer is what a context receives when it is resumed.
type Transfer struct {
	// From is the context that performed the switch, or nil when the
	// switching side exited.
	From *Context

	// Data is the value passed along with the switch.
	Data any
}

// Context is a parked point of execution.
type Context struct {
	ch chan Transfer
}

// NewContext returns a context that is not bound to any stack. A goroutine
// adopts it as its own resume point by calling Wait or Switch on it.
func NewContext() *Context {
	return &Context{ch: make(chan Transfer, 1)}
}

// Switch parks c and resumes to, handing it data. It returns once some other
// context switches back to c.
func (c *Context) Switch(to *Context, data any) Transfer {
	to.ch <- Transfer{From: c, Data: data}
	return <-c.ch
}

// Wait parks the caller on c until something switches to it.
func (c *Context) Wait() Transfer {
	return <-c.ch
}

// Exit resumes to and abandons the calling context. Nothing may switch to
// the caller's context afterwards.
func Exit(to *Context, data any) {
	to.ch <- Transfer{Data: data}
}

// Entry is the body of a context created on a stack. It receives the
// transfer that first resumed it and returns the context to resume once it
// finishes, together with the data handed over on that final switch.
type Entry func(first Transfer) (next *Context, data any)

type job struct {
	ctx   *Context
	entry Entry
}

// Stack hosts one bound entry at a time.
type Stack struct {
	id    uint64
	size  int64
	jobs  chan job
	bound atomic.Bool
	uses  atomic.Int64
}

func newStack(id uint64, size int64) *Stack {
	s := &Stack{
		id:   id,
		size: size,
		jobs: make(chan job, 1),
	}
	go s.loop()
	return s
}

// ID returns the allocator-assigned identity of the stack.
func (s *Stack) ID() uint64 { return s.id }

// Size returns the number of bytes charged for the stack.
func (s *Stack) Size() int64 { return s.size }

// Uses returns how many entries have been bound to the stack.
func (s *Stack) Uses() int64 { return s.uses.Load() }

func (s *Stack) loop() {
	for j := range s.jobs {
		next, data := runJob(j)
		// Unbind before the final switch: the receiving side may hand the
		// stack back to its allocator as soon as it is resumed.
		s.bound.Store(false)
		Exit(next, data)
	}
}

// runJob is the bottom frame of every entry. OnStack looks for it.
//
//go:noinline
func runJob(j job) (*Context, any) {
	first := j.ctx.Wait()
	if _, ok := first.Data.(discard); ok {
		return first.From, nil
	}
	return j.entry(first)
}

var runJobName = runtime.FuncForPC(reflect.ValueOf(runJob).Pointer()).Name()

// OnStack reports whether the caller is running inside an entry bound by
// Create, at any depth.
func OnStack() bool {
	pcs := make([]uintptr, 64)
	skip := 2
	for {
		n := runtime.Callers(skip, pcs)
		frames := runtime.CallersFrames(pcs[:n])
		for {
			fr, more := frames.Next()
			if fr.Function == runJobName {
				return true
			}
			if !more {
				break
			}
		}
		if n < len(pcs) {
			return false
		}
		skip += n
	}
}

func (s *Stack) release() {
	close(s.jobs)
}

// Create binds entry to s and returns the suspended context that runs it.
// The entry does not start until something switches to the returned context.
// Create panics if s already hosts an entry that has not finished.
func Create(s *Stack, entry Entry) *Context {
	if !s.bound.CompareAndSwap(false, true) {
		panic("stack: Create on a stack that is already bound")
	}
	s.uses.Add(1)
	c := NewContext()
	s.jobs <- job{ctx: c, entry: entry}
	return c
}

type discard struct{}

// Discard unbinds a context returned by Create that was never switched to.
// Its entry does not run. Once Discard returns the stack can be handed back
// to its allocator.
func Discard(c *Context) {
	NewContext().Switch(c, discard{})
}
