package stackful

import (
	"errors"
	"fmt"
	"strings"

	"github.com/baxromumarov/stackful/stack"
)

var (
	// ErrPoolClosed is returned when spawning on a pool that has begun
	// shutting down.
	ErrPoolClosed = errors.New("stackful: pool is closed")

	// ErrCancelled is the outcome of a fiber that observed cancellation and
	// stopped early. Fibers report it by returning an error that matches it,
	// typically the one returned by [Fiber.Checkpoint].
	ErrCancelled = errors.New("stackful: cancelled")

	// ErrTimeout is returned by [Timeout] when the timer wins the race.
	ErrTimeout = errors.New("stackful: timed out")

	// ErrNoWorkers is returned when spawning on a pool whose workers have all
	// failed.
	ErrNoWorkers = errors.New("stackful: no live workers")

	// ErrStackExhausted is returned when the stack budget has no room for
	// another fiber.
	ErrStackExhausted = stack.ErrExhausted

	// ErrWorkerFailed matches every [*WorkerError].
	ErrWorkerFailed = errors.New("stackful: worker failed")
)

// MisuseError reports a violation of the runtime's calling contract, such as
// joining a released join point or resuming a completed fiber. It is raised
// with panic and is fatal to the worker that hosts the offending fiber.
// [SyncWait] returns it instead, since it can refuse before blocking.
type MisuseError struct {
	Op     string
	Detail string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("stackful: misuse in %s: %s", e.Op, e.Detail)
}

func misuse(op, format string, args ...any) *MisuseError {
	return &MisuseError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// WorkerError reports a worker whose scheduling loop was torn down by a panic.
type WorkerError struct {
	Worker int
	Value  any
	Stack  string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("stackful: worker %d failed: %v", e.Worker, e.Value)
}

// Is reports ErrWorkerFailed as a match.
func (e *WorkerError) Is(target error) bool { return target == ErrWorkerFailed }

// Unwrap exposes the panic value when it is an error.
func (e *WorkerError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FiberInfo identifies a fiber in errors and leak reports.
type FiberInfo struct {
	ID    uint64
	Name  string
	State State
}

// LeakError is returned by [Pool.Close] when fibers were still suspended once
// the pool ran out of ready work. Nothing was left to resume them.
type LeakError struct {
	Fibers []FiberInfo
}

func (e *LeakError) Error() string {
	names := make([]string, 0, len(e.Fibers))
	for i, f := range e.Fibers {
		if i == 8 {
			names = append(names, "...")
			break
		}
		names = append(names, fmt.Sprintf("%d(%s)", f.ID, f.Name))
	}
	return fmt.Sprintf("stackful: %d fiber(s) leaked at shutdown: %s", len(e.Fibers), strings.Join(names, ", "))
}
