// Package stackful provides structured concurrency on stackful fibers.
//
// A fiber is a function running on its own stack. Fibers share a fixed set
// of workers owned by a [Pool]; a fiber that waits for its children, sleeps
// or waits on a semaphore suspends and hands its worker to another ready
// fiber instead of blocking it. Fork-join operations give every spawned
// fiber a well-defined parent that waits for it, so no fiber outlives the
// operation that created it.
//
// # Pools
//
// [NewPool] starts the workers. Each worker owns a work-stealing deque:
// fibers spawned by a fiber go to its worker's deque and idle workers steal
// the oldest ones. Fibers spawned from outside the pool go through a shared
// queue.
//
//	p := stackful.NewPool(stackful.WithWorkers(4))
//	defer p.Close()
//
//	sum, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
//	    vals, err := stackful.JoinValues(fc,
//	        func(*stackful.Fiber) (int, error) { return 1, nil },
//	        func(*stackful.Fiber) (int, error) { return 2, nil },
//	    )
//	    return vals[0] + vals[1], err
//	})
//
// [Pool.Close] stops accepting new fibers, lets the ready work drain and
// reports fibers that were still suspended as a [*LeakError].
//
// # Fork-Join
//
// [Group] is the fork-join primitive. [Group.Go] spawns children and
// [Group.Wait] suspends the owning fiber until every child completed:
//
//   - [FailFast] (default): the first child to fail cancels the group's
//     token. The siblings are still waited for and the first failure is
//     returned.
//   - [Collect]: all failures are joined via [errors.Join].
//
// While waiting, the owner runs children that no worker has started yet on
// its own stack.
//
// Failures are wrapped in [*ChildError] for attribution. Use [IsChildError],
// [ChildOf], [CauseOf] and [AllChildErrors] to inspect them. A panic in a
// fiber is recovered and reported as a [*PanicError].
//
// [Join], [JoinValues], [Bulk], [ForEach] and [Map] cover the common
// shapes. [Spawn] starts a single child whose value is collected with
// [Future.Await]; [SpawnShared] is the same for a value with several
// consumers. [Race] returns the first success, [Timeout] races work
// against a timer and [Retry] repeats a call with a parked backoff.
//
// # Cancellation
//
// Every fiber has a [Token]. Cancelling a token cancels all tokens derived
// from it. Cancellation is cooperative: a fiber sees it through
// [Fiber.Checkpoint] or [Fiber.Cancelled], or as [ErrCancelled] from
// [Sleep], [Suspend] and [Semaphore.Acquire], and returns early. A fiber
// that returns an error matching ErrCancelled completes with the cancelled
// outcome rather than as a failure.
//
// # Misuse
//
// Calling [Group.Wait] or [Future.Await] twice, [Group.Go] after Wait, or
// suspending two fibers on one [Signal] violates the calling contract. The
// offending fiber completes with a [*MisuseError] and the worker hosting it
// is torn down; [Pool.Close] reports it as a [*WorkerError]. [SyncWait]
// called from inside a fiber returns a MisuseError without blocking.
//
// # Observability
//
// [WithSink] receives a [trace.Event] for every lifecycle transition.
// [WithLogger] takes a zerolog logger and [WithMetrics] delivers periodic
// [PoolStats] snapshots. [WithStallDetector] reports fibers that hold a
// worker too long without reaching a yield point.
package stackful
