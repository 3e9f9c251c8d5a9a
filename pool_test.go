package stackful_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/stackful"
	"github.com/baxromumarov/stackful/stack"
	"github.com/baxromumarov/stackful/trace"
)

// newPool returns a pool that is closed when the test ends. Tests that care
// about the result of Close call it themselves; Close is idempotent.
func newPool(t *testing.T, opts ...stackful.Option) *stackful.Pool {
	t.Helper()
	p := stackful.NewPool(append([]stackful.Option{stackful.WithWorkers(4)}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// run executes fn on a fiber of p and waits for it.
func run(p *stackful.Pool, fn func(fc *stackful.Fiber) error, opts ...stackful.SpawnOption) error {
	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (struct{}, error) {
		return struct{}{}, fn(fc)
	}, opts...)
	return err
}

func TestSyncWaitReturnsValue(t *testing.T) {
	p := newPool(t)
	v, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSyncWaitReturnsError(t *testing.T) {
	p := newPool(t)
	boom := errors.New("boom")
	v, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		return 7, boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 7, v)
}

func TestSyncWaitPanicBecomesPanicError(t *testing.T) {
	p := newPool(t)
	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		panic("kaboom")
	})
	var pe *stackful.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	require.NoError(t, p.Close(), "a recovered panic is not fatal to the pool")
}

func TestSyncWaitPreCancelledTokenSkipsEntry(t *testing.T) {
	p := newPool(t)
	tok := stackful.NewToken()
	tok.Cancel()

	var ran atomic.Bool
	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		ran.Store(true)
		return 1, nil
	}, stackful.WithToken(tok))

	assert.ErrorIs(t, err, stackful.ErrCancelled)
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), p.Stats().Cancelled)
}

func TestSyncWaitFromFiberIsRefused(t *testing.T) {
	p := newPool(t, stackful.WithWorkers(1))
	var ran atomic.Bool
	err := run(p, func(fc *stackful.Fiber) error {
		_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
			ran.Store(true)
			return 1, nil
		})
		var me *stackful.MisuseError
		if assert.ErrorAs(t, err, &me) {
			assert.Equal(t, "SyncWait", me.Op)
		}

		// The same fiber can still fork and join the proper way.
		fut, err := stackful.Spawn(fc, func(*stackful.Fiber) (int, error) { return 2, nil })
		if err != nil {
			return err
		}
		v, err := fut.Await(fc)
		assert.Equal(t, 2, v)
		return err
	})
	require.NoError(t, err)
	assert.False(t, ran.Load())
	require.NoError(t, p.Close())
}

func TestFiberIdentity(t *testing.T) {
	p := newPool(t, stackful.WithWorkers(2))
	err := run(p, func(fc *stackful.Fiber) error {
		assert.Equal(t, "root", fc.Name())
		assert.NotZero(t, fc.ID())
		assert.Same(t, p, fc.Pool())
		assert.Equal(t, stackful.Running, fc.State())
		assert.GreaterOrEqual(t, fc.Worker(), 0)
		assert.Less(t, fc.Worker(), 2)
		assert.NoError(t, fc.Checkpoint())
		return nil
	}, stackful.WithName("root"))
	require.NoError(t, err)
}

func TestYieldLetsOtherFibersRun(t *testing.T) {
	p := newPool(t, stackful.WithWorkers(1))
	var trail []string
	err := run(p, func(fc *stackful.Fiber) error {
		g := stackful.NewGroup(fc)
		for _, name := range []string{"a", "b"} {
			assert.NoError(t, g.Go(name, func(fc *stackful.Fiber) error {
				for i := range 3 {
					trail = append(trail, name)
					if i < 2 {
						fc.Yield()
					}
				}
				return nil
			}))
		}
		return g.Wait()
	})
	require.NoError(t, err)
	require.Len(t, trail, 6)
	// One worker and yields through the global queue interleave the two.
	assert.NotEqual(t, []string{"a", "a", "a", "b", "b", "b"}, trail)
	assert.NotEqual(t, []string{"b", "b", "b", "a", "a", "a"}, trail)
}

func TestPoolSubmitAndClose(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(3))

	var count atomic.Int32
	for range 50 {
		require.NoError(t, p.Submit(func(fc *stackful.Fiber) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, p.Close())
	assert.Equal(t, int32(50), count.Load())

	st := p.Stats()
	assert.Equal(t, int64(50), st.Spawned)
	assert.Equal(t, int64(50), st.Completed)
	assert.Zero(t, st.Live)
	assert.Zero(t, st.Active)
	assert.Zero(t, st.Stacks.Live)
}

func TestPoolCloseCollectsSubmitFailures(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(2))
	boom := errors.New("boom")

	require.NoError(t, p.Submit(func(fc *stackful.Fiber) error { return boom }, stackful.WithName("bad")))
	require.NoError(t, p.Submit(func(fc *stackful.Fiber) error { return nil }))
	require.NoError(t, p.Submit(func(fc *stackful.Fiber) error { panic("oops") }))

	err := p.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var pe *stackful.PanicError
	assert.ErrorAs(t, err, &pe)

	failures := stackful.AllChildErrors(err)
	require.Len(t, failures, 2)
	names := []string{failures[0].Child.Name, failures[1].Child.Name}
	assert.Contains(t, names, "bad")
}

func TestPoolRejectsSpawnAfterClose(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(1))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "Close is idempotent")

	err := p.Submit(func(fc *stackful.Fiber) error { return nil })
	assert.ErrorIs(t, err, stackful.ErrPoolClosed)

	_, err = stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, stackful.ErrPoolClosed)
}

func TestPoolCloseReportsLeakedFibers(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(2))
	sig := stackful.NewSignal()

	require.NoError(t, p.Submit(func(fc *stackful.Fiber) error {
		return stackful.Suspend(fc, sig)
	}, stackful.WithName("forgotten")))

	require.Eventually(t, func() bool {
		return p.Stats().Suspended == 1
	}, time.Second, time.Millisecond)

	err := p.Close()
	var leak *stackful.LeakError
	require.ErrorAs(t, err, &leak)
	require.Len(t, leak.Fibers, 1)
	assert.Equal(t, "forgotten", leak.Fibers[0].Name)
	assert.Equal(t, stackful.Suspended, leak.Fibers[0].State)
	assert.Contains(t, err.Error(), "forgotten")
}

func TestPoolCloseWaitsForSleepers(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(2))
	var woke atomic.Bool
	require.NoError(t, p.Submit(func(fc *stackful.Fiber) error {
		if err := stackful.Sleep(fc, 20*time.Millisecond); err != nil {
			return err
		}
		woke.Store(true)
		return nil
	}))

	require.NoError(t, p.Close())
	assert.True(t, woke.Load(), "a pending sleep keeps the pool running")
}

func TestMisuseTearsDownWorker(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(2))

	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		g := stackful.NewGroup(fc)
		_ = g.Wait()
		_ = g.Wait()
		return 0, nil
	})
	var me *stackful.MisuseError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "Group.Wait", me.Op)

	// The surviving worker keeps serving.
	v, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) { return 5, nil })
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	err = p.Close()
	assert.ErrorIs(t, err, stackful.ErrWorkerFailed)
	var we *stackful.WorkerError
	require.ErrorAs(t, err, &we)
	assert.ErrorAs(t, we, &me)

	st := p.Stats()
	assert.Equal(t, int64(1), st.FailedWorkers)
	assert.Equal(t, int64(1), st.LiveWorkers)
}

func TestNoWorkersLeft(t *testing.T) {
	p := stackful.NewPool(stackful.WithWorkers(1))
	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		fut, err := stackful.Spawn(fc, func(fc *stackful.Fiber) (int, error) { return 1, nil })
		if err != nil {
			return 0, err
		}
		_, _ = fut.Await(fc)
		_, _ = fut.Await(fc)
		return 0, nil
	})
	var me *stackful.MisuseError
	require.ErrorAs(t, err, &me)

	require.Eventually(t, func() bool {
		return p.Stats().LiveWorkers == 0
	}, time.Second, time.Millisecond)

	err = p.Submit(func(fc *stackful.Fiber) error { return nil })
	assert.ErrorIs(t, err, stackful.ErrNoWorkers)
	assert.ErrorIs(t, p.Close(), stackful.ErrWorkerFailed)
}

func TestStackBudgetExhaustion(t *testing.T) {
	p := newPool(t,
		stackful.WithWorkers(1),
		stackful.WithStackSize(1024),
		stackful.WithMaxStackBytes(2048),
	)

	err := run(p, func(fc *stackful.Fiber) error {
		g := stackful.NewGroup(fc)
		// The root fiber holds one stack, so only one child fits.
		first := g.Go("first", func(fc *stackful.Fiber) error { return nil })
		second := g.Go("second", func(fc *stackful.Fiber) error { return nil })
		assert.NoError(t, first)
		assert.ErrorIs(t, second, stackful.ErrStackExhausted)
		return g.Wait()
	})
	require.NoError(t, err)

	// Returned stacks make room again.
	err = run(p, func(fc *stackful.Fiber) error {
		return stackful.Join(fc, func(fc *stackful.Fiber) error { return nil })
	})
	require.NoError(t, err)
}

func TestOnDemandAllocator(t *testing.T) {
	p := stackful.NewPool(
		stackful.WithWorkers(2),
		stackful.WithStackAllocator(stack.KindOnDemand),
	)
	err := run(p, func(fc *stackful.Fiber) error {
		return stackful.Bulk(fc, 20, func(fc *stackful.Fiber, i int) error { return nil })
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	st := p.Stats().Stacks
	assert.Equal(t, int64(21), st.Created)
	assert.Zero(t, st.Reused)
	assert.Zero(t, st.Live)
}

func TestSharedAllocatorOutlivesPool(t *testing.T) {
	alloc := stack.NewPooled(stack.Config{})
	defer alloc.Close()

	for range 2 {
		p := stackful.NewPool(stackful.WithWorkers(2), stackful.WithAllocator(alloc))
		require.NoError(t, run(p, func(fc *stackful.Fiber) error { return nil }))
		require.NoError(t, p.Close())
	}
	st := alloc.Stats()
	assert.Equal(t, int64(1), st.Created)
	assert.Equal(t, int64(1), st.Reused)
}

func TestPinnedFibersStayOnTheirWorker(t *testing.T) {
	p := newPool(t)
	var moved atomic.Int32
	err := run(p, func(fc *stackful.Fiber) error {
		home := fc.Worker()
		g := stackful.NewGroup(fc, stackful.WithChildHint(stackful.Pinned))
		for range 16 {
			assert.NoError(t, g.Go("", func(fc *stackful.Fiber) error {
				for range 5 {
					if fc.Worker() != home {
						moved.Add(1)
					}
					fc.Yield()
				}
				return nil
			}))
		}
		return g.Wait()
	})
	require.NoError(t, err)
	assert.Zero(t, moved.Load())
}

func TestFIFODiscipline(t *testing.T) {
	p := newPool(t, stackful.WithWorkers(1), stackful.WithDiscipline(stackful.FIFOLocal))
	var order []int
	err := run(p, func(fc *stackful.Fiber) error {
		return stackful.Bulk(fc, 5, func(fc *stackful.Fiber, i int) error {
			order = append(order, i)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLIFODiscipline(t *testing.T) {
	p := newPool(t, stackful.WithWorkers(1))
	var order []int
	err := run(p, func(fc *stackful.Fiber) error {
		return stackful.Bulk(fc, 5, func(fc *stackful.Fiber, i int) error {
			order = append(order, i)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 2, 1, 0}, order)
}

func TestSinkReceivesLifecycle(t *testing.T) {
	ring := trace.NewRing(0)
	p := stackful.NewPool(stackful.WithWorkers(2), stackful.WithSink(ring))

	err := run(p, func(fc *stackful.Fiber) error {
		return stackful.Bulk(fc, 10, func(fc *stackful.Fiber, i int) error { return nil })
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, 11, ring.Count(trace.KindCreated))
	assert.Equal(t, 11, ring.Count(trace.KindCompleted))
	assert.GreaterOrEqual(t, ring.Count(trace.KindResumed), 11)
	assert.Equal(t, 2, ring.Count(trace.KindWorkerStarted))
	assert.Equal(t, 2, ring.Count(trace.KindWorkerStopped))

	seqs := make(map[uint64]bool)
	for _, ev := range ring.Snapshot() {
		assert.False(t, seqs[ev.Seq], "duplicate seq %d", ev.Seq)
		seqs[ev.Seq] = true
	}
}

func TestPanickingSinkDoesNotAffectScheduling(t *testing.T) {
	sink := trace.SinkFunc(func(trace.Event) { panic("sink down") })
	p := stackful.NewPool(stackful.WithWorkers(2), stackful.WithSink(sink))

	v, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		vals, err := stackful.JoinValues(fc,
			func(*stackful.Fiber) (int, error) { return 1, nil },
			func(*stackful.Fiber) (int, error) { return 2, nil },
		)
		if err != nil {
			return 0, err
		}
		return vals[0] + vals[1], nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	require.NoError(t, p.Close())
}

func TestPoolMetrics(t *testing.T) {
	var calls atomic.Int32
	p := stackful.NewPool(
		stackful.WithWorkers(2),
		stackful.WithMetrics(5*time.Millisecond, func(st stackful.PoolStats) {
			assert.Equal(t, 2, st.Workers)
			calls.Add(1)
		}),
	)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close())
	assert.NotEmpty(t, p.ID())
	assert.Equal(t, 2, p.Workers())
}

func TestInvalidOptionsPanic(t *testing.T) {
	assert.Panics(t, func() { stackful.WithWorkers(0) })
	assert.Panics(t, func() { stackful.WithStackSize(0) })
	assert.Panics(t, func() { stackful.WithMaxStackBytes(-1) })
	assert.Panics(t, func() { stackful.WithMaxIdleStacks(-1) })
	assert.Panics(t, func() { stackful.WithDiscipline(stackful.Discipline(9)) })
	assert.Panics(t, func() { stackful.WithMetrics(0, func(stackful.PoolStats) {}) })
	assert.Panics(t, func() { stackful.WithMetrics(time.Second, nil) })
	assert.Panics(t, func() { stackful.WithLimit(-1) })
}

func TestWorkersFromEnvironment(t *testing.T) {
	t.Setenv(stackful.EnvMaxConcurrency, "3")
	p := stackful.NewPool()
	defer p.Close()
	assert.Equal(t, 3, p.Workers())
}
