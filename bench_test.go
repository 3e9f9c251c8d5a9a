package stackful_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/baxromumarov/stackful"
)

func benchPool(b *testing.B, opts ...stackful.Option) *stackful.Pool {
	b.Helper()
	p := stackful.NewPool(opts...)
	b.Cleanup(func() { _ = p.Close() })
	return p
}

// BenchmarkGroupNoWork measures the overhead of forking N fibers that do
// nothing and joining them.
func BenchmarkGroupNoWork(b *testing.B) {
	p := benchPool(b)
	for _, n := range []int{1, 10, 100, 1000} {
		b.Run(taskCountName(n), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_ = run(p, func(fc *stackful.Fiber) error {
					return stackful.Bulk(fc, n, func(*stackful.Fiber, int) error { return nil })
				})
			}
		})
	}
}

// BenchmarkGroupWithLimit measures bounded fan-out overhead.
func BenchmarkGroupWithLimit(b *testing.B) {
	p := benchPool(b)
	for _, n := range []int{10, 100, 1000} {
		b.Run(taskCountName(n), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_ = run(p, func(fc *stackful.Fiber) error {
					return stackful.Bulk(fc, n, func(*stackful.Fiber, int) error { return nil }, stackful.WithLimit(10))
				})
			}
		})
	}
}

// BenchmarkRawGoroutineWaitGroup is the baseline: raw go + sync.WaitGroup.
func BenchmarkRawGoroutineWaitGroup(b *testing.B) {
	for _, n := range []int{1, 10, 100, 1000} {
		b.Run(taskCountName(n), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				var wg sync.WaitGroup
				for range n {
					wg.Go(func() {})
				}
				wg.Wait()
			}
		})
	}
}

// BenchmarkSpawnAwait measures typed futures.
func BenchmarkSpawnAwait(b *testing.B) {
	p := benchPool(b)
	b.ReportAllocs()
	for b.Loop() {
		_, _ = stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
			var futs [10]*stackful.Future[int]
			for j := range futs {
				f, err := stackful.Spawn(fc, func(*stackful.Fiber) (int, error) { return j * 2, nil })
				if err != nil {
					return 0, err
				}
				futs[j] = f
			}
			sum := 0
			for _, f := range futs {
				v, _ := f.Await(fc)
				sum += v
			}
			return sum, nil
		})
	}
}

// BenchmarkYield measures a suspend/resume round trip through the scheduler.
func BenchmarkYield(b *testing.B) {
	p := benchPool(b, stackful.WithWorkers(1))
	b.ReportAllocs()
	b.ResetTimer()
	_ = run(p, func(fc *stackful.Fiber) error {
		for range b.N {
			fc.Yield()
		}
		return nil
	})
}

// BenchmarkDiscipline compares local queue orders on a binary fork tree.
func BenchmarkDiscipline(b *testing.B) {
	for _, d := range []stackful.Discipline{stackful.LIFOLocal, stackful.FIFOLocal} {
		b.Run(d.String(), func(b *testing.B) {
			p := benchPool(b, stackful.WithDiscipline(d))
			b.ReportAllocs()
			for b.Loop() {
				_ = run(p, func(fc *stackful.Fiber) error { return forkTree(fc, 10) })
			}
		})
	}
}

func forkTree(fc *stackful.Fiber, depth int) error {
	if depth == 0 {
		return nil
	}
	return stackful.Join(fc,
		func(fc *stackful.Fiber) error { return forkTree(fc, depth-1) },
		func(fc *stackful.Fiber) error { return forkTree(fc, depth-1) },
	)
}

func taskCountName(n int) string {
	return fmt.Sprintf("%d", n)
}
