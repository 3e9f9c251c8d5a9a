package stackful_test

import (
	"errors"
	"fmt"
	"time"

	"github.com/baxromumarov/stackful"
)

func ExampleSyncWait() {
	p := stackful.NewPool(stackful.WithWorkers(2))
	defer p.Close()

	v, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		return 6 * 7, nil
	})
	fmt.Println(v, err)
	// Output: 42 <nil>
}

func ExampleJoin() {
	p := stackful.NewPool()
	defer p.Close()

	_, _ = stackful.SyncWait(p, func(fc *stackful.Fiber) (struct{}, error) {
		err := stackful.Join(fc,
			func(*stackful.Fiber) error { fmt.Println("left"); return nil },
			func(*stackful.Fiber) error { fmt.Println("right"); return nil },
		)
		return struct{}{}, err
	})
	// Unordered output:
	// left
	// right
}

func ExampleGroup_failFast() {
	p := stackful.NewPool()
	defer p.Close()

	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (struct{}, error) {
		g := stackful.NewGroup(fc)
		_ = g.Go("quick-fail", func(*stackful.Fiber) error {
			return errors.New("something went wrong")
		})
		_ = g.Go("long-task", func(fc *stackful.Fiber) error {
			// Cancelled when quick-fail returns an error.
			return stackful.Sleep(fc, time.Hour)
		})
		return struct{}{}, g.Wait()
	})
	fmt.Println(stackful.CauseOf(err))
	// Output: something went wrong
}

func ExampleMap() {
	p := stackful.NewPool()
	defer p.Close()

	squares, err := stackful.SyncWait(p, func(fc *stackful.Fiber) ([]int, error) {
		return stackful.Map(fc, []int{1, 2, 3, 4, 5}, func(_ *stackful.Fiber, n int) (int, error) {
			return n * n, nil
		})
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(squares)
	// Output: [1 4 9 16 25]
}

func ExampleSpawn() {
	p := stackful.NewPool()
	defer p.Close()

	v, _ := stackful.SyncWait(p, func(fc *stackful.Fiber) (string, error) {
		fut, err := stackful.Spawn(fc, func(fc *stackful.Fiber) (string, error) {
			fc.Yield()
			return "computed", nil
		}, stackful.WithName("compute"))
		if err != nil {
			return "", err
		}
		return fut.Await(fc)
	})
	fmt.Println("result:", v)
	// Output: result: computed
}

func ExampleRace() {
	p := stackful.NewPool()
	defer p.Close()

	v, _ := stackful.SyncWait(p, func(fc *stackful.Fiber) (string, error) {
		return stackful.Race(fc,
			func(fc *stackful.Fiber) (string, error) {
				if err := stackful.Sleep(fc, time.Hour); err != nil {
					return "", err
				}
				return "replica-a", nil
			},
			func(*stackful.Fiber) (string, error) { return "replica-b", nil },
		)
	})
	fmt.Println(v)
	// Output: replica-b
}

func ExampleTimeout() {
	p := stackful.NewPool()
	defer p.Close()

	_, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int, error) {
		return stackful.Timeout(fc, 10*time.Millisecond, func(fc *stackful.Fiber) (int, error) {
			return 0, stackful.Sleep(fc, time.Hour)
		})
	})
	fmt.Println(errors.Is(err, stackful.ErrTimeout))
	// Output: true
}
