package stackful

import (
	"errors"
	"fmt"
	"time"
)

// Bulk spawns n children of fc running fn(fc, i) for i in [0, n) and waits
// for all of them.
//
//	err := stackful.Bulk(fc, len(parts), func(fc *stackful.Fiber, i int) error {
//	    return process(fc, parts[i])
//	}, stackful.WithLimit(8))
func Bulk(fc *Fiber, n int, fn func(fc *Fiber, i int) error, opts ...GroupOption) error {
	if n < 0 {
		panic("stackful: Bulk requires n >= 0")
	}
	g := NewGroup(fc, opts...)
	for i := range n {
		err := g.Go(fmt.Sprintf("bulk[%d]", i), func(fc *Fiber) error {
			return fn(fc, i)
		})
		if err != nil {
			g.Cancel()
			return errors.Join(err, g.Wait())
		}
	}
	return g.Wait()
}

// ForEach runs fn for each item on its own child fiber of fc.
//
// This is a convenience wrapper around [Bulk].
func ForEach[T any](fc *Fiber, items []T, fn func(fc *Fiber, item T) error, opts ...GroupOption) error {
	return Bulk(fc, len(items), func(fc *Fiber, i int) error {
		return fn(fc, items[i])
	}, opts...)
}

// Map runs fn for each item concurrently and collects the results in the
// same order as the input slice. It uses [FailFast] by default; pass
// [WithPolicy]([Collect]) to let every item run.
//
// On error, Map returns nil and the error. On success, it returns the
// results slice and nil.
func Map[T, R any](fc *Fiber, items []T, fn func(fc *Fiber, item T) (R, error), opts ...GroupOption) ([]R, error) {
	results := make([]R, len(items))
	err := Bulk(fc, len(items), func(fc *Fiber, i int) error {
		r, err := fn(fc, items[i])
		if err != nil {
			return err
		}
		results[i] = r // each child writes a unique index
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Retry calls fn on fc up to n+1 times, sleeping backoff between attempts,
// and returns nil on the first success. The sleep parks the fiber rather than
// the worker, and a cancellation during it ends the retries with
// [ErrCancelled]. Once the attempts are used up the last error is returned.
//
// Panics if n < 0 or backoff <= 0.
func Retry(fc *Fiber, n int, backoff time.Duration, fn func(fc *Fiber) error) error {
	if n < 0 {
		panic("stackful: Retry requires n >= 0")
	}
	if backoff <= 0 {
		panic("stackful: Retry requires backoff > 0")
	}
	var err error
	for attempt := 0; attempt <= n; attempt++ {
		if attempt > 0 {
			if serr := Sleep(fc, backoff); serr != nil {
				return serr
			}
		}
		if err = fn(fc); err == nil {
			return nil
		}
	}
	return err
}
