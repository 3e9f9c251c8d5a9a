package stackful

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Race runs fns as children of fc and returns the value of the first one to
// succeed. The others are cancelled as soon as there is a winner, and Race
// still waits for all of them to complete.
//
// If all fns fail, Race returns the zero value and the failure that completed
// last. If fc is cancelled before any child succeeds, the error matches
// [ErrCancelled]. If fns is empty, Race returns (zero, nil).
//
// Race panics if any element of fns is nil.
func Race[T any](fc *Fiber, fns ...func(fc *Fiber) (T, error)) (T, error) {
	var zero T
	if len(fns) == 0 {
		return zero, nil
	}
	for i, fn := range fns {
		if fn == nil {
			panic(fmt.Sprintf("stackful: Race fn[%d] must not be nil", i))
		}
	}

	var (
		won    atomic.Bool
		winner T
	)
	g := NewGroup(fc, WithPolicy(Collect))
	for i, fn := range fns {
		err := g.Go(fmt.Sprintf("race[%d]", i), func(fc *Fiber) error {
			v, err := fn(fc)
			if err != nil {
				return err
			}
			if won.CompareAndSwap(false, true) {
				winner = v
				g.Cancel()
			}
			return nil
		})
		if err != nil {
			g.Cancel()
			g.Wait()
			if won.Load() {
				return winner, nil
			}
			return zero, err
		}
	}

	gerr := g.Wait()
	if won.Load() {
		return winner, nil
	}
	if failures := AllChildErrors(gerr); len(failures) > 0 {
		return zero, failures[len(failures)-1].Err
	}
	return zero, gerr
}

// Timeout runs fn as a child of fc next to a timer child. When the timer
// fires first fn's token is cancelled and, unless fn still manages to
// succeed, Timeout returns [ErrTimeout]. fn must observe cancellation for
// the timeout to cut it short.
func Timeout[T any](fc *Fiber, d time.Duration, fn func(fc *Fiber) (T, error)) (T, error) {
	if fn == nil {
		panic("stackful: Timeout requires a non-nil function")
	}
	var (
		zero     T
		value    T
		ok       atomic.Bool
		timedOut atomic.Bool
	)

	g := NewGroup(fc, WithPolicy(Collect))
	err := g.Go("timeout/work", func(fc *Fiber) error {
		// Stop the timer however fn ends.
		defer g.Cancel()
		v, err := fn(fc)
		if err != nil {
			return err
		}
		value = v
		ok.Store(true)
		return nil
	})
	if err != nil {
		return zero, errors.Join(err, g.Wait())
	}

	err = g.Go("timeout/timer", func(fc *Fiber) error {
		if Sleep(fc, d) != nil {
			return nil
		}
		timedOut.Store(true)
		g.Cancel()
		return nil
	})
	if err != nil {
		g.Cancel()
		g.Wait()
		return zero, err
	}

	gerr := g.Wait()
	switch {
	case ok.Load():
		return value, nil
	case timedOut.Load():
		return zero, ErrTimeout
	case gerr != nil:
		return zero, CauseOf(gerr)
	}
	return zero, nil
}
