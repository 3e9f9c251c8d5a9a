package stackful

import (
	"errors"
	"fmt"
)

// ChildInfo identifies a child of a fork-join group.
type ChildInfo struct {
	ID    uint64
	Name  string
	Index int // position in spawn order within the group
}

// ChildError wraps the failure of a group child together with the child's
// identity, so a waiter can tell which sibling failed.
type ChildError struct {
	Child ChildInfo
	Err   error
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("fiber %q (#%d) failed: %v", e.Child.Name, e.Child.Index, e.Err)
}

func (e *ChildError) Unwrap() error {
	return e.Err
}

// IsChildError reports whether err (or any error in its chain) is a [*ChildError].
func IsChildError(err error) bool {
	var ce *ChildError
	return errors.As(err, &ce)
}

// ChildOf extracts the [ChildInfo] from the first [*ChildError] in err's chain.
func ChildOf(err error) (ChildInfo, bool) {
	var ce *ChildError
	if errors.As(err, &ce) {
		return ce.Child, true
	}
	return ChildInfo{}, false
}

// CauseOf returns the failure wrapped by the first [*ChildError] in err's
// chain, or err itself when there is none.
func CauseOf(err error) error {
	var ce *ChildError
	if errors.As(err, &ce) {
		return ce.Err
	}
	return err
}

// AllChildErrors collects every [*ChildError] in err's chain, descending into
// errors combined with [errors.Join]. Nested groups are not unwrapped past the
// first ChildError on each branch.
func AllChildErrors(err error) []*ChildError {
	var out []*ChildError
	collectChildErrors(err, &out)
	return out
}

func collectChildErrors(err error, out *[]*ChildError) {
	switch e := err.(type) {
	case nil:
	case *ChildError:
		*out = append(*out, e)
	case interface{ Unwrap() []error }:
		for _, sub := range e.Unwrap() {
			collectChildErrors(sub, out)
		}
	case interface{ Unwrap() error }:
		collectChildErrors(e.Unwrap(), out)
	}
}
