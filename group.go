package stackful

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Policy controls how a [Group] reacts to a failing child.
type Policy int

const (
	// FailFast cancels the group's token on the first failure and reports
	// that failure. The remaining children are still waited for.
	FailFast Policy = iota
	// Collect lets every child run to completion and reports all failures
	// joined in completion order.
	Collect
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Collect:
		return "collect"
	default:
		return "unknown"
	}
}

type groupConfig struct {
	policy Policy
	limit  int
	hint   Hint
}

// GroupOption configures a [Group].
type GroupOption func(*groupConfig)

// WithPolicy sets the failure policy. Default is [FailFast].
func WithPolicy(p Policy) GroupOption {
	return func(c *groupConfig) {
		c.policy = p
	}
}

// WithLimit bounds how many children run at the same time. Children over the
// limit suspend until a slot frees up. Zero means unlimited.
// Panics if n < 0.
func WithLimit(n int) GroupOption {
	if n < 0 {
		panic("stackful: WithLimit requires n >= 0")
	}
	return func(c *groupConfig) {
		c.limit = n
	}
}

// WithChildHint sets the scheduling hint for every child of the group.
func WithChildHint(h Hint) GroupOption {
	return func(c *groupConfig) {
		c.hint = h
	}
}

// Group is a fork-join group: a set of child fibers spawned by one fiber and
// joined at a single point by [Group.Wait].
//
// A Group belongs to the fiber that created it. Go and Wait must be called
// from that fiber, and Wait exactly once.
//
//	g := stackful.NewGroup(fc)
//	g.Go("left", func(fc *stackful.Fiber) error { return sortPart(fc, left) })
//	g.Go("right", func(fc *stackful.Fiber) error { return sortPart(fc, right) })
//	err := g.Wait()
type Group struct {
	fc    *Fiber
	cfg   groupConfig
	token *Token
	sem   *Semaphore
	jp    joinPoint

	waited atomic.Bool
	next   int

	first       atomic.Pointer[ChildError]
	firstCancel atomic.Pointer[ChildError]

	errMu sync.Mutex
	errs  []error
}

// NewGroup creates a group owned by fc. The group's token is a child of fc's
// token and is shared by every child.
func NewGroup(fc *Fiber, opts ...GroupOption) *Group {
	if fc == nil {
		panic("stackful: NewGroup requires a fiber")
	}
	var cfg groupConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	g := &Group{
		fc:    fc,
		cfg:   cfg,
		token: fc.token.Child(),
	}
	if cfg.limit > 0 {
		g.sem = NewSemaphore(cfg.limit)
	}
	g.jp.init()
	return g
}

// Token returns the token shared by the group's children.
func (g *Group) Token() *Token { return g.token }

// Cancel requests cancellation of every child of the group.
func (g *Group) Cancel() {
	if g.token.Cancel() {
		g.fc.pool.cancelRequested(g.fc, g.fc.name)
	}
}

// Go spawns fn as a child of the group. It returns an error only when the
// child could not be spawned: [ErrPoolClosed], [ErrNoWorkers] or
// [ErrStackExhausted]. Calling Go after Wait is a misuse and panics.
func (g *Group) Go(name string, fn func(fc *Fiber) error) error {
	if fn == nil {
		panic("stackful: Group.Go requires a non-nil function")
	}
	if g.waited.Load() {
		panic(misuse("Group.Go", "group already waited"))
	}

	index := g.next
	g.next++
	if name == "" {
		name = fmt.Sprintf("%s/%d", g.fc.name, index)
	}

	entry := fn
	if g.sem != nil {
		entry = func(fc *Fiber) error {
			if err := g.sem.Acquire(fc); err != nil {
				return err
			}
			defer g.sem.Release()
			return fn(fc)
		}
	}

	g.jp.add()
	_, err := g.fc.pool.spawn(spawnSpec{
		name:   name,
		hint:   g.cfg.hint,
		token:  g.token,
		parent: g.fc,
		entry:  entry,
		done: func(f *Fiber, w *worker) {
			g.childDone(f, index, w)
		},
		join: &g.jp,
	})
	if err != nil {
		// The waiter has not arrived yet, so this cannot release it.
		g.jp.outstanding.Add(-1)
		return err
	}
	return nil
}

func (g *Group) childDone(f *Fiber, index int, w *worker) {
	defer g.jp.arrive(w)
	if f.outcome != OutcomeValue {
		ce := &ChildError{
			Child: ChildInfo{ID: f.id, Name: f.name, Index: index},
			Err:   f.err,
		}
		switch {
		case f.outcome == OutcomeCancelled:
			g.firstCancel.CompareAndSwap(nil, ce)
		case g.cfg.policy == Collect:
			g.errMu.Lock()
			g.errs = append(g.errs, ce)
			g.errMu.Unlock()
		default:
			if g.first.CompareAndSwap(nil, ce) && g.token.Cancel() {
				g.fc.pool.cancelRequested(f, f.name)
			}
		}
	}
}

// Wait suspends the owning fiber until every child has completed and returns
// the group's error according to its [Policy]. When no child failed but some
// completed cancelled, the first cancellation is returned; it matches
// [ErrCancelled].
//
// Children that no worker has started yet when Wait is called run on the
// waiting fiber itself, in the order its worker would have run them.
//
// Calling Wait twice is a misuse and panics.
func (g *Group) Wait() error {
	if !g.waited.CompareAndSwap(false, true) {
		panic(misuse("Group.Wait", "group already waited"))
	}
	g.help()
	g.jp.wait(g.fc)
	return g.err()
}

// help runs unstarted children from the top of the waiting fiber's own run
// queue until it meets anything else.
func (g *Group) help() {
	for g.jp.outstanding.Load() > 1 {
		w := g.fc.exec().worker
		f := w.take(func(f *Fiber) bool {
			return f.join == &g.jp && !f.started.Load()
		})
		if f == nil {
			return
		}
		w.inline(f, g.fc)
	}
}

func (g *Group) err() error {
	switch g.cfg.policy {
	case Collect:
		g.errMu.Lock()
		errs := g.errs
		g.errMu.Unlock()
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
	default:
		if ce := g.first.Load(); ce != nil {
			return ce
		}
	}
	if ce := g.firstCancel.Load(); ce != nil {
		return ce
	}
	return nil
}

// Join runs fns as children of a new group owned by fc and waits for all of
// them. If a child cannot be spawned, the group is cancelled, the children
// already spawned are waited for and the spawn error is returned.
func Join(fc *Fiber, fns ...func(fc *Fiber) error) error {
	g := NewGroup(fc)
	for i, fn := range fns {
		if err := g.Go(fmt.Sprintf("join[%d]", i), fn); err != nil {
			g.Cancel()
			return errors.Join(err, g.Wait())
		}
	}
	return g.Wait()
}

// JoinValues runs fns as children of a new group and returns their values
// in argument order. On failure it returns nil and the group's error.
func JoinValues[T any](fc *Fiber, fns ...func(fc *Fiber) (T, error)) ([]T, error) {
	out := make([]T, len(fns))
	g := NewGroup(fc)
	for i, fn := range fns {
		err := g.Go(fmt.Sprintf("join[%d]", i), func(fc *Fiber) error {
			v, err := fn(fc)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
		if err != nil {
			g.Cancel()
			return nil, errors.Join(err, g.Wait())
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
