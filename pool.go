package stackful

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baxromumarov/stackful/stack"
	"github.com/baxromumarov/stackful/trace"
)

// Pool is a fixed set of workers that run fibers. Each worker owns a
// work-stealing deque; fibers spawned from outside the pool, and fibers that
// yield, go through a shared injector queue.
//
// A Pool must be closed with [Pool.Close]. Close must not be called from a
// fiber of the same pool.
type Pool struct {
	id  string
	cfg config
	log zerolog.Logger

	alloc     stack.Allocator
	ownsAlloc bool

	workers  []*worker
	injector fifo
	rr       atomic.Uint64
	wg       sync.WaitGroup

	// active counts Ready and Running fibers plus pending sleep timers.
	// Once closing is set, the pool drains when it reaches zero.
	active    atomic.Int64
	closing   atomic.Bool
	drained   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	stopMeter chan struct{}

	fibers sync.Map // id -> *Fiber, removed on completion

	errMu      sync.Mutex
	submitErrs []error
	workerErrs []error

	seq           atomic.Uint64
	nextID        atomic.Uint64
	spawned       atomic.Int64
	completed     atomic.Int64
	failedFibers  atomic.Int64
	cancelled     atomic.Int64
	suspended     atomic.Int64
	timers        atomic.Int64
	steals        atomic.Int64
	injected      atomic.Int64
	inlined       atomic.Int64
	submitted     atomic.Int64
	liveWorkers   atomic.Int64
	failedWorkers atomic.Int64
}

// PoolStats provides a point-in-time snapshot of pool activity.
type PoolStats struct {
	Workers       int   // worker count (fixed at creation)
	LiveWorkers   int64 // workers whose loop is still running
	FailedWorkers int64 // workers torn down by a panic
	Spawned       int64 // fibers ever spawned
	Completed     int64 // fibers that reached Completed
	Failed        int64 // completed with a failure
	Cancelled     int64 // completed with the cancelled outcome
	Live          int64 // spawned and not yet completed
	Active        int64 // ready or running fibers, plus pending timers
	Suspended     int64 // fibers parked at a yield point
	Timers        int64 // pending Sleep timers
	Steals        int64 // fibers taken from a peer's deque
	Injected      int64 // fibers pushed through the global queue
	Inlined       int64 // children run on their waiting parent's stack
	Stacks        stack.Stats
}

// StalledFiber describes a fiber that has held its worker past the stall
// threshold.
type StalledFiber struct {
	ID      uint64
	Name    string
	Worker  int
	Elapsed time.Duration
}

// NewPool creates a pool and starts its workers.
//
// Invalid option values panic.
func NewPool(opts ...Option) *Pool {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool{
		id:        uuid.NewString(),
		cfg:       cfg,
		drained:   make(chan struct{}),
		stopMeter: make(chan struct{}),
	}
	p.log = cfg.logger.With().Str("pool", p.id).Logger()

	if cfg.allocator != nil {
		p.alloc = cfg.allocator
	} else {
		p.alloc = stack.New(cfg.stackKind, cfg.stackCfg)
		p.ownsAlloc = true
	}

	p.workers = make([]*worker, cfg.workers)
	for i := range p.workers {
		p.workers[i] = newWorker(p, i)
	}
	p.liveWorkers.Store(int64(cfg.workers))

	p.log.Info().
		Int("workers", cfg.workers).
		Stringer("discipline", cfg.discipline).
		Stringer("allocator", cfg.stackKind).
		Msg("pool started")

	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go w.loop()
	}

	if cfg.onMetrics != nil {
		go func() {
			ticker := time.NewTicker(cfg.metricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cfg.onMetrics(p.Stats())
				case <-p.stopMeter:
					return
				}
			}
		}()
	}
	if cfg.onStall != nil {
		go p.watchStalls()
	}

	return p
}

func (p *Pool) watchStalls() {
	threshold := p.cfg.stallThreshold
	ticker := time.NewTicker(max(threshold/4, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-p.stopMeter:
			return
		}
		now := time.Now()
		for _, w := range p.workers {
			f := w.running.Load()
			if f == nil {
				continue
			}
			for g := f.guest.Load(); g != nil; g = f.guest.Load() {
				f = g
			}
			elapsed := now.Sub(time.Unix(0, w.since.Load()))
			if elapsed < threshold || !w.flagged.CompareAndSwap(false, true) {
				continue
			}
			p.log.Warn().
				Uint64("fiber", f.id).
				Str("name", f.name).
				Int("worker", w.id).
				Dur("elapsed", elapsed).
				Msg("fiber stalled its worker")
			p.cfg.onStall(StalledFiber{ID: f.id, Name: f.name, Worker: w.id, Elapsed: elapsed})
		}
	}
}

// ID returns the pool's unique identity, as used in its log lines.
func (p *Pool) ID() string { return p.id }

// Workers returns the number of workers the pool was created with.
func (p *Pool) Workers() int { return len(p.workers) }

type spawnSpec struct {
	name   string
	hint   Hint
	token  *Token
	parent *Fiber
	entry  func(*Fiber) error
	done   func(f *Fiber, w *worker)
	join   *joinPoint
}

// spawn creates a fiber and makes it ready. When parent is set, spawn must
// be called from the parent fiber itself.
func (p *Pool) spawn(s spawnSpec) (*Fiber, error) {
	p.active.Add(1)
	if p.closing.Load() {
		p.release()
		return nil, ErrPoolClosed
	}
	if p.liveWorkers.Load() == 0 {
		p.release()
		return nil, ErrNoWorkers
	}

	stk, err := p.alloc.Allocate()
	if err != nil {
		p.release()
		if errors.Is(err, stack.ErrClosed) {
			return nil, ErrPoolClosed
		}
		return nil, fmt.Errorf("stackful: spawn %q: %w", s.name, err)
	}

	id := p.nextID.Add(1)
	f := &Fiber{
		id:    id,
		name:  s.name,
		pool:  p,
		hint:  s.hint,
		token: s.token,
		entry: s.entry,
		done:  s.done,
		join:  s.join,
		stk:   stk,
	}
	if f.name == "" {
		f.name = "fiber-" + strconv.FormatUint(id, 10)
	}
	if f.token == nil {
		f.token = NewToken()
	}

	var from *worker
	if s.parent != nil {
		f.parent = s.parent.id
		from = s.parent.exec().worker
	}
	if f.hint == Pinned {
		f.home = from
		if f.home == nil {
			f.home = p.pickHome()
		}
	}

	f.ctx = stack.Create(stk, f.main)
	p.fibers.Store(id, f)
	p.spawned.Add(1)
	p.emitFiber(trace.KindCreated, f, from)

	f.transition(Created, Ready)
	p.schedule(f, from)
	return f, nil
}

func (p *Pool) pickHome() *worker {
	n := uint64(len(p.workers))
	for range n {
		w := p.workers[p.rr.Add(1)%n]
		if w.alive() {
			return w
		}
	}
	return nil
}

// ready moves a parked fiber back to a run queue. from is the worker
// executing the caller, or nil outside the pool.
func (p *Pool) ready(f *Fiber, from *worker) {
	f.transition(Suspended, Ready)
	p.suspended.Add(-1)
	p.active.Add(1)
	p.schedule(f, from)
}

func (p *Pool) schedule(f *Fiber, from *worker) {
	if f.hint == Pinned && f.home != nil && f.home.alive() {
		home := f.home
		home.inbox.push(f)
		home.signal()
		if !home.alive() {
			// Lost the race with the worker's teardown.
			home.rehome()
		}
		return
	}
	if from != nil && from.alive() {
		from.deque.push(f)
		p.wakeIdle()
		return
	}
	p.injector.push(f)
	p.injected.Add(1)
	p.wakeIdle()
}

// wakeIdle wakes at most one parked worker.
func (p *Pool) wakeIdle() {
	for _, w := range p.workers {
		if w.idle.Load() && w.idle.CompareAndSwap(true, false) {
			w.signal()
			return
		}
	}
}

// release drops one unit of active work.
func (p *Pool) release() {
	if p.active.Add(-1) == 0 {
		p.maybeDrained()
	}
}

func (p *Pool) maybeDrained() {
	if p.closing.Load() && p.active.Load() == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

// Submit runs fn on a new detached fiber. A failure of fn is collected and
// returned by [Pool.Close]. Submit returns [ErrPoolClosed] once Close has
// been called.
func (p *Pool) Submit(fn func(fc *Fiber) error, opts ...SpawnOption) error {
	if fn == nil {
		panic("stackful: Submit requires a non-nil function")
	}
	index := int(p.submitted.Add(1) - 1)
	cfg := buildSpawnConfig("", opts)

	var token *Token
	if cfg.token != nil {
		token = cfg.token.Child()
	}

	_, err := p.spawn(spawnSpec{
		name:  cfg.name,
		hint:  cfg.hint,
		token: token,
		entry: fn,
		done: func(f *Fiber, _ *worker) {
			if f.outcome != OutcomeFailed {
				return
			}
			p.errMu.Lock()
			p.submitErrs = append(p.submitErrs, &ChildError{
				Child: ChildInfo{ID: f.id, Name: f.name, Index: index},
				Err:   f.err,
			})
			p.errMu.Unlock()
		},
	})
	if err != nil {
		p.submitted.Add(-1)
	}
	return err
}

// Close stops accepting new fibers, runs the pool until no fiber is ready or
// running and no Sleep timer is pending, then stops the workers.
//
// It returns the joined failures of submitted fibers, a [*LeakError] naming
// every fiber that was still suspended, and a [*WorkerError] for every
// worker that failed. Safe to call multiple times; subsequent calls return
// the same result.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		p.log.Debug().Int64("active", p.active.Load()).Msg("pool draining")
		p.maybeDrained()
		p.wg.Wait()
		close(p.stopMeter)

		if p.ownsAlloc {
			p.alloc.Close()
		}

		var leaked []FiberInfo
		p.fibers.Range(func(_, v any) bool {
			leaked = append(leaked, v.(*Fiber).info())
			return true
		})
		slices.SortFunc(leaked, func(a, b FiberInfo) int { return cmp.Compare(a.ID, b.ID) })

		p.errMu.Lock()
		errs := append([]error(nil), p.submitErrs...)
		if len(leaked) > 0 {
			errs = append(errs, &LeakError{Fibers: leaked})
			p.log.Warn().Int("fibers", len(leaked)).Msg("fibers leaked at shutdown")
		}
		errs = append(errs, p.workerErrs...)
		p.errMu.Unlock()

		p.closeErr = errors.Join(errs...)
		p.log.Info().
			Int64("spawned", p.spawned.Load()).
			Int64("failed_workers", p.failedWorkers.Load()).
			Msg("pool closed")
	})
	return p.closeErr
}

// Stats returns a point-in-time snapshot of pool activity.
// Safe to call concurrently.
func (p *Pool) Stats() PoolStats {
	spawned := p.spawned.Load()
	completed := p.completed.Load()
	return PoolStats{
		Workers:       len(p.workers),
		LiveWorkers:   p.liveWorkers.Load(),
		FailedWorkers: p.failedWorkers.Load(),
		Spawned:       spawned,
		Completed:     completed,
		Failed:        p.failedFibers.Load(),
		Cancelled:     p.cancelled.Load(),
		Live:          spawned - completed,
		Active:        p.active.Load(),
		Suspended:     p.suspended.Load(),
		Timers:        p.timers.Load(),
		Steals:        p.steals.Load(),
		Injected:      p.injected.Load(),
		Inlined:       p.inlined.Load(),
		Stacks:        p.alloc.Stats(),
	}
}

func (p *Pool) emitFiber(kind trace.Kind, f *Fiber, w *worker) {
	if p.cfg.sink == nil {
		return
	}
	ev := trace.Event{
		Kind:   kind,
		Fiber:  f.id,
		Parent: f.parent,
		Worker: -1,
		Name:   f.name,
	}
	if w != nil {
		ev.Worker = w.id
	}
	if kind == trace.KindCompleted {
		ev.Outcome = f.outcome.String()
		if f.err != nil {
			ev.Err = f.err.Error()
		}
	}
	p.emit(ev)
}

func (p *Pool) emit(ev trace.Event) {
	if p.cfg.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Stringer("kind", ev.Kind).Msg("trace sink panicked")
		}
	}()
	ev.Seq = p.seq.Add(1)
	ev.Time = time.Now()
	p.cfg.sink.Emit(ev)
}

// cancelRequested records a cancellation issued on behalf of owner, which
// may be nil when the request came from outside the pool.
func (p *Pool) cancelRequested(owner *Fiber, name string) {
	if p.cfg.sink == nil {
		return
	}
	ev := trace.Event{Kind: trace.KindCancelRequested, Worker: -1, Name: name}
	if owner != nil {
		ev.Fiber = owner.id
	}
	p.emit(ev)
}
