package stack

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the nominal stack size charged per context when none is
// configured.
const DefaultSize = 256 << 10

// DefaultMaxIdle bounds the free list of a pooled allocator.
const DefaultMaxIdle = 1024

// ErrExhausted is returned by Allocate when the configured byte budget has no
// room for another stack.
var ErrExhausted = errors.New("stack: allocation budget exhausted")

// ErrClosed is returned by Allocate after Close.
var ErrClosed = errors.New("stack: allocator is closed")

// Allocator hands out stacks and takes them back once their entry finished.
type Allocator interface {
	Allocate() (*Stack, error)
	Deallocate(s *Stack)
	Close()
	Stats() Stats
}

// Stats is a point-in-time snapshot of allocator activity.
type Stats struct {
	Live    int64 // stacks handed out and not yet returned
	Idle    int64 // stacks parked on the free list
	Created int64 // stacks ever created
	Reused  int64 // allocations served from the free list
	Bytes   int64 // bytes charged for live stacks
}

// Kind selects an allocator implementation.
type Kind uint8

const (
	// KindPooled keeps finished stacks on a free list for reuse.
	KindPooled Kind = iota
	// KindOnDemand creates a stack per allocation and releases it on return.
	KindOnDemand
)

func (k Kind) String() string {
	switch k {
	case KindPooled:
		return "pooled"
	case KindOnDemand:
		return "on-demand"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pooled", "pool", "":
		return KindPooled, nil
	case "on-demand", "ondemand", "simple":
		return KindOnDemand, nil
	default:
		return KindPooled, fmt.Errorf("invalid stack allocator: %q (expected: pooled|on-demand)", s)
	}
}

// Config configures an allocator.
type Config struct {
	// Size is the number of bytes charged per stack. Zero means DefaultSize.
	Size int64
	// MaxBytes caps the bytes charged for live stacks. Zero means unlimited.
	MaxBytes int64
	// MaxIdle caps the free list of a pooled allocator. Zero means DefaultMaxIdle.
	MaxIdle int
}

func (c Config) normalize() Config {
	if c.Size < 0 || c.MaxBytes < 0 || c.MaxIdle < 0 {
		panic("stack: negative allocator configuration")
	}
	if c.Size == 0 {
		c.Size = DefaultSize
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	return c
}

// New returns the allocator of the given kind.
func New(kind Kind, cfg Config) Allocator {
	switch kind {
	case KindPooled:
		return NewPooled(cfg)
	case KindOnDemand:
		return NewOnDemand(cfg)
	default:
		panic(fmt.Sprintf("stack: unknown allocator kind %d", kind))
	}
}

// budget tracks live stacks and the bytes charged for them.
type budget struct {
	size   int64
	weight *semaphore.Weighted

	nextID  atomic.Uint64
	live    atomic.Int64
	created atomic.Int64
	reused  atomic.Int64
	closed  atomic.Bool
}

func (b *budget) init(cfg Config) {
	b.size = cfg.Size
	if cfg.MaxBytes > 0 {
		b.weight = semaphore.NewWeighted(cfg.MaxBytes)
	}
}

func (b *budget) charge() error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.weight != nil && !b.weight.TryAcquire(b.size) {
		return ErrExhausted
	}
	b.live.Add(1)
	return nil
}

func (b *budget) refund() {
	if b.weight != nil {
		b.weight.Release(b.size)
	}
	b.live.Add(-1)
}

func (b *budget) create() *Stack {
	b.created.Add(1)
	return newStack(b.nextID.Add(1), b.size)
}

func (b *budget) stats(idle int64) Stats {
	live := b.live.Load()
	return Stats{
		Live:    live,
		Idle:    idle,
		Created: b.created.Load(),
		Reused:  b.reused.Load(),
		Bytes:   live * b.size,
	}
}

// OnDemand creates a fresh stack for every allocation and releases it as soon
// as it is returned.
type OnDemand struct {
	budget
}

// NewOnDemand returns an on-demand allocator. It panics on a negative config.
func NewOnDemand(cfg Config) *OnDemand {
	a := &OnDemand{}
	a.init(cfg.normalize())
	return a
}

// Allocate implements Allocator.
func (a *OnDemand) Allocate() (*Stack, error) {
	if err := a.charge(); err != nil {
		return nil, err
	}
	return a.create(), nil
}

// Deallocate implements Allocator.
func (a *OnDemand) Deallocate(s *Stack) {
	s.release()
	a.refund()
}

// Close implements Allocator.
func (a *OnDemand) Close() {
	a.closed.Store(true)
}

// Stats implements Allocator.
func (a *OnDemand) Stats() Stats {
	return a.stats(0)
}

// Pooled keeps returned stacks on a free list and hands them out again before
// creating new ones.
type Pooled struct {
	budget
	maxIdle int

	mu   sync.Mutex
	free []*Stack
}

// NewPooled returns a pooled allocator. It panics on a negative config.
func NewPooled(cfg Config) *Pooled {
	cfg = cfg.normalize()
	a := &Pooled{maxIdle: cfg.MaxIdle}
	a.init(cfg)
	return a
}

// Allocate implements Allocator.
func (a *Pooled) Allocate() (*Stack, error) {
	if err := a.charge(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free[n-1] = nil
		a.free = a.free[:n-1]
		a.mu.Unlock()
		a.reused.Add(1)
		return s, nil
	}
	a.mu.Unlock()

	return a.create(), nil
}

// Deallocate implements Allocator.
func (a *Pooled) Deallocate(s *Stack) {
	a.refund()

	a.mu.Lock()
	if !a.closed.Load() && len(a.free) < a.maxIdle {
		a.free = append(a.free, s)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	s.release()
}

// Close releases every idle stack. Stacks still live are released when they
// are returned.
func (a *Pooled) Close() {
	a.mu.Lock()
	a.closed.Store(true)
	free := a.free
	a.free = nil
	a.mu.Unlock()

	for _, s := range free {
		s.release()
	}
}

// Stats implements Allocator.
func (a *Pooled) Stats() Stats {
	a.mu.Lock()
	idle := int64(len(a.free))
	a.mu.Unlock()
	return a.stats(idle)
}
