package stackful

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baxromumarov/stackful/stack"
	"github.com/baxromumarov/stackful/trace"
)

// EnvMaxConcurrency overrides the default worker count when set to a
// positive integer.
const EnvMaxConcurrency = "STACKFUL_MAX_CONCURRENCY"

// Discipline selects the order in which a worker takes fibers from its own
// deque. Thieves always take the oldest fiber.
type Discipline int

const (
	// LIFOLocal runs the most recently spawned local fiber first.
	LIFOLocal Discipline = iota
	// FIFOLocal runs local fibers in spawn order.
	FIFOLocal
)

func (d Discipline) String() string {
	switch d {
	case LIFOLocal:
		return "lifo"
	case FIFOLocal:
		return "fifo"
	default:
		return "unknown"
	}
}

// Hint tells the scheduler where a fiber may run.
type Hint uint8

const (
	// Migrate lets any worker run the fiber; idle workers may steal it.
	Migrate Hint = iota
	// Pinned keeps the fiber on the worker that spawned it. Fibers pinned
	// from outside the pool are assigned a worker round-robin.
	Pinned
)

func (h Hint) String() string {
	switch h {
	case Migrate:
		return "migrate"
	case Pinned:
		return "pinned"
	default:
		return "unknown"
	}
}

type config struct {
	workers         int
	discipline      Discipline
	stackKind       stack.Kind
	stackCfg        stack.Config
	allocator       stack.Allocator
	sink            trace.Sink
	logger          zerolog.Logger
	onMetrics       func(PoolStats)
	metricsInterval time.Duration
	onStall         func(StalledFiber)
	stallThreshold  time.Duration
}

// Option configures a [Pool].
type Option func(*config)

func defaultConfig() config {
	return config{
		workers:    defaultWorkers(),
		discipline: LIFOLocal,
		stackKind:  stack.KindPooled,
		logger:     zerolog.Nop(),
	}
}

func defaultWorkers() int {
	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrency)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.GOMAXPROCS(0)
}

// WithWorkers sets the number of workers. It panics if n <= 0.
func WithWorkers(n int) Option {
	if n <= 0 {
		panic("stackful: WithWorkers requires n > 0")
	}
	return func(c *config) {
		c.workers = n
	}
}

// WithDiscipline sets the local queue discipline.
// It panics if d is not a known Discipline value.
func WithDiscipline(d Discipline) Option {
	switch d {
	case LIFOLocal, FIFOLocal:
	default:
		panic("stackful: invalid discipline")
	}
	return func(c *config) {
		c.discipline = d
	}
}

// WithStackSize sets the number of bytes charged per fiber stack.
// It panics if size <= 0.
func WithStackSize(size int64) Option {
	if size <= 0 {
		panic("stackful: WithStackSize requires size > 0")
	}
	return func(c *config) {
		c.stackCfg.Size = size
	}
}

// WithStackAllocator selects the built-in allocator implementation.
func WithStackAllocator(kind stack.Kind) Option {
	switch kind {
	case stack.KindPooled, stack.KindOnDemand:
	default:
		panic("stackful: invalid stack allocator")
	}
	return func(c *config) {
		c.stackKind = kind
	}
}

// WithMaxStackBytes caps the bytes charged for live fiber stacks. Spawning
// beyond the cap fails with [ErrStackExhausted]. Zero means unlimited.
// It panics if n < 0.
func WithMaxStackBytes(n int64) Option {
	if n < 0 {
		panic("stackful: WithMaxStackBytes requires n >= 0")
	}
	return func(c *config) {
		c.stackCfg.MaxBytes = n
	}
}

// WithMaxIdleStacks caps how many finished stacks a pooled allocator keeps.
// It panics if n < 0.
func WithMaxIdleStacks(n int) Option {
	if n < 0 {
		panic("stackful: WithMaxIdleStacks requires n >= 0")
	}
	return func(c *config) {
		c.stackCfg.MaxIdle = n
	}
}

// WithAllocator supplies the stack allocator. The pool does not close an
// allocator it did not create, so one allocator can back several pools.
func WithAllocator(a stack.Allocator) Option {
	if a == nil {
		panic("stackful: WithAllocator requires a non-nil allocator")
	}
	return func(c *config) {
		c.allocator = a
	}
}

// WithSink registers a sink for lifecycle events.
func WithSink(s trace.Sink) Option {
	return func(c *config) {
		c.sink = s
	}
}

// WithLogger sets the logger used for pool lifecycle messages.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics registers a callback that receives a [PoolStats] snapshot every
// interval until the pool is closed.
//
// Panics if interval <= 0 or fn is nil.
func WithMetrics(interval time.Duration, fn func(PoolStats)) Option {
	if interval <= 0 {
		panic("stackful: WithMetrics requires interval > 0")
	}
	if fn == nil {
		panic("stackful: WithMetrics requires non-nil callback")
	}
	return func(c *config) {
		c.onMetrics = fn
		c.metricsInterval = interval
	}
}

// WithStallDetector reports fibers that keep a worker busy for longer than
// threshold without reaching a yield point. fn runs at most once per resume
// of the offending fiber, on a separate goroutine.
//
// Panics if threshold <= 0 or fn is nil.
func WithStallDetector(threshold time.Duration, fn func(StalledFiber)) Option {
	if threshold <= 0 {
		panic("stackful: WithStallDetector requires threshold > 0")
	}
	if fn == nil {
		panic("stackful: WithStallDetector requires non-nil callback")
	}
	return func(c *config) {
		c.onStall = fn
		c.stallThreshold = threshold
	}
}

type spawnConfig struct {
	name  string
	hint  Hint
	token *Token
}

// SpawnOption configures a single spawned fiber.
type SpawnOption func(*spawnConfig)

// WithName names the fiber in errors, traces and leak reports.
func WithName(name string) SpawnOption {
	return func(c *spawnConfig) {
		c.name = name
	}
}

// WithHint sets the scheduling hint of the fiber.
func WithHint(h Hint) SpawnOption {
	return func(c *spawnConfig) {
		c.hint = h
	}
}

// WithToken derives the fiber's token from parent instead of a fresh root.
// It only applies where the fiber has no enclosing structure, that is
// [SyncWait] and [Pool.Submit].
func WithToken(parent *Token) SpawnOption {
	return func(c *spawnConfig) {
		c.token = parent
	}
}

func buildSpawnConfig(def string, opts []SpawnOption) spawnConfig {
	cfg := spawnConfig{name: def}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
