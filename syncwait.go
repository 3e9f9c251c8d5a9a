package stackful

import "github.com/baxromumarov/stackful/stack"

// SyncWait runs fn on a new fiber of p and blocks the calling goroutine until
// it completes. It returns exactly the value and error fn returned; a panic
// in fn is returned as a [*PanicError].
//
// SyncWait is the bridge from ordinary code into the pool. It must not be
// called from inside a fiber, where it would block a worker for as long as
// fn runs and deadlock a pool with one worker. It detects that case and
// returns a [*MisuseError] without running fn. Inside a fiber use [Spawn]
// and [Future.Await], which suspend the fiber instead.
func SyncWait[T any](p *Pool, fn func(fc *Fiber) (T, error), opts ...SpawnOption) (T, error) {
	if fn == nil {
		panic("stackful: SyncWait requires a non-nil function")
	}
	if stack.OnStack() {
		var zero T
		return zero, misuse("SyncWait", "called from inside a fiber; use Spawn and Future.Await")
	}
	cfg := buildSpawnConfig("", opts)

	var token *Token
	if cfg.token != nil {
		token = cfg.token.Child()
	}

	var (
		value T
		err   error
		jp    joinPoint
	)
	jp.init()
	jp.ch = make(chan struct{})
	jp.add()

	_, spawnErr := p.spawn(spawnSpec{
		name:  cfg.name,
		hint:  cfg.hint,
		token: token,
		entry: func(fc *Fiber) error {
			v, err := fn(fc)
			value = v
			return err
		},
		done: func(f *Fiber, w *worker) {
			err = f.err
			jp.arrive(w)
		},
	})
	if spawnErr != nil {
		var zero T
		return zero, spawnErr
	}

	jp.waitExternal()
	return value, err
}
