package stackful

import (
	"sync"
	"sync/atomic"
)

// deque is a Chase-Lev work-stealing deque. The owner pushes and pops at the
// bottom; thieves take from the top with a CAS. Ownership belongs to whatever
// is executing on the worker: the scheduling loop, or the fiber it switched
// into. Those never run at the same time.
type deque struct {
	top    atomic.Int64
	bottom atomic.Int64
	ring   atomic.Pointer[ring]
}

type ring struct {
	mask  int64
	slots []atomic.Pointer[Fiber]
}

func newRing(size int64) *ring {
	return &ring{mask: size - 1, slots: make([]atomic.Pointer[Fiber], size)}
}

func (r *ring) get(i int64) *Fiber { return r.slots[i&r.mask].Load() }
func (r *ring) put(i int64, f *Fiber) { r.slots[i&r.mask].Store(f) }

func (r *ring) grow(top, bottom int64) *ring {
	next := newRing(2 * (r.mask + 1))
	for i := top; i < bottom; i++ {
		next.put(i, r.get(i))
	}
	return next
}

func newDeque() *deque {
	d := &deque{}
	d.ring.Store(newRing(64))
	return d
}

// push adds f at the bottom. Owner only.
func (d *deque) push(f *Fiber) {
	b := d.bottom.Load()
	t := d.top.Load()
	r := d.ring.Load()
	if b-t > r.mask {
		r = r.grow(t, b)
		d.ring.Store(r)
	}
	r.put(b, f)
	d.bottom.Store(b + 1)
}

// pop removes the most recently pushed fiber. Owner only.
func (d *deque) pop() *Fiber {
	b := d.bottom.Load() - 1
	r := d.ring.Load()
	d.bottom.Store(b)
	t := d.top.Load()
	if t > b {
		d.bottom.Store(b + 1)
		return nil
	}
	f := r.get(b)
	if t == b {
		// Last element: race the thieves for it.
		if !d.top.CompareAndSwap(t, t+1) {
			f = nil
		}
		d.bottom.Store(b + 1)
	}
	return f
}

// steal removes the oldest fiber. Safe from any goroutine.
func (d *deque) steal() *Fiber {
	for {
		t := d.top.Load()
		b := d.bottom.Load()
		if t >= b {
			return nil
		}
		f := d.ring.Load().get(t)
		if d.top.CompareAndSwap(t, t+1) {
			return f
		}
	}
}

// popIf pops the most recently pushed fiber if accept wants it, and
// otherwise leaves the deque as it was. Owner only.
func (d *deque) popIf(accept func(*Fiber) bool) *Fiber {
	f := d.pop()
	if f != nil && !accept(f) {
		d.push(f)
		return nil
	}
	return f
}

// stealIf removes the oldest fiber if accept wants it.
func (d *deque) stealIf(accept func(*Fiber) bool) *Fiber {
	for {
		t := d.top.Load()
		b := d.bottom.Load()
		if t >= b {
			return nil
		}
		f := d.ring.Load().get(t)
		if f == nil || !accept(f) {
			return nil
		}
		if d.top.CompareAndSwap(t, t+1) {
			return f
		}
	}
}

func (d *deque) len() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// fifo is a mutex-guarded queue used for the injector and pinned inboxes,
// where producers are arbitrary goroutines.
type fifo struct {
	mu    sync.Mutex
	items []*Fiber
	head  int
	size  atomic.Int64
}

func (q *fifo) push(f *Fiber) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.size.Add(1)
	q.mu.Unlock()
}

func (q *fifo) pop() *Fiber {
	if q.size.Load() == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil
	}
	f := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.size.Add(-1)
	return f
}

func (q *fifo) drain() []*Fiber {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]*Fiber(nil), q.items[q.head:]...)
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	q.size.Store(0)
	return out
}

func (q *fifo) len() int {
	return int(q.size.Load())
}
