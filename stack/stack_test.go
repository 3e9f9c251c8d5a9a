package stack

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchPingPong(t *testing.T) {
	a := NewOnDemand(Config{})
	s, err := a.Allocate()
	require.NoError(t, err)

	main := NewContext()
	var trail []int

	var self *Context
	self = Create(s, func(first Transfer) (*Context, any) {
		caller, n := first.From, first.Data.(int)
		for n < 5 {
			trail = append(trail, n)
			tr := self.Switch(caller, n+1)
			caller, n = tr.From, tr.Data.(int)
		}
		return caller, -1
	})

	n := 0
	for {
		tr := main.Switch(self, n)
		v := tr.Data.(int)
		if v < 0 {
			break
		}
		trail = append(trail, -v)
		n = v + 1
	}
	a.Deallocate(s)

	assert.Equal(t, []int{0, -1, 2, -3, 4, -5}, trail)
	assert.Equal(t, int64(0), a.Stats().Live)
}

func TestCreateTwicePanics(t *testing.T) {
	a := NewPooled(Config{})
	defer a.Close()

	s, err := a.Allocate()
	require.NoError(t, err)

	main := NewContext()
	ctx := Create(s, func(first Transfer) (*Context, any) { return first.From, nil })

	assert.Panics(t, func() {
		Create(s, func(first Transfer) (*Context, any) { return first.From, nil })
	})

	main.Switch(ctx, nil)
	a.Deallocate(s)
}

func TestDiscardSkipsEntryAndFreesStack(t *testing.T) {
	a := NewPooled(Config{})
	defer a.Close()

	s, err := a.Allocate()
	require.NoError(t, err)

	ran := false
	ctx := Create(s, func(first Transfer) (*Context, any) {
		ran = true
		return first.From, nil
	})
	Discard(ctx)
	assert.False(t, ran)
	a.Deallocate(s)

	again, err := a.Allocate()
	require.NoError(t, err)
	require.Same(t, s, again)

	main := NewContext()
	ctx = Create(again, func(first Transfer) (*Context, any) { return first.From, "second" })
	got := main.Switch(ctx, nil)
	assert.Equal(t, "second", got.Data)
	a.Deallocate(again)
}

func TestOnStack(t *testing.T) {
	assert.False(t, OnStack())

	a := NewOnDemand(Config{})
	s, err := a.Allocate()
	require.NoError(t, err)

	var nested func(depth int) bool
	nested = func(depth int) bool {
		if depth == 0 {
			return OnStack()
		}
		return nested(depth - 1)
	}

	main := NewContext()
	ctx := Create(s, func(first Transfer) (*Context, any) {
		return first.From, [2]bool{OnStack(), nested(200)}
	})
	got := main.Switch(ctx, nil).Data.([2]bool)
	assert.True(t, got[0])
	assert.True(t, got[1], "found below deep recursion")
	a.Deallocate(s)
}

func TestPooledReuse(t *testing.T) {
	a := NewPooled(Config{Size: 64 << 10})
	defer a.Close()

	main := NewContext()
	var first *Stack
	for i := 0; i < 10; i++ {
		s, err := a.Allocate()
		require.NoError(t, err)
		if first == nil {
			first = s
		}
		ctx := Create(s, func(tr Transfer) (*Context, any) { return tr.From, i })
		got := main.Switch(ctx, nil)
		assert.Equal(t, i, got.Data)
		a.Deallocate(s)
	}

	st := a.Stats()
	assert.Equal(t, int64(1), st.Created, "a single stack should serve sequential contexts")
	assert.Equal(t, int64(9), st.Reused)
	assert.Equal(t, int64(1), st.Idle)
	assert.Equal(t, int64(0), st.Live)
	assert.Equal(t, int64(10), first.Uses())
}

func TestOnDemandCreatesFreshStacks(t *testing.T) {
	a := NewOnDemand(Config{})
	main := NewContext()
	for i := 0; i < 3; i++ {
		s, err := a.Allocate()
		require.NoError(t, err)
		ctx := Create(s, func(tr Transfer) (*Context, any) { return tr.From, nil })
		main.Switch(ctx, nil)
		a.Deallocate(s)
	}
	st := a.Stats()
	assert.Equal(t, int64(3), st.Created)
	assert.Equal(t, int64(0), st.Reused)
	assert.Equal(t, int64(0), st.Live)
}

func TestBudgetExhaustion(t *testing.T) {
	for _, kind := range []Kind{KindPooled, KindOnDemand} {
		t.Run(kind.String(), func(t *testing.T) {
			a := New(kind, Config{Size: 1024, MaxBytes: 2048})
			defer a.Close()

			s1, err := a.Allocate()
			require.NoError(t, err)
			s2, err := a.Allocate()
			require.NoError(t, err)

			_, err = a.Allocate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrExhausted))
			assert.Equal(t, int64(2048), a.Stats().Bytes)

			a.Deallocate(s1)
			s3, err := a.Allocate()
			require.NoError(t, err, "returned stack should free budget")

			a.Deallocate(s2)
			a.Deallocate(s3)
			assert.Equal(t, int64(0), a.Stats().Live)
		})
	}
}

func TestAllocateAfterClose(t *testing.T) {
	a := NewPooled(Config{})
	a.Close()
	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentAllocate(t *testing.T) {
	a := NewPooled(Config{MaxIdle: 4})
	defer a.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			main := NewContext()
			for i := 0; i < 200; i++ {
				s, err := a.Allocate()
				if err != nil {
					t.Error(err)
					return
				}
				ctx := Create(s, func(tr Transfer) (*Context, any) { return tr.From, nil })
				main.Switch(ctx, nil)
				a.Deallocate(s)
			}
		}()
	}
	wg.Wait()

	st := a.Stats()
	assert.Equal(t, int64(0), st.Live)
	assert.LessOrEqual(t, st.Idle, int64(4))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("on-demand")
	require.NoError(t, err)
	assert.Equal(t, KindOnDemand, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindPooled, k)

	_, err = ParseKind("mmap")
	assert.Error(t, err)
}

func TestNegativeConfigPanics(t *testing.T) {
	assert.Panics(t, func() { NewPooled(Config{Size: -1}) })
}
