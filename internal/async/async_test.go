package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T, workers int) *Engine {
	e := NewEngine(workers, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, e.Shutdown(ctx))
	})
	return e
}

func TestHandleSingleAssignment(t *testing.T) {
	p := NewPromise[int]()
	var got []int
	p.Handle().OnComplete(func(v int, _ error) { got = append(got, v) })
	assert.True(t, p.Resolve(1))
	assert.False(t, p.Resolve(2))
	assert.False(t, p.Reject(errors.New("late")))

	v, err := p.Handle().Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	p.Handle().OnComplete(func(v int, _ error) { got = append(got, v*10) })
	assert.Equal(t, []int{1, 10}, got)
}

func TestPeek(t *testing.T) {
	p := NewPromise[int]()
	_, ok, err := p.Handle().Peek()
	assert.False(t, ok)
	assert.NoError(t, err)

	boom := errors.New("boom")
	p.Reject(boom)
	_, ok, err = p.Handle().Peek()
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)

	v, ok, err := Resolved(7).Peek()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestAwaitTimeoutDoesNotBlock(t *testing.T) {
	p := NewPromise[string]()
	start := time.Now()
	_, err := p.Handle().AwaitTimeout(30 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Handle().Await(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestInvokeVariants(t *testing.T) {
	e := newEngine(t, 4)
	ctx := context.Background()

	v, err := Invoke(ctx, e, Direct(func(context.Context) (*string, error) { return nil, nil })).Await(ctx)
	require.NoError(t, err, "direct nil is passed through")
	assert.Nil(t, v)

	_, err = Invoke(ctx, e, Callback(func(_ context.Context, done func(*string, error)) {
		go done(nil, nil)
	})).Await(ctx)
	assert.True(t, errors.Is(err, ErrNullResult))

	s := "hello"
	got, err := Invoke(ctx, e, FromPromise(func(context.Context) *Promise[*string] {
		p := NewPromise[*string]()
		go p.Resolve(&s)
		return p
	})).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", *got)

	n, err := Invoke(ctx, e, Composable(func(context.Context) *Task[int] {
		return Map(Value(20), func(v int) (int, error) { return v + 1, nil })
	})).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 21, n)

	_, err = Invoke(ctx, e, Direct(func(context.Context) (int, error) { panic("boom") })).Await(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = Invoke[int](ctx, e, nil).Await(ctx)
	assert.True(t, errors.Is(err, ErrNullResult))
}

func TestTaskComposition(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()

	sum := FlatMap(Par(Value(1), Value(2), Value(3)), func(vs []int) *Task[int] {
		return NewTask("sum", func(context.Context) (int, error) {
			total := 0
			for _, v := range vs {
				total += v
			}
			return total, nil
		})
	})
	v, err := Run(ctx, e, sum).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	failing := Par(Value(1), Fail[int](errors.New("nope")))
	_, err = Run(ctx, e, failing).Await(ctx)
	assert.EqualError(t, err, "nope")

	recovered := Fail[int](errors.New("nope")).Recover(func(error) (int, error) { return 7, nil })
	v, err = Run(ctx, e, recovered).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestTaskWithTimeout(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()
	slow := NewTask("slow", func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(5 * time.Second):
			return 1, nil
		}
	}).WithTimeout(20 * time.Millisecond)
	_, err := Run(ctx, e, slow).Await(ctx)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestEngineSaturationRunsInline(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	var leaves []*Task[int]
	for i := 0; i < 8; i++ {
		leaves = append(leaves, NewTask(fmt.Sprint(i), func(context.Context) (int, error) { return i, nil }))
	}
	nested := Par(Par(leaves...), Par(leaves...))
	v, err := Run(ctx, e, nested).AwaitTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, v[0])
}

type lookup struct {
	mu    sync.Mutex
	calls [][]int
}

func (l *lookup) batcher(max int) Batcher[int, string] {
	return Batcher[int, string]{
		Op:      "lookup",
		MaxSize: max,
		Do: func(_ context.Context, reqs []int) []Outcome[string] {
			l.mu.Lock()
			l.calls = append(l.calls, append([]int(nil), reqs...))
			l.mu.Unlock()
			out := make([]Outcome[string], len(reqs))
			for i, r := range reqs {
				if r < 0 {
					out[i] = Failure[string](fmt.Errorf("negative %d", r))
					continue
				}
				out[i] = Ok(fmt.Sprintf("v%d", r))
			}
			return out
		},
	}
}

func TestGroupBatchesCalls(t *testing.T) {
	e := newEngine(t, 4)
	l := &lookup{}
	g := NewGroup(context.Background(), e, GroupOptions{})
	defer g.Close()

	var hs []*Handle[string]
	for i := 0; i < 7; i++ {
		hs = append(hs, Declare(g, l.batcher(3), i))
	}
	require.NoError(t, g.Execute())
	assert.EqualValues(t, 3, g.PhysicalCalls())

	for i, h := range hs {
		v, err := h.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.calls, 3)
	assert.Contains(t, l.calls, []int{6})
}

func TestGroupPrematureRead(t *testing.T) {
	l := &lookup{}
	g := NewGroup(context.Background(), nil, GroupOptions{})
	defer g.Close()

	h := Declare(g, l.batcher(10), 1)
	_, err := h.Await(context.Background())
	assert.True(t, errors.Is(err, ErrPrematureRead))
	_, err = h.AwaitTimeout(time.Second)
	assert.True(t, errors.Is(err, ErrPrematureRead))

	require.NoError(t, g.Execute())
	v, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestGroupPerItemFailure(t *testing.T) {
	l := &lookup{}
	err := RunGroup(context.Background(), nil, GroupOptions{}, func(g *Group) error {
		ok := Declare(g, l.batcher(5), 2)
		bad := Declare(g, l.batcher(5), -1)
		ok.OnComplete(func(v string, err error) {
			assert.NoError(t, err)
			assert.Equal(t, "v2", v)
		})
		bad.OnComplete(func(_ string, err error) {
			assert.EqualError(t, err, "negative -1")
		})
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, l.calls, 1)
}

func TestGroupLateDeclarationStartsNewBatch(t *testing.T) {
	l := &lookup{}
	g := NewGroup(context.Background(), nil, GroupOptions{})
	defer g.Close()
	Declare(g, l.batcher(2), 1)
	Declare(g, l.batcher(2), 2) // fills and dispatches
	late := Declare(g, l.batcher(2), 3)
	require.NoError(t, g.Execute())
	v, err := late.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v3", v)
	assert.EqualValues(t, 2, g.PhysicalCalls())
}

func TestGroupTimeoutExpiresPending(t *testing.T) {
	e := newEngine(t, 4)
	release := make(chan struct{})
	var slowCalls atomic.Int32
	slow := Batcher[int, int]{
		Op: "slow",
		Do: func(_ context.Context, reqs []int) []Outcome[int] {
			slowCalls.Add(1)
			<-release
			return make([]Outcome[int], len(reqs))
		},
	}
	fast := Batcher[int, int]{
		Op: "fast",
		Do: func(_ context.Context, reqs []int) []Outcome[int] {
			out := make([]Outcome[int], len(reqs))
			for i, r := range reqs {
				out[i] = Ok(r * 2)
			}
			return out
		},
	}
	g := NewGroup(context.Background(), e, GroupOptions{Timeout: 50 * time.Millisecond})
	done := Declare(g, fast, 4)
	pending := Declare(g, slow, 1)

	err := g.Execute()
	assert.True(t, errors.Is(err, ErrTimeout))
	g.Close()
	close(release)

	v, err := done.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, v)
	_, err = pending.Await(context.Background())
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.EqualValues(t, 1, slowCalls.Load())
}

func TestDeclareMismatchedTypes(t *testing.T) {
	g := NewGroup(context.Background(), nil, GroupOptions{})
	defer g.Close()
	Declare(g, Batcher[int, int]{Op: "x", Do: func(context.Context, []int) []Outcome[int] { return nil }}, 1)
	h := Declare(g, Batcher[string, int]{Op: "x"}, "a")
	_, err := h.Await(context.Background())
	require.Error(t, err)
}
