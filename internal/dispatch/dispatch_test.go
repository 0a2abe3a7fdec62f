package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, opts ...Option[int]) *Dispatcher[int] {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	opts = append([]Option[int]{WithLogger[int](logger)}, opts...)
	d := New(0, func(a, b int) bool { return a == b }, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func add(n int) ActionFunc[int] {
	return func(s int) (int, error) { return s + n, nil }
}

func set(n int) ActionFunc[int] {
	return func(int) (int, error) { return n, nil }
}

func await(t *testing.T, done <-chan error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Await(ctx, done)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "operation never completed")
	return err
}

func collect(sub *Subscription[int], n int, timeout time.Duration) []int {
	var got []int
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case c := <-sub.C:
			got = append(got, c.Next)
		case <-deadline:
			return got
		}
	}
	return got
}

type creatorFunc struct {
	prepare func(int) int
	resolve func(ctx context.Context, s int, emit func(int)) error
	key     string
}

func (c *creatorFunc) Resolve(ctx context.Context, s int, emit func(int)) error {
	return c.resolve(ctx, s, emit)
}

type preparingCreator struct{ *creatorFunc }

func (c preparingCreator) Prepare(s int) int { return c.prepare(s) }

type keyedCreator struct{ *creatorFunc }

func (c keyedCreator) SupersedeKey() string { return c.key }

func TestDispatchAppliesInOrder(t *testing.T) {
	d := newTestDispatcher(t)
	sub := d.Subscribe()
	defer d.Unsubscribe(sub)

	var last <-chan error
	for i := 1; i <= 5; i++ {
		last = d.Dispatch(set(i))
	}
	require.NoError(t, await(t, last))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, collect(sub, 5, time.Second))
	assert.Equal(t, 5, d.State())
}

func TestConcurrentDispatchIsSerialized(t *testing.T) {
	d := newTestDispatcher(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-d.Dispatch(add(1))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, d.State())
}

func TestIdenticalStateIsNotBroadcast(t *testing.T) {
	d := newTestDispatcher(t)
	sub := d.Subscribe()
	defer d.Unsubscribe(sub)

	require.NoError(t, await(t, d.Dispatch(set(0))))
	require.NoError(t, await(t, d.Dispatch(set(3))))
	require.NoError(t, await(t, d.Dispatch(set(3))))

	assert.Equal(t, []int{3}, collect(sub, 2, 100*time.Millisecond))
}

func TestActionErrorIsSurfaced(t *testing.T) {
	d := newTestDispatcher(t)
	boom := errors.New("boom")

	var hookErr error
	var hookName string
	d.OnError(func(name string, err error) {
		hookName = name
		hookErr = err
	})

	require.NoError(t, await(t, d.Dispatch(set(7))))
	err := await(t, d.Dispatch(ActionFunc[int](func(int) (int, error) { return 99, boom })))

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 7, d.State(), "failed action must leave the snapshot untouched")
	assert.ErrorIs(t, hookErr, boom)
	assert.Equal(t, "ActionFunc", hookName)
}

func TestPanickingActionDoesNotStopLoop(t *testing.T) {
	d := newTestDispatcher(t)

	err := await(t, d.Dispatch(ActionFunc[int](func(int) (int, error) { panic("kaput") })))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")

	require.NoError(t, await(t, d.Dispatch(set(1))))
	assert.Equal(t, 1, d.State())
}

func TestCreatorPrepareThenEmits(t *testing.T) {
	d := newTestDispatcher(t)
	sub := d.Subscribe()
	defer d.Unsubscribe(sub)

	c := preparingCreator{&creatorFunc{
		prepare: func(s int) int { return s + 1 },
		resolve: func(ctx context.Context, s int, emit func(int)) error {
			emit(s + 10)
			emit(s + 10) // duplicate is discarded
			emit(s + 20)
			return nil
		},
	}}
	require.NoError(t, await(t, d.DispatchCreator(c)))

	assert.Equal(t, []int{1, 11, 21}, collect(sub, 3, time.Second))
}

func TestCreatorBlocksLaterOperations(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})

	c := &creatorFunc{resolve: func(ctx context.Context, s int, emit func(int)) error {
		<-release
		emit(100)
		return nil
	}}
	first := d.DispatchCreator(c)
	second := d.Dispatch(add(1))

	select {
	case <-second:
		t.Fatal("action ran while creator was resolving")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, await(t, first))
	require.NoError(t, await(t, second))
	assert.Equal(t, 101, d.State())
}

func TestNewerCreatorSupersedesInflight(t *testing.T) {
	d := newTestDispatcher(t)
	started := make(chan struct{})

	slow := keyedCreator{&creatorFunc{key: "prepare", resolve: func(ctx context.Context, s int, emit func(int)) error {
		close(started)
		<-ctx.Done()
		emit(-1)
		return ctx.Err()
	}}}
	fast := keyedCreator{&creatorFunc{key: "prepare", resolve: func(ctx context.Context, s int, emit func(int)) error {
		emit(42)
		return nil
	}}}

	first := d.DispatchCreator(slow)
	<-started
	second := d.DispatchCreator(fast)

	require.ErrorIs(t, await(t, first), context.Canceled)
	require.NoError(t, await(t, second))
	assert.Equal(t, 42, d.State())
}

func TestQueuedCreatorIsSupersededBeforeStarting(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})

	blocker := &creatorFunc{resolve: func(ctx context.Context, s int, emit func(int)) error {
		<-release
		return nil
	}}
	queued := keyedCreator{&creatorFunc{key: "k", resolve: func(ctx context.Context, s int, emit func(int)) error {
		emit(1)
		return nil
	}}}
	newer := keyedCreator{&creatorFunc{key: "k", resolve: func(ctx context.Context, s int, emit func(int)) error {
		emit(2)
		return nil
	}}}

	d.DispatchCreator(blocker)
	first := d.DispatchCreator(queued)
	second := d.DispatchCreator(newer)
	close(release)

	require.ErrorIs(t, await(t, first), context.Canceled)
	require.NoError(t, await(t, second))
	assert.Equal(t, 2, d.State())
}

func TestCreatorTimeout(t *testing.T) {
	d := newTestDispatcher(t, WithTimeout[int](20*time.Millisecond))

	stuck := &creatorFunc{resolve: func(ctx context.Context, s int, emit func(int)) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	require.ErrorIs(t, await(t, d.DispatchCreator(stuck)), context.DeadlineExceeded)

	require.NoError(t, await(t, d.Dispatch(set(5))))
	assert.Equal(t, 5, d.State())
}

func TestRunTwice(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, await(t, d.Dispatch(set(1)))) // loop is up
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)
}

func TestStoppedDispatcherFailsQueuedOperations(t *testing.T) {
	d := New(0, func(a, b int) bool { return a == b })
	done := d.Dispatch(set(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)

	assert.ErrorIs(t, await(t, done), ErrStopped)
}
