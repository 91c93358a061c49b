package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_CoalescesConcurrentCallers(t *testing.T) {
	var g Group[string, int]

	var calls atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{})

	fn := func(_ context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release

		return 42, nil
	}

	const callers = 20

	var wg sync.WaitGroup

	results := make([]int, callers)
	shared := make([]bool, callers)

	// First caller starts the work; the rest join once it is in flight.
	wg.Add(1)

	go func() {
		defer wg.Done()

		v, s, err := g.Do(context.Background(), "k", fn)
		assert.NoError(t, err)

		results[0], shared[0] = v, s
	}()

	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			v, s, err := g.Do(context.Background(), "k", fn)
			assert.NoError(t, err)

			results[i], shared[i] = v, s
		}(i)
	}

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()

		c := g.calls["k"]

		return c != nil && c.dups == callers-1
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for i := range callers {
		assert.Equal(t, 42, results[i])
		assert.True(t, shared[i])
	}
}

func TestDo_EntryRemovedAfterSettlement(t *testing.T) {
	var g Group[string, int]

	var calls atomic.Int32

	fn := func(_ context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	v1, shared, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.False(t, shared)
	assert.False(t, g.InFlight("k"))

	v2, _, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}

func TestDo_ErrorSettlesAndClears(t *testing.T) {
	var g Group[string, int]

	boom := errors.New("boom")

	_, _, err := g.Do(context.Background(), "k", func(_ context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	v, _, err := g.Do(context.Background(), "k", func(_ context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_DistinctKeysRunIndependently(t *testing.T) {
	var g Group[int, int]

	var calls atomic.Int32

	var wg sync.WaitGroup

	for k := range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			v, _, err := g.Do(context.Background(), k, func(_ context.Context) (int, error) {
				calls.Add(1)
				return k * 10, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, k*10, v)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(5), calls.Load())
}

func TestCancel_SignalsInFlightWork(t *testing.T) {
	var g Group[string, int]

	started := make(chan struct{})

	errCh := make(chan error, 1)

	go func() {
		_, _, err := g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()

			return 0, ctx.Err()
		})
		errCh <- err
	}()

	<-started
	g.Cancel("k")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not reach in-flight work")
	}

	assert.False(t, g.InFlight("k"))
}

func TestCancelAll(t *testing.T) {
	var g Group[string, int]

	var wg sync.WaitGroup

	var started sync.WaitGroup

	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		started.Add(1)

		go func() {
			defer wg.Done()

			_, _, err := g.Do(context.Background(), key, func(ctx context.Context) (int, error) {
				started.Done()
				<-ctx.Done()

				return 0, ctx.Err()
			})
			assert.ErrorIs(t, err, context.Canceled)
		}()
	}

	started.Wait()
	g.CancelAll()
	wg.Wait()
}

func TestDo_CallerContextOnlyStopsWaiting(t *testing.T) {
	var g Group[string, int]

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		v, _, err := g.Do(context.Background(), "k", func(_ context.Context) (int, error) {
			close(started)
			<-release

			return 9, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 9, v)
	}()

	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := g.Do(ctx, "k", func(_ context.Context) (int, error) {
		t.Fatal("duplicate caller must not start new work")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, g.InFlight("k"))

	close(release)
	require.Eventually(t, func() bool { return !g.InFlight("k") }, time.Second, time.Millisecond)
}

func TestDo_PanicBecomesError(t *testing.T) {
	var g Group[string, int]

	_, _, err := g.Do(context.Background(), "k", func(_ context.Context) (int, error) {
		panic("kaboom")
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.False(t, g.InFlight("k"))
}

func TestDo_DoneContextStartsNoWork(t *testing.T) {
	var g Group[string, int]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32

	_, shared, err := g.Do(ctx, "k", func(context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, shared)
	assert.False(t, g.InFlight("k"))

	// Give a wrongly started goroutine the chance to run.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
