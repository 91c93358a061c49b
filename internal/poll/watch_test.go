package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	cur, prev int
}

func TestWatch_ReportsOnlyChanges(t *testing.T) {
	values := []int{1, 1, 2, 2, 2, 3}

	var (
		idx     int
		changes []change
	)

	err := Watch(context.Background(), func(context.Context) (int, error) {
		v := values[min(idx, len(values)-1)]
		idx++

		return v, nil
	}, func(cur, prev int) bool {
		changes = append(changes, change{cur, prev})
		return cur != 3
	}, WatchConfig[int]{Interval: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, []change{{1, 0}, {2, 1}, {3, 2}}, changes)
	assert.Equal(t, len(values), idx)
}

func TestWatch_FirstObservationAlwaysTriggers(t *testing.T) {
	var triggered bool

	err := Watch(context.Background(), func(context.Context) (int, error) {
		return 0, nil
	}, func(cur, prev int) bool {
		triggered = true
		return false
	}, WatchConfig[int]{Interval: time.Millisecond})

	require.NoError(t, err)
	assert.True(t, triggered)
}

func TestWatch_CustomEqual(t *testing.T) {
	type status struct {
		State   string
		Updated time.Time
	}

	var (
		n       int
		changes int
	)

	err := Watch(context.Background(), func(context.Context) (status, error) {
		n++
		state := "RUNNING"
		if n >= 4 {
			state = "DONE"
		}

		return status{State: state, Updated: time.Now()}, nil
	}, func(cur, _ status) bool {
		changes++
		return cur.State != "DONE"
	}, WatchConfig[status]{
		Interval: time.Millisecond,
		Equal:    func(a, b status) bool { return a.State == b.State },
	})

	require.NoError(t, err)
	assert.Equal(t, 2, changes)
	assert.Equal(t, 4, n)
}

func TestWatch_CancellationReturnsNil(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var fetches atomic.Int32

	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, func(context.Context) (int, error) {
			fetches.Add(1)
			return 1, nil
		}, func(int, int) bool { return true }, WatchConfig[int]{Interval: time.Hour})
	}()

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	assert.Equal(t, int32(1), fetches.Load())
}

func TestWatch_WakeupTriggersImmediateFetch(t *testing.T) {
	wake := make(chan struct{}, 1)

	var fetches atomic.Int32

	done := make(chan error, 1)

	go func() {
		done <- Watch(context.Background(), func(context.Context) (int32, error) {
			return fetches.Add(1), nil
		}, func(cur, _ int32) bool { return cur < 2 }, WatchConfig[int32]{Interval: time.Hour, Wakeup: wake})
	}()

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond)
	wake <- struct{}{}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wakeup did not trigger a fetch")
	}
}

func TestWatch_GivesUpAfterConsecutiveErrors(t *testing.T) {
	boom := errors.New("fetch failed")

	var fetches int

	err := Watch(context.Background(), func(context.Context) (int, error) {
		fetches++
		return 0, boom
	}, func(int, int) bool { return true }, WatchConfig[int]{
		Interval:             time.Millisecond,
		MaxErrorBackoff:      2 * time.Millisecond,
		MaxConsecutiveErrors: 3,
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, fetches)
}

func TestWatch_ErrorsThenRecovery(t *testing.T) {
	var fetches int

	err := Watch(context.Background(), func(context.Context) (int, error) {
		fetches++
		if fetches <= 2 {
			return 0, errors.New("transient")
		}

		return 5, nil
	}, func(cur, prev int) bool {
		assert.Equal(t, 5, cur)
		assert.Equal(t, 0, prev)

		return false
	}, WatchConfig[int]{Interval: time.Millisecond, MaxErrorBackoff: time.Millisecond, MaxConsecutiveErrors: 5})

	require.NoError(t, err)
	assert.Equal(t, 3, fetches)
}
