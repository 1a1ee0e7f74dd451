package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonic(t *testing.T) {
	r := New()
	defer r.End()

	t1 := r.Monotonic()
	time.Sleep(10 * time.Millisecond)
	t2 := r.Monotonic()

	assert.Greater(t, t2, t1)
	assert.GreaterOrEqual(t, t2-t1, 0.009)
}

func TestTimerRepeat(t *testing.T) {
	r := New()

	var called atomic.Int32
	r.RegisterTimer(func(eventtime float64) float64 {
		if called.Add(1) < 3 {
			return eventtime + 0.01
		}
		return NEVER
	}, NOW)
	r.Run()

	require.Eventually(t, func() bool { return called.Load() == 3 }, time.Second, 5*time.Millisecond)
	r.End()
	r.Wait()
	assert.Equal(t, int32(3), called.Load())
}

func TestUpdateTimerWakesLoop(t *testing.T) {
	r := New()
	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NEVER)
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), called.Load())

	r.UpdateTimer(timer, NOW)
	require.Eventually(t, func() bool { return called.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnregisterTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, r.Monotonic()+0.05)
	r.UnregisterTimer(timer)

	r.Run()
	time.Sleep(100 * time.Millisecond)
	r.End()
	r.Wait()

	assert.Equal(t, int32(0), called.Load())
}

func TestCompletion(t *testing.T) {
	r := New()
	defer r.End()

	comp := r.Completion()
	assert.False(t, comp.Test())

	comp.Complete("result")
	comp.Complete("ignored")

	assert.True(t, comp.Test())
	assert.Equal(t, "result", comp.Wait(time.Second, nil))
}

func TestCompletionWaitTimeout(t *testing.T) {
	r := New()
	defer r.End()

	start := time.Now()
	result := r.Completion().Wait(30*time.Millisecond, "timeout")

	assert.Equal(t, "timeout", result)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestCompletionWaitContext(t *testing.T) {
	r := New()
	defer r.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Completion().WaitContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpawn(t *testing.T) {
	r := New()

	comp := r.Spawn(func(ctx context.Context) interface{} {
		return 42
	})
	result, err := comp.WaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	r.End()
	r.Wait()
}

func TestSpawnObservesEnd(t *testing.T) {
	r := New()
	comp := r.Spawn(func(ctx context.Context) interface{} {
		<-ctx.Done()
		return "stopped"
	})
	r.End()
	r.Wait()
	assert.True(t, comp.Test())
}

func TestWaitFor(t *testing.T) {
	r := New()
	defer r.End()

	var ready atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
	}()

	err := r.WaitFor(context.Background(), ready.Load, 5*time.Millisecond, time.Second)
	assert.NoError(t, err)
}

func TestWaitForTimeout(t *testing.T) {
	r := New()
	defer r.End()

	err := r.WaitFor(context.Background(), func() bool { return false }, 5*time.Millisecond, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForCancelled(t *testing.T) {
	r := New()
	defer r.End()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.WaitFor(ctx, func() bool { return false }, 5*time.Millisecond, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPause(t *testing.T) {
	r := New()
	defer r.End()

	waketime := r.Monotonic() + 0.03
	assert.GreaterOrEqual(t, r.Pause(waketime), waketime-0.005)

	now := r.Monotonic()
	assert.GreaterOrEqual(t, r.Pause(now-1), now)
}

func TestMutex(t *testing.T) {
	r := New()
	defer r.End()

	m := r.NewMutex(false)
	assert.False(t, m.Test())

	m.Lock()
	assert.True(t, m.Test())
	assert.False(t, m.TryLock())

	m.Unlock()
	assert.False(t, m.Test())
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexHandoff(t *testing.T) {
	r := New()
	defer r.End()

	m := r.NewMutex(true)
	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		m.Lock()
		acquired.Store(true)
		m.Unlock()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load())

	m.Unlock()
	<-done
	assert.True(t, acquired.Load())
	assert.False(t, m.Test())
}
