// Package reactor provides the timers, completions and the dispatch gate
// shared by the job stream and the recovery orchestrator. Each long
// running activity (a job stream turn, a recovery run) is its own
// goroutine; the reactor only coordinates them.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Constants
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// Common errors
var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrTimeout       = errors.New("reactor: operation timed out")
)

// TimerCallback is called when a timer fires.
// The callback receives the event time and returns the next wake time.
// Return NEVER to park the timer.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer.
type Timer struct {
	id        uint64
	callback  TimerCallback
	waketime  float64
	isRunning bool
	mu        sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion represents an async operation that will complete with a result.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on completion.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Complete sets the completion result and wakes any waiters.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or the timeout expires.
// Returns the result or timeoutResult if the timeout expires.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.result
	case <-timer.C:
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// WaitContext blocks until the completion is done or ctx ends.
func (c *Completion) WaitContext(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.reactor.ctx.Done():
		return nil, ErrReactorClosed
	}
}

// Mutex is the dispatch gate. The job stream tests it between lines and
// yields while another activity holds it.
type Mutex struct {
	mu       sync.Mutex
	isLocked bool
	waiters  []chan struct{}
}

// Lock acquires the mutex.
func (m *Mutex) Lock() {
	m.mu.Lock()
	if !m.isLocked {
		m.isLocked = true
		m.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	<-ch
}

// TryLock acquires the mutex if it is free.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isLocked {
		return false
	}
	m.isLocked = true
	return true
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.waiters) > 0 {
		// Ownership passes straight to the first waiter
		ch := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(ch)
	} else {
		m.isLocked = false
	}
}

// Test returns true if the mutex is currently locked.
func (m *Mutex) Test() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLocked
}

// Reactor manages timers and spawned activities.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64
	kick        chan struct{}

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
	spawned sync.WaitGroup

	startTime time.Time
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		timers:    make([]*Timer, 0),
		nextWake:  NEVER,
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// Context is cancelled when the reactor ends.
func (r *Reactor) Context() context.Context {
	return r.ctx
}

// RegisterTimer registers a new timer with the given callback and wake time.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.timers = append(r.timers, timer)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	r.wake()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer updates a timer's wake time.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.isRunning {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Completion creates a new Completion object.
func (r *Reactor) Completion() *Completion {
	return &Completion{
		reactor: r,
		done:    make(chan struct{}),
	}
}

// NewMutex creates a new dispatch gate.
func (r *Reactor) NewMutex(isLocked bool) *Mutex {
	return &Mutex{
		isLocked: isLocked,
	}
}

// Pause sleeps until the given wake time. It returns early when the
// reactor ends.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}

	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}

	delay := time.Duration((waketime - now) * float64(time.Second))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Spawn runs fn on its own goroutine and returns a completion holding
// its result. Spawned activities are tracked so End can wait for them.
func (r *Reactor) Spawn(fn func(ctx context.Context) interface{}) *Completion {
	c := r.Completion()
	r.spawned.Add(1)
	go func() {
		defer r.spawned.Done()
		c.Complete(fn(r.ctx))
	}()
	return c
}

// WaitFor suspends the caller until cond returns true, polling every
// interval. It fails with ErrTimeout once timeout elapses (zero means no
// timeout) and with the context error when ctx ends.
func (r *Reactor) WaitFor(ctx context.Context, cond func() bool, interval, timeout time.Duration) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-ticker.C:
			if cond() {
				return nil
			}
		case <-deadline:
			if cond() {
				return nil
			}
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrReactorClosed
		}
	}
}

// Run starts the timer dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}

	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait waits for the dispatch loop and spawned activities to stop.
func (r *Reactor) Wait() {
	r.wg.Wait()
	r.spawned.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		timeout := r.checkTimers(r.Monotonic())

		if timeout > 0 {
			delay := time.Duration(timeout * float64(time.Second))
			if delay > time.Second {
				delay = time.Second
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-r.kick:
			case <-r.ctx.Done():
				timer.Stop()
				return
			}
			timer.Stop()
		}
	}
}

// checkTimers fires due timers and returns the time until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		if eventtime >= timer.waketime {
			timer.waketime = NEVER
			timer.isRunning = true
			timer.mu.Unlock()

			newWaketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.isRunning = false
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime := timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	return delay
}
