package vmm

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/c35s/gkvisor/vcpu"
)

// Clock is the host timer source, in guest timebase ticks.
type Clock interface {
	Now() uint64

	// AfterFunc calls f in its own goroutine once Now reaches deadline. The
	// returned func cancels the call if it hasn't happened yet.
	AfterFunc(deadline uint64, f func()) (stop func() bool)
}

// HostClock ticks at Freq Hz from the time it was created.
type HostClock struct {
	Freq  uint64
	start time.Time
}

func NewHostClock(freq uint64) *HostClock {
	return &HostClock{Freq: freq, start: time.Now()}
}

func (c *HostClock) Now() uint64 {
	return c.ticks(time.Since(c.start))
}

func (c *HostClock) AfterFunc(deadline uint64, f func()) func() bool {
	var d time.Duration
	if now := c.Now(); deadline > now {
		d = c.duration(deadline - now)
	}

	return time.AfterFunc(d, f).Stop
}

func (c *HostClock) ticks(d time.Duration) uint64 {
	sec := uint64(d / time.Second)
	frac := uint64(d % time.Second)
	return sec*c.Freq + frac*c.Freq/uint64(time.Second)
}

func (c *HostClock) duration(ticks uint64) time.Duration {
	sec := ticks / c.Freq
	if sec >= math.MaxInt64/uint64(time.Second) {
		return math.MaxInt64
	}

	frac := ticks % c.Freq
	return time.Duration(sec)*time.Second + time.Duration(frac*uint64(time.Second)/c.Freq)
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu     sync.Mutex
	now    uint64
	timers []*manualTimer
}

type manualTimer struct {
	deadline uint64
	f        func()
	stopped  bool
}

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(deadline uint64, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{deadline: deadline, f: f}
	if deadline <= c.now {
		go f()
		return func() bool { return false }
	}

	c.timers = append(c.timers, t)

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		if t.stopped {
			return false
		}

		t.stopped = true
		return true
	}
}

// Advance moves the clock forward by ticks and runs the timers that came
// due, in deadline order, on the calling goroutine.
func (c *ManualClock) Advance(ticks uint64) {
	c.mu.Lock()
	c.now += ticks

	var due, rest []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case t.deadline <= c.now:
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}

	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, t := range due {
		t.f()
	}
}

// Disarmed is the deadline that cancels the guest timer without arming a new one.
const Disarmed = math.MaxUint64

// TimerInjector holds the guest's one pending timer deadline. When the host
// timer fires it records the interrupt and kicks the vCPU; the interrupt is
// written into the vCPU context by Inject, between runs.
type TimerInjector struct {
	clock Clock
	kick  func()

	mu       sync.Mutex
	cond     *sync.Cond
	gen      uint64
	deadline uint64
	armed    bool
	fired    bool
	clear    bool
	stop     func() bool
	fires    uint64
}

// NewTimerInjector returns an injector driven by clock. kick is called from
// the timer goroutine each time the timer fires.
func NewTimerInjector(clock Clock, kick func()) *TimerInjector {
	ti := &TimerInjector{clock: clock, kick: kick}
	ti.cond = sync.NewCond(&ti.mu)
	return ti
}

// Arm replaces the pending deadline with deadline and withdraws an interrupt
// that fired but hasn't been delivered. Arm(Disarmed) only withdraws.
func (ti *TimerInjector) Arm(deadline uint64) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.stop != nil {
		ti.stop()
		ti.stop = nil
	}

	ti.gen++
	ti.fired = false
	ti.clear = true
	ti.armed = deadline != Disarmed
	ti.deadline = deadline

	if ti.armed {
		gen := ti.gen
		ti.stop = ti.clock.AfterFunc(deadline, func() { ti.fire(gen) })
	}

	ti.cond.Broadcast()
}

func (ti *TimerInjector) fire(gen uint64) {
	ti.mu.Lock()
	if gen != ti.gen || !ti.armed {
		ti.mu.Unlock()
		return
	}

	ti.armed = false
	ti.fired = true
	ti.fires++
	ti.stop = nil
	ti.cond.Broadcast()
	ti.mu.Unlock()

	if ti.kick != nil {
		ti.kick()
	}
}

// Pending returns the armed deadline.
func (ti *TimerInjector) Pending() (deadline uint64, ok bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.deadline, ti.armed
}

// Fires returns how many times the timer has fired.
func (ti *TimerInjector) Fires() uint64 {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.fires
}

// Inject writes the timer state into c: a fired timer raises the guest's
// timer interrupt and a re-armed one lowers it.
func (ti *TimerInjector) Inject(c vcpu.Context) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.clear {
		c.SetTimerPending(false)
		ti.clear = false
	}

	if ti.fired {
		c.SetTimerPending(true)
		ti.fired = false
	}
}

// Wait blocks until the armed timer fires. It returns false at once if no
// timer is armed and none has fired.
func (ti *TimerInjector) Wait() bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	for !ti.fired && ti.armed {
		ti.cond.Wait()
	}

	return ti.fired
}

// Close cancels the pending timer.
func (ti *TimerInjector) Close() {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.stop != nil {
		ti.stop()
		ti.stop = nil
	}

	ti.gen++
	ti.armed = false
	ti.cond.Broadcast()
}
