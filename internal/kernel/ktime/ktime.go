// Package ktime implements spec.md §4.I: the monotonic tick counter every
// other kernel subsystem times against, the per-CPU deadline comparator
// package sched programs through the Timer interface, and the per-EC
// bound-hypercall timeout queue that wakes a timed-out SM.Down wait.
//
// The counter/comparator arithmetic here is adapted from the HPET model
// internal/devices/hpet used to expose to a guest: free-running counter,
// per-channel comparator, edge detection on "did the counter just cross
// the comparator." This kernel has no guest-visible timer device — every
// vCPU's virtual timer is mirrored through its own virt.ControlBlock
// instead — so the MMIO register window, register layout, and vendor ID
// that made sense for a guest-programmable device are gone; only the
// free-running-counter-plus-comparator arithmetic survives, now driving
// package sched's deadline callback and package obj's SM timeouts
// directly.
package ktime

import (
	"sync"
	"time"
)

// tickPeriod is the simulated clock period: one tick per 100ns, fast
// enough that realistic scheduling quanta (milliseconds) span thousands
// of ticks without overflowing an int64 tick count for any plausible test
// run.
const tickPeriod = 100 * time.Nanosecond

// Clock is the kernel's single monotonic tick source, free-running from
// process start exactly like the HPET main counter free-runs from power-on
// (spec.md §4.I).
type Clock struct {
	start time.Time
}

// NewClock starts a fresh monotonic clock.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns the current tick count.
func (c *Clock) Now() int64 {
	return int64(time.Since(c.start) / tickPeriod)
}

// TicksFromDuration converts a wall-clock duration to a tick count, for
// converting an SC's microsecond budget (spec.md §3) into comparator
// units.
func TicksFromDuration(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / tickPeriod)
}

// DurationFromTicks is TicksFromDuration's inverse, for diagnostics.
func DurationFromTicks(ticks int64) time.Duration {
	return time.Duration(ticks) * tickPeriod
}

// Expirable is anything with a tick-valued deadline that TimeoutQueue can
// fire: package obj's SM waiters (keyed by the waiting EC/SC) register
// through this rather than through a concrete type, so ktime never
// imports package obj.
type Expirable interface {
	// OnTimeout is called exactly once, from Advance, when the deadline
	// this entry was registered with has passed. It must not block.
	OnTimeout()
}

// ExpireFunc adapts a bare function to Expirable, for callers (package
// syscall's ctrl_sm down path) that only need a cancellation callback.
type ExpireFunc func()

func (f ExpireFunc) OnTimeout() { f() }

type comparatorEntry struct {
	deadline int64
	target   Expirable
	armed    bool
}

// PerCPU is one simulated CPU's deadline comparator: the single-shot timer
// package sched programs via SetDeadline, adapted from the HPET's
// per-channel comparator-vs-counter edge check (checkTimersLocked in the
// original device) with the MMIO route/config bits stripped — there is
// exactly one channel per CPU here, and it always routes to that CPU's own
// kernel-exit edge rather than to a GSI.
type PerCPU struct {
	mu       sync.Mutex
	deadline int64 // 0 means disarmed
	onFire   func()
}

// NewPerCPU constructs a per-CPU comparator. PerCPU stores onFire but never
// calls it; a reached deadline is reported only by CheckFired.
func NewPerCPU(onFire func()) *PerCPU {
	return &PerCPU{onFire: onFire}
}

// SetDeadline arms (tick > 0) or disarms (tick == 0) this CPU's
// comparator. Package syscall's Kernel.SetDeadline, which implements
// sched.Timer, forwards to it.
func (p *PerCPU) SetDeadline(tick int64) {
	p.mu.Lock()
	p.deadline = tick
	p.mu.Unlock()
}

// Deadline returns the currently armed deadline, or 0.
func (p *PerCPU) Deadline() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline
}

// CheckFired reports and clears whether now has reached the armed
// deadline, mirroring the original device's "counter crossed comparator"
// edge test. Package syscall's per-CPU run loop (Kernel.RunCPU) polls it
// once per iteration, rather than ktime owning a background goroutine per
// CPU — this kernel's CPUs are already goroutines with their own loop
// cadence, so a second ticking goroutine per CPU would just be a source of
// races.
func (p *PerCPU) CheckFired(now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadline != 0 && now >= p.deadline {
		p.deadline = 0
		return true
	}
	return false
}

// TimeoutQueue implements the per-EC bound-hypercall timeout path (spec.md
// §4.I: "a blocked ctrl_sm down call with a finite deadline is requeued
// with TIMEOUT once its deadline tick is reached"). It is independent of
// PerCPU: a hypercall timeout is a software deadline checked against the
// same monotonic Clock, not a second hardware comparator channel.
type TimeoutQueue struct {
	mu      sync.Mutex
	entries map[*timeoutKey]*comparatorEntry
}

// NewTimeoutQueue constructs an empty timeout queue.
func NewTimeoutQueue() *TimeoutQueue {
	return &TimeoutQueue{entries: make(map[*timeoutKey]*comparatorEntry)}
}

// Token identifies one armed timeout, returned by Arm so the caller can
// Disarm it early (e.g. the SM was upped before the deadline).
type Token struct {
	key *timeoutKey
}

// timeoutKey is one byte wide so that every new(timeoutKey) is a distinct
// pointer; pointers to distinct zero-size values may compare equal.
type timeoutKey struct{ _ byte }

// Arm registers target to fire OnTimeout once now reaches deadline. A
// deadline of 0 arms nothing and returns a zero Token (spec.md §5: "a zero
// deadline means poll", handled by the caller performing an immediate
// non-blocking check rather than ever reaching TimeoutQueue).
func (q *TimeoutQueue) Arm(deadline int64, target Expirable) Token {
	if deadline == 0 || target == nil {
		return Token{}
	}
	key := new(timeoutKey)
	q.mu.Lock()
	q.entries[key] = &comparatorEntry{deadline: deadline, target: target, armed: true}
	q.mu.Unlock()
	return Token{key: key}
}

// Disarm cancels a previously armed timeout before it fires. Safe to call
// with a zero Token (no-op) or after the timeout already fired (no-op).
func (q *TimeoutQueue) Disarm(t Token) {
	if t.key == nil {
		return
	}
	q.mu.Lock()
	delete(q.entries, t.key)
	q.mu.Unlock()
}

// Advance fires every entry whose deadline has passed at or before now,
// removing them from the queue. Package syscall's Kernel polls it from one
// background goroutine every 100 microseconds, the software analogue of
// the HPET's checkTimersLocked sweep over every timer channel on every
// counter update.
func (q *TimeoutQueue) Advance(now int64) {
	q.mu.Lock()
	var fired []Expirable
	for key, e := range q.entries {
		if e.armed && now >= e.deadline {
			fired = append(fired, e.target)
			delete(q.entries, key)
		}
	}
	q.mu.Unlock()

	for _, target := range fired {
		target.OnTimeout()
	}
}

// Len reports how many timeouts are currently armed, for tests.
func (q *TimeoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
