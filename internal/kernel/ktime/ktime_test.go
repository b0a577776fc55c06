package ktime

import (
	"testing"
	"time"
)

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	a := c.Now()
	time.Sleep(time.Millisecond)
	b := c.Now()
	if b <= a {
		t.Fatalf("clock went backwards: %d then %d", a, b)
	}
}

func TestTickConversion(t *testing.T) {
	if got := TicksFromDuration(time.Millisecond); got != 10000 {
		t.Fatalf("1ms = %d ticks, want 10000", got)
	}
	if got := DurationFromTicks(10000); got != time.Millisecond {
		t.Fatalf("10000 ticks = %v, want 1ms", got)
	}
	if got := TicksFromDuration(-time.Second); got != 0 {
		t.Fatalf("negative duration = %d ticks", got)
	}
}

func TestPerCPUComparator(t *testing.T) {
	p := NewPerCPU(nil)
	if p.CheckFired(1000) {
		t.Fatalf("disarmed comparator fired")
	}

	p.SetDeadline(500)
	if p.CheckFired(499) {
		t.Fatalf("comparator fired early")
	}
	if !p.CheckFired(500) {
		t.Fatalf("comparator missed its deadline")
	}
	// Firing disarms.
	if p.CheckFired(501) {
		t.Fatalf("comparator fired twice")
	}

	p.SetDeadline(700)
	p.SetDeadline(0)
	if p.CheckFired(900) {
		t.Fatalf("disarm did not stick")
	}
}

type countingTarget struct {
	fired int
}

func (c *countingTarget) OnTimeout() { c.fired++ }

func TestTimeoutQueue(t *testing.T) {
	q := NewTimeoutQueue()
	a := &countingTarget{}
	b := &countingTarget{}

	q.Arm(100, a)
	tokB := q.Arm(200, b)
	if q.Len() != 2 {
		t.Fatalf("armed = %d", q.Len())
	}

	q.Advance(50)
	if a.fired != 0 || b.fired != 0 {
		t.Fatalf("premature fire: a=%d b=%d", a.fired, b.fired)
	}

	q.Advance(150)
	if a.fired != 1 || b.fired != 0 {
		t.Fatalf("selective fire broken: a=%d b=%d", a.fired, b.fired)
	}

	q.Disarm(tokB)
	q.Advance(300)
	if b.fired != 0 {
		t.Fatalf("disarmed timeout fired")
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d", q.Len())
	}
}

func TestTimeoutQueueZeroDeadline(t *testing.T) {
	q := NewTimeoutQueue()
	tok := q.Arm(0, &countingTarget{})
	if q.Len() != 0 {
		t.Fatalf("zero deadline armed an entry")
	}
	q.Disarm(tok) // zero token is a no-op
}

func TestExpireFunc(t *testing.T) {
	q := NewTimeoutQueue()
	ran := false
	q.Arm(10, ExpireFunc(func() { ran = true }))
	q.Advance(10)
	if !ran {
		t.Fatalf("ExpireFunc adapter never ran")
	}
}
