package obj

import (
	"context"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// SCLocation records which of the four places spec.md §3's invariant
// allows an SC to be ("on at most one queue at a time (ready / remote /
// blocked / executing)"). The scheduler package is the only mutator; obj
// exposes it so the invariant can be asserted from outside package sched
// too (tests, the syscall dispatcher's diagnostics).
type SCLocation uint8

const (
	SCNowhere SCLocation = iota
	SCReady
	SCRemote
	SCBlocked
	SCRunning
)

func (l SCLocation) String() string {
	switch l {
	case SCReady:
		return "ready"
	case SCRemote:
		return "remote"
	case SCBlocked:
		return "blocked"
	case SCRunning:
		return "running"
	default:
		return "nowhere"
	}
}

// MinPriority and MaxPriority bound the priority range spec.md §3 assigns
// SCs: p in [0,127].
const (
	MinPriority uint8 = 0
	MaxPriority uint8 = 127
)

// SC is a scheduling context: the schedulable entity carrying CPU affinity,
// priority, and budget (spec.md §3).
//
// Next and Prev are intrusive doubly-linked-list pointers. Spec.md §4.D
// describes the per-CPU ready array as "128 doubly-linked FIFOs"; rather
// than have the scheduler maintain a parallel container.List per bucket,
// the SC carries its own link pointers, exactly as the blocked-EC and
// remote-enqueue queues need to link the same object into different lists
// at different times. They are guarded by the owning CPU's ready-queue
// lock (spec.md §5), not by SC's own Kobject spinlock, and must only be
// touched by package sched.
type SC struct {
	Kobject

	ec  *EC
	cpu int

	priority uint8
	budget   int64
	left     int64

	lastDispatch int64
	location     SCLocation

	Next, Prev *SC
}

// NewSC constructs an SC bound to ec, with the given CPU affinity,
// priority, and budget (quantum), both measured in scheduler ticks.
func NewSC(domain *Domain, ec *EC, cpu int, priority uint8, budget int64) *SC {
	return &SC{
		Kobject:  newKobject(KindSC, domain),
		ec:       ec,
		cpu:      cpu,
		priority: priority,
		budget:   budget,
		left:     budget,
		location: SCNowhere,
	}
}

// SchedulerHook is implemented by package sched's Scheduler. Package obj
// depends on it, not the reverse, so CreateSC can fulfil spec.md §3's "SC
// is created bound to an EC and immediately remote-enqueued onto the EC's
// home CPU" without an import cycle between obj and sched.
type SchedulerHook interface {
	RemoteEnqueue(sc *SC)
}

// CreateSC implements spec.md §4.B's create_sc. Priority 0 or budget 0 is
// rejected (spec.md §8 boundary: "Create-SC with priority 0 or quantum 0
// returns BAD_PAR" — note §3 allows p==0 as a valid running priority once
// assigned internally by the idle SC, but user-facing creation requires
// p>=1 exactly as the boundary test states). On success the new SC is
// immediately remote-enqueued onto ec's home CPU via sched.
func CreateSC(ctx context.Context, authority Capability, holder *PD, destSel Selector, ec *EC, sched SchedulerHook, priority uint8, budget int64) (*SC, error) {
	if !authority.Validate(KindPD, PermCreateSC) {
		return nil, kstatus.New(kstatus.BadCapability, "create_sc: missing PermCreateSC")
	}
	if priority == 0 || priority > MaxPriority || budget <= 0 {
		return nil, kstatus.New(kstatus.BadParameter, "create_sc: priority or budget out of range")
	}
	if !holder.ObjSpace.Lookup(destSel).IsNull() {
		return nil, kstatus.New(kstatus.BadCapability, "create_sc: destination selector occupied")
	}
	if err := holder.acquireSlab(ctx); err != nil {
		return nil, err
	}
	defer holder.releaseSlab()

	sc := NewSC(holder.domain, ec, ec.HomeCPU(), priority, budget)
	if !holder.ObjSpace.Insert(destSel, NewCapability(sc, PermAll)) {
		return nil, kstatus.New(kstatus.BadCapability, "create_sc: lost race for destination selector")
	}
	if sched != nil {
		sched.RemoteEnqueue(sc)
	}
	return sc, nil
}

// EC returns the SC's owning execution context.
func (sc *SC) EC() *EC { return sc.ec }

// CPU returns the SC's CPU affinity (its home CPU).
func (sc *SC) CPU() int { return sc.cpu }

// Priority returns the SC's current priority, 0-127.
func (sc *SC) Priority() uint8 { return sc.priority }

// Budget returns the SC's quantum.
func (sc *SC) Budget() int64 { return sc.budget }

// Left returns the SC's remaining ticks in the current quantum.
func (sc *SC) Left() int64 { return sc.left }

// SetLeft updates the SC's remaining ticks, called by the scheduler's
// time-accounting step.
func (sc *SC) SetLeft(left int64) { sc.left = left }

// LastDispatch returns the tick at which this SC was last dispatched.
func (sc *SC) LastDispatch() int64 { return sc.lastDispatch }

// SetLastDispatch records the tick this SC was dispatched at.
func (sc *SC) SetLastDispatch(tick int64) { sc.lastDispatch = tick }

// Location returns which queue (if any) this SC currently occupies.
func (sc *SC) Location() SCLocation { return sc.location }

// SetLocation updates the SC's location. An SC occupies at most one of
// {ready, remote, blocked, executing}; callers (package sched) must have
// already unlinked sc from its previous list. Builds tagged kernelassert
// verify that at every transition.
func (sc *SC) SetLocation(loc SCLocation) {
	assertSingleQueue(sc, loc)
	sc.location = loc
}

// Consumed reports how many ticks of this SC's budget have been spent in
// the current quantum, for ctrl_sc's "query consumed time".
func (sc *SC) Consumed() int64 {
	if sc.budget < sc.left {
		return 0
	}
	return sc.budget - sc.left
}

// Donate temporarily raises sc's priority to at least floor, for priority
// donation through a helping chain (spec.md §4.D). Donation never lowers
// priority; the scheduler restores the original value when helping ends.
func (sc *SC) Donate(floor uint8) (prior uint8) {
	prior = sc.priority
	if floor > sc.priority {
		sc.priority = floor
	}
	return prior
}

// Restore sets the SC's priority back to a value saved from Donate.
func (sc *SC) Restore(priority uint8) { sc.priority = priority }

// Destroy releases sc's last reference.
func (sc *SC) Destroy() { sc.Put(nil) }
