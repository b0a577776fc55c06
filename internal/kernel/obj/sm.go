package obj

import (
	"context"
	"sync"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// SM is a semaphore: a 64-bit counter, a spinlock, and a FIFO of blocked
// ECs (spec.md §3).
type SM struct {
	Kobject

	mu      sync.Mutex
	counter int64
	waiters []*smWaiter
}

type smWaiter struct {
	ec   *EC
	sc   *SC
	wake chan kstatus.Status
}

// NewSM constructs a semaphore with the given initial counter.
func NewSM(domain *Domain, initial int64) *SM {
	return &SM{Kobject: newKobject(KindSM, domain), counter: initial}
}

// CreateSM implements spec.md §4.B's create_sm.
func CreateSM(ctx context.Context, authority Capability, holder *PD, destSel Selector, initial int64) (*SM, error) {
	if !authority.Validate(KindPD, PermCreateSM) {
		return nil, kstatus.New(kstatus.BadCapability, "create_sm: missing PermCreateSM")
	}
	if !holder.ObjSpace.Lookup(destSel).IsNull() {
		return nil, kstatus.New(kstatus.BadCapability, "create_sm: destination selector occupied")
	}
	if err := holder.acquireSlab(ctx); err != nil {
		return nil, err
	}
	defer holder.releaseSlab()

	sm := NewSM(holder.domain, initial)
	if !holder.ObjSpace.Insert(destSel, NewCapability(sm, PermUp|PermDown)) {
		return nil, kstatus.New(kstatus.BadCapability, "create_sm: lost race for destination selector")
	}
	return sm, nil
}

// Counter returns the semaphore's current counter value, for tests and
// diagnostics.
func (sm *SM) Counter() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.counter
}

// Up either hands the signalled unit straight to the oldest blocked waiter,
// leaving the counter untouched, or — with no waiter queued — increments
// the counter by one.
func (sm *SM) Up() {
	sm.mu.Lock()
	if len(sm.waiters) > 0 {
		w := sm.waiters[0]
		sm.waiters = sm.waiters[1:]
		sm.mu.Unlock()
		w.wake <- kstatus.Success
		return
	}
	sm.counter++
	sm.mu.Unlock()
}

// Down blocks the calling EC (represented here by ec/sc, the helper's
// identity for the wait queue and any priority donation the caller has
// already arranged) until the counter is positive, consuming one unit, or
// until ctx is done. With zeroToCount set, a positive counter is consumed
// whole rather than decremented by one — the edge-interrupt acknowledge
// variant spec.md §6 calls "optional zero-to-count". A nil deadline
// (ctx == context.Background() with no Deadline) blocks forever; a context
// with a zero deadline in the past polls once, matching spec.md §5's "a
// zero deadline means poll."
//
// Down returns Success on a normal wake, Timeout if ctx expired first, and
// Aborted if the SM itself was torn down while this EC was waiting.
func (sm *SM) Down(ctx context.Context, ec *EC, sc *SC, zeroToCount bool) kstatus.Status {
	sm.mu.Lock()
	if sm.counter > 0 {
		if zeroToCount {
			sm.counter = 0
		} else {
			sm.counter--
		}
		sm.mu.Unlock()
		return kstatus.Success
	}
	w := &smWaiter{ec: ec, sc: sc, wake: make(chan kstatus.Status, 1)}
	sm.waiters = append(sm.waiters, w)
	sm.mu.Unlock()

	select {
	case status := <-w.wake:
		return status
	case <-ctx.Done():
		sm.removeWaiter(w)
		select {
		case status := <-w.wake:
			// Woken concurrently with the deadline firing; honor the wake.
			return status
		default:
			return kstatus.Timeout
		}
	}
}

func (sm *SM) removeWaiter(target *smWaiter) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for i, w := range sm.waiters {
		if w == target {
			sm.waiters = append(sm.waiters[:i], sm.waiters[i+1:]...)
			return
		}
	}
}

// Waiting reports how many ECs are currently blocked on this SM, for
// tests and the per-CPU timeout queue's bookkeeping.
func (sm *SM) Waiting() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.waiters)
}

// Destroy releases sm's last reference, waking every blocked waiter with
// Aborted first so no EC is left parked on a dead semaphore.
func (sm *SM) Destroy() {
	sm.mu.Lock()
	woken := sm.waiters
	sm.waiters = nil
	sm.mu.Unlock()
	for _, w := range woken {
		w.wake <- kstatus.Aborted
	}
	sm.Put(nil)
}
