package obj

import (
	"runtime"
	"sync/atomic"
)

// Domain implements quiescent-state-based reclamation for one kernel
// instance. spec.md §3 requires that object destruction wait for "a
// read-copy-update grace period so that in-flight kernel code never touches
// freed storage"; §9's per-CPU model makes every CPU's own kernel-exit edge
// (schedule(), the same point that samples the hazard word in §5) a natural
// quiescent point, since no CPU holds a bare pointer into kernel object
// storage across that edge.
type Domain struct {
	quiescent []atomic.Uint64
}

// NewDomain creates an RCU domain for a kernel instance with the given
// number of simulated CPUs.
func NewDomain(numCPUs int) *Domain {
	if numCPUs < 1 {
		numCPUs = 1
	}
	return &Domain{quiescent: make([]atomic.Uint64, numCPUs)}
}

// Quiesce records that cpu has passed a kernel-exit edge since the last
// call. The per-CPU scheduler loop calls this once per schedule().
func (d *Domain) Quiesce(cpu int) {
	if cpu < 0 || cpu >= len(d.quiescent) {
		return
	}
	d.quiescent[cpu].Add(1)
}

// Synchronize blocks until every CPU has passed at least one quiescent
// point after Synchronize was called, i.e. until no CPU can still be
// holding a pointer acquired before this call.
func (d *Domain) Synchronize() {
	start := make([]uint64, len(d.quiescent))
	for i := range d.quiescent {
		start[i] = d.quiescent[i].Load()
	}
	for i := range d.quiescent {
		for d.quiescent[i].Load() == start[i] {
			runtime.Gosched()
		}
	}
}

// Retire runs fn once every CPU has passed a quiescent point. In this
// simulation grace periods are short enough that Retire simply blocks the
// caller in Synchronize rather than handing fn to a background reclaimer;
// the effect on callers (the destroying factory, see pd.go/ec.go/...) is
// identical to the async reclaimer the original kernel uses.
func (d *Domain) Retire(fn func()) {
	d.Synchronize()
	fn()
}
