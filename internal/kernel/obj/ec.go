package obj

import (
	"context"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// ECKind distinguishes the three flavors of execution context spec.md §3
// names: a local EC may only receive portal calls on its home CPU, a
// global EC may run user code and own SCs, a vCPU EC executes in guest
// mode and owns a VMCB/VMCS.
type ECKind uint8

const (
	ECLocal ECKind = iota
	ECGlobal
	ECVCpu
)

func (k ECKind) String() string {
	switch k {
	case ECLocal:
		return "EC_LOCAL"
	case ECGlobal:
		return "EC_GLOBAL"
	case ECVCpu:
		return "EC_VCPU"
	default:
		return "EC_INVALID"
	}
}

// Hazard bits, sampled at every kernel-exit edge (spec.md §5).
const (
	HazardSched   uint32 = 1 << iota // yield requested
	HazardRCU                        // grace-period checkpoint due
	HazardSleep                      // platform-wide sleep requested
	HazardFPU                        // pending FPU owner switch
	HazardRecall                     // VMM requested recall
	HazardIllegal                    // enter-denial: invalid UTCB state
)

// NumGPR is the width of the saved general-purpose register file. 31 covers
// AArch64's X0-X30; the x86-64 GPR set fits in the same slice with room to
// spare, so one fixed-width array serves both architectures uniformly.
const NumGPR = 31

// RegisterFrame is an EC's saved exception-register frame (spec.md §3).
type RegisterFrame struct {
	GPR   [NumGPR]uint64
	IP    uint64
	SP    uint64
	Flags uint64
}

// ContKind is one of the closed set of continuations spec.md §9 prescribes
// in place of the original's function-pointer exit path.
type ContKind uint8

const (
	ContIdle ContKind = iota
	ContRetUserHypercall
	ContRetUserException
	ContRetUserVmexit
)

// Continuation selects how an EC resumes at its next kernel-exit edge. The
// helping protocol (spec.md §4.D) requires a callee to be able to replace a
// caller's continuation with an IPC resumption, so Continuation carries the
// state needed for that: which selector/exception fired and, for a call,
// the partner EC.
type Continuation struct {
	Kind      ContKind
	Selector  uint64 // exception/event selector for ContRetUserException
	Qualifier uint64 // fault address or other per-vector qualifier
}

// VCPUData is the architecture-specific control-block payload attached to
// a vCPU EC. Its concrete shape is owned by package virt (VMCB on AMD,
// VMCS on Intel, a synthetic EL1/EL2 shadow-register block on ARM); obj
// only carries the opaque pointer and the bookkeeping common to every
// architecture, so this package never imports package virt.
type VCPUData struct {
	ControlBlock any
	HomeCPU      int
	Loaded       bool
}

// EC is an execution context: a thread (local/global) or a virtual CPU
// (spec.md §3).
type EC struct {
	Kobject

	kind    ECKind
	pd      *PD
	homeCPU int

	regs RegisterFrame

	utcbVA  uint64
	utcb    []byte // simulated UTCB page, see spec.md §6
	fpu     *FPUArea
	cont    Continuation
	hazard  atomicbitops.Uint32
	killed  bool
	partner *EC

	// deadline is the tick at which a bound hypercall timeout expires; 0
	// means no timeout is armed. Package syscall sets it when arming a
	// ctrl_sm down timeout and clears it on every syscall entry and when
	// the timeout is disarmed.
	deadline int64

	// blockedMu guards blockedSCs, the set of SCs helping this EC per
	// spec.md §4.D. Separate from Kobject's lock because the scheduler
	// walks this list from a different CPU than the one running the EC.
	blockedMu  sync.Mutex
	blockedSCs []*SC

	vcpu *VCPUData
}

// UTCBSize is the fixed size of the per-EC user thread control block page
// (spec.md §6).
const UTCBSize = 4096

// NewEC constructs an EC bound to pd. kind selects local/global/vCPU;
// homeCPU is the CPU the EC may run on (vCPU and local ECs are pinned;
// global ECs may migrate but homeCPU still names where they start).
// utcbVA is the caller-chosen address the UTCB is mapped at in pd's host
// space (spec.md §6); NewEC does not perform that mapping itself — the
// create_ec handler does, via pd.Host.Map, once the EC exists.
func NewEC(domain *Domain, pd *PD, kind ECKind, homeCPU int, utcbVA uint64) *EC {
	ec := &EC{
		Kobject: newKobject(KindEC, domain),
		kind:    kind,
		pd:      pd,
		homeCPU: homeCPU,
		utcbVA:  utcbVA,
		utcb:    make([]byte, UTCBSize),
		cont:    Continuation{Kind: ContIdle},
	}
	if kind == ECVCpu {
		ec.vcpu = &VCPUData{HomeCPU: homeCPU}
	}
	return ec
}

// CreateEC implements spec.md §4.B's create_ec. authority must carry a PD
// capability with PermCreateEC; the new EC's capability is published into
// holder's object space at destSel.
func CreateEC(ctx context.Context, authority Capability, holder *PD, destSel Selector, owner *PD, kind ECKind, homeCPU int, utcbVA uint64) (*EC, error) {
	if !authority.Validate(KindPD, PermCreateEC) {
		return nil, kstatus.New(kstatus.BadCapability, "create_ec: missing PermCreateEC")
	}
	if !holder.ObjSpace.Lookup(destSel).IsNull() {
		return nil, kstatus.New(kstatus.BadCapability, "create_ec: destination selector occupied")
	}
	if err := holder.acquireSlab(ctx); err != nil {
		return nil, err
	}
	defer holder.releaseSlab()

	ec := NewEC(holder.domain, owner, kind, homeCPU, utcbVA)
	if kind != ECLocal {
		// STARTUP is delivered the first time the EC runs. A local EC never
		// runs on its own — it only receives portal calls — so arming the
		// synthetic exception there would make every fresh portal target
		// look busy to its first caller.
		ec.cont = Continuation{Kind: ContRetUserException, Selector: EventStartup}
	}
	if !holder.ObjSpace.Insert(destSel, NewCapability(ec, PermAll)) {
		return nil, kstatus.New(kstatus.BadCapability, "create_ec: lost race for destination selector")
	}
	return ec, nil
}

// Kind reports whether this EC is local, global, or a vCPU.
func (ec *EC) Kind() ECKind { return ec.kind }

// PD returns the EC's owning protection domain.
func (ec *EC) PD() *PD { return ec.pd }

// HomeCPU returns the CPU this EC is bound to (exclusively, for local and
// vCPU ECs; as a starting point only, for global ECs).
func (ec *EC) HomeCPU() int { return ec.homeCPU }

// Regs returns a pointer to the EC's saved register frame for direct
// read/modify by the IPC engine's MTD-directed transfer.
func (ec *EC) Regs() *RegisterFrame { return &ec.regs }

// UTCB returns the EC's simulated UTCB page for MTD-directed payload
// transfer.
func (ec *EC) UTCB() []byte { return ec.utcb }

// UTCBAddr returns the virtual address the UTCB is mapped at.
func (ec *EC) UTCBAddr() uint64 { return ec.utcbVA }

// Continuation returns the EC's current exit continuation.
func (ec *EC) Continuation() Continuation { return ec.cont }

// SetContinuation replaces the EC's exit continuation. Used by the IPC
// engine to arm ContRetUserHypercall/ContRetUserException/ContRetUserVmexit
// and by the scheduler to reset an EC to ContIdle when parked.
func (ec *EC) SetContinuation(c Continuation) { ec.cont = c }

// VCPU returns the EC's control-block payload, or nil if this is not a
// vCPU EC.
func (ec *EC) VCPU() *VCPUData { return ec.vcpu }

// FPU returns the EC's lazily-allocated FPU save area, allocating one from
// its owning PD's cache on first use (spec.md §3).
func (ec *EC) FPU() *FPUArea {
	if ec.fpu == nil {
		ec.fpu = ec.pd.AllocFPU()
	}
	return ec.fpu
}

// SetHazard sets bits in the EC's hazard word (spec.md §5).
func (ec *EC) SetHazard(bits uint32) {
	for {
		cur := ec.hazard.Load()
		if ec.hazard.CompareAndSwap(cur, cur|bits) {
			return
		}
	}
}

// ClearHazard clears bits in the EC's hazard word.
func (ec *EC) ClearHazard(bits uint32) {
	for {
		cur := ec.hazard.Load()
		if ec.hazard.CompareAndSwap(cur, cur&^bits) {
			return
		}
	}
}

// TestHazard reports whether any of bits is set.
func (ec *EC) TestHazard(bits uint32) bool {
	return ec.hazard.Load()&bits != 0
}

// HazardWord returns the raw hazard bitset, for the kernel-exit trampoline
// to examine in full.
func (ec *EC) HazardWord() uint32 { return ec.hazard.Load() }

// Partner returns the EC on the other end of an in-flight call, or nil.
func (ec *EC) Partner() *EC { return ec.partner }

// SetPartner records the other end of an in-flight call. Both ends of a
// rendezvous must be linked and unlinked together by the IPC engine so the
// partner cycle never outlives the call (spec.md §9 "Cyclic structures").
func (ec *EC) SetPartner(p *EC) { ec.partner = p }

// Deadline returns the tick at which this EC's bound hypercall timeout
// expires, or 0 if none is armed.
func (ec *EC) Deadline() int64 { return ec.deadline }

// SetDeadline arms (or clears, with 0) the EC's bound timeout.
func (ec *EC) SetDeadline(tick int64) { ec.deadline = tick }

// Killed reports whether this EC has been killed (a poisoned reply, a
// fault with no bound exception portal, or an explicit destroy).
func (ec *EC) Killed() bool { return ec.killed }

// Kill marks the EC dead. The scheduler and IPC engine check Killed before
// resuming an EC and route dead ECs to ABORTED/no-op instead.
func (ec *EC) Kill() { ec.killed = true }

// Destroy releases ec's last reference, returning its FPU area to its PD's
// cache and deferring storage reclamation to the RCU grace period.
func (ec *EC) Destroy() {
	ec.Put(func() {
		if ec.fpu != nil {
			ec.pd.FreeFPU(ec.fpu)
			ec.fpu = nil
		}
	})
}

// AddBlockedSC appends sc to this EC's helping queue (spec.md §4.D: "c's SC
// is enqueued onto s's blocked-SC queue").
func (ec *EC) AddBlockedSC(sc *SC) {
	ec.blockedMu.Lock()
	ec.blockedSCs = append(ec.blockedSCs, sc)
	ec.blockedMu.Unlock()
}

// DrainBlockedSCs removes and returns every SC currently helping this EC,
// for the replying EC to remote-enqueue back onto their home CPUs
// (spec.md §4.D: "s walks its blocked-SC queue and remote-enqueues each
// back onto its home CPU").
func (ec *EC) DrainBlockedSCs() []*SC {
	ec.blockedMu.Lock()
	drained := ec.blockedSCs
	ec.blockedSCs = nil
	ec.blockedMu.Unlock()
	return drained
}

// Synthetic exception selectors, used both as exception vectors (via
// event_base+vector) and as standalone events (spec.md §4.E).
const (
	EventStartup uint64 = 0xff00 + iota
	EventRecall
	EventVTimer
)
