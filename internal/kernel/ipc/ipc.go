// Package ipc implements spec.md §4.E: synchronous portal calls, replies,
// the exception-upcall path, the helping/donation protocol with package
// sched, and MTD-directed register/UTCB transfer.
package ipc

import (
	"log/slog"

	"github.com/go-nova/novakernel/internal/debug"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/obj"
)

// MTD bit layout (spec.md §9 Open Questions: "A re-implementation should
// fix a single bit position [for POISON] in the specification" — this
// rewrite fixes POISON at bit 0 of a 32-bit field, the decision recorded
// in DESIGN.md).
const (
	MTDPoison     uint32 = 1 << 0
	MTDGPRs       uint32 = 1 << 1
	MTDSpecial    uint32 = 1 << 2 // segment/system registers, architecture-specific
	MTDVirt       uint32 = 1 << 3 // virtualization state (vIRQ list regs, vtimer, HPFAR...)
	MTDQualifier  uint32 = 1 << 4 // fault qualifier / exit reason
	MTDAll        uint32 = MTDGPRs | MTDSpecial | MTDVirt | MTDQualifier
)

// Helper is the scheduler surface the IPC engine drives for the
// helping/donation protocol (spec.md §4.D), injected to avoid an
// ipc<->sched import cycle at the package level (sched does not need to
// know about portals).
type Helper interface {
	Help(callerSC *obj.SC, callee *obj.EC)
	Unhelp(callee *obj.EC)
	Current(cpu int) *obj.SC
}

// Engine drives portal calls for one kernel instance.
type Engine struct {
	sched Helper
	log   *slog.Logger
	trace debug.Debug
}

// New constructs an Engine backed by sched.
func New(sched Helper, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{sched: sched, log: log, trace: debug.WithSource("ipc")}
}

// busy reports whether target has an in-flight continuation that is not
// idle, meaning a call into it must block or time out rather than
// rendezvous immediately.
func busy(target *obj.EC) bool {
	return target.Continuation().Kind != obj.ContIdle || target.Partner() != nil
}

// Call implements spec.md §4.E's call(pt, mtd_send) on behalf of caller,
// running on CPU cpu. timeoutImmediate, when true, implements the
// syscall's TIMEOUT flag: if the target is busy, Call returns
// kstatus.Timeout immediately instead of blocking via helping.
//
// Call does not itself park the calling goroutine or run the callee: it
// sets up the rendezvous and returns Success, and the caller (the syscall
// dispatcher) then runs the callee's program on the same goroutine and
// checks whether the callee replied. This mirrors the real
// kernel's continuation-based exit/re-entry without requiring ipc to own a
// goroutine-parking primitive of its own, since that differs depending on
// whether the simulation models blocking with channels (as package obj's
// SM does) or with a direct function call returning after the reply.
func (e *Engine) Call(cpu int, caller *obj.EC, pt *obj.PT, mtdSend uint32, timeoutImmediate bool) kstatus.Status {
	capOK := pt != nil
	if !capOK {
		return kstatus.BadCapability
	}
	target := pt.Target()
	if target.HomeCPU() != cpu {
		return kstatus.BadCPU
	}
	if target.Killed() {
		return kstatus.Aborted
	}

	if busy(target) {
		if timeoutImmediate {
			return kstatus.Timeout
		}
		if e.sched != nil {
			e.sched.Help(e.sched.Current(cpu), target)
		}
		// The dispatcher is expected to have already arranged for the
		// scheduler to pick target's own SC (or run it donated); by the
		// time control returns here the rendezvous below proceeds as if
		// target had been free, since Help has already unblocked it.
	}

	// Rendezvous: spec.md §4.E steps 3-4. The badge lands after the MTD
	// transfer so a GPR-group send cannot clobber it.
	target.SetContinuation(obj.Continuation{Kind: obj.ContRetUserHypercall})
	transferRegisters(caller, target, mtdSend)
	target.Regs().GPR[0] = pt.Badge()
	target.SetPartner(caller)
	caller.SetPartner(target)
	target.Regs().IP = pt.IP()

	e.trace.Writef("call: cpu=%d badge=%#x mtd=%#x", cpu, pt.Badge(), mtdSend)
	return kstatus.Success
}

// Reply implements spec.md §4.E's reply(mtd_reply): the callee transfers
// registers back to its caller per mtd and the rendezvous is torn down. A
// POISON bit in mtd asks the kernel to kill the caller instead of
// resuming it normally (spec.md §4.E).
func (e *Engine) Reply(callee *obj.EC, mtdReply uint32) kstatus.Status {
	caller := callee.Partner()
	if caller == nil {
		return kstatus.BadCapability
	}

	if mtdReply&MTDPoison != 0 {
		caller.Kill()
	} else {
		transferRegisters(callee, caller, mtdReply)
	}

	caller.SetContinuation(obj.Continuation{Kind: obj.ContRetUserHypercall})
	caller.SetPartner(nil)
	callee.SetPartner(nil)
	callee.SetContinuation(obj.Continuation{Kind: obj.ContIdle})

	if e.sched != nil {
		e.sched.Unhelp(callee)
	}
	return kstatus.Success
}

// Abort tears down an in-flight rendezvous because the callee died (or was
// killed) mid-call, returning ABORTED to the caller. Per spec.md §9 Open
// Questions, this rewrite's decision (recorded in DESIGN.md) is that the
// caller's SC is unlinked from the callee before ABORTED is delivered, not
// left enqueued on a now-dead callee.
func (e *Engine) Abort(callee *obj.EC) {
	caller := callee.Partner()
	if caller == nil {
		return
	}
	caller.SetContinuation(obj.Continuation{Kind: obj.ContRetUserHypercall})
	caller.Regs().GPR[0] = uint64(kstatus.Aborted)
	caller.SetPartner(nil)
	callee.SetPartner(nil)
	if e.sched != nil {
		e.sched.Unhelp(callee)
	}
}

// Upcall implements spec.md §4.E's exception upcall: fault in ec sets the
// exception-port selector to event_base+vector, looks that slot up in
// ec's owning PD's object space, and performs an implicit call with
// PermEvent. If the slot is null or lacks permission, ec is killed.
func (e *Engine) Upcall(cpu int, ec *obj.EC, eventBase, vector uint64, qualifier uint64) kstatus.Status {
	selector := obj.Selector(eventBase + vector)
	cap := ec.PD().ObjSpace.Lookup(selector)
	pt, ok := obj.AsPT(cap)
	if !ok || !cap.Validate(obj.KindPT, obj.PermEvent) {
		ec.Kill()
		return kstatus.BadCapability
	}
	if pt.Target().HomeCPU() != cpu {
		ec.Kill()
		return kstatus.BadCPU
	}

	target := pt.Target()
	target.Regs().GPR[0] = pt.Badge()
	target.SetContinuation(obj.Continuation{Kind: obj.ContRetUserHypercall})
	target.SetPartner(ec)
	ec.SetPartner(target)
	target.Regs().IP = pt.IP()
	// The qualifier (fault address, exit reason, ...) rides in the UTCB
	// under MTDQualifier exactly like an ordinary send-set register.
	putUTCBQualifier(target, qualifier)

	if e.sched != nil {
		e.sched.Help(e.sched.Current(cpu), target)
	}
	e.trace.Writef("upcall: cpu=%d vector=%#x qual=%#x", cpu, vector, qualifier)
	return kstatus.Success
}

// transferRegisters copies the register groups selected by mtd from src to
// dst: the GPR frame moves when MTDGPRs is set, and the UTCB payload moves
// when any of MTDSpecial, MTDVirt or MTDQualifier is set. Unknown bits are
// silently ignored (spec.md §4.E forward-compatibility rule).
func transferRegisters(src, dst *obj.EC, mtd uint32) {
	if mtd&MTDGPRs != 0 {
		dst.Regs().GPR = src.Regs().GPR
	}
	if mtd&(MTDSpecial|MTDVirt|MTDQualifier) != 0 {
		copy(dst.UTCB(), src.UTCB())
	}
}

// putUTCBQualifier stores a fault qualifier at a fixed UTCB offset, mirroring
// spec.md §6's "HPFAR, ..." register-image layout.
func putUTCBQualifier(ec *obj.EC, qualifier uint64) {
	u := ec.UTCB()
	if len(u) < 16 {
		return
	}
	for i := 0; i < 8; i++ {
		u[8+i] = byte(qualifier >> (8 * i))
	}
}
