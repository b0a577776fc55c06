// Package fault implements spec.md §4.F: trap entry and the decision to
// resolve a fault in-kernel (the no-FPU-available trap) versus upcalling
// the owning PD's bound exception portal.
package fault

import (
	"log/slog"

	"github.com/go-nova/novakernel/internal/kernel/ipc"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/obj"
)

// EventBase is added to a fault vector to form the exception-port selector
// looked up in the faulting EC's owning PD's object space (spec.md §4.E).
const EventBase uint64 = 0

// Vector identifies a synchronous exception class. The concrete numeric
// values are architecture-specific in the original kernel; this rewrite
// fixes one cross-architecture numbering so a portal bound at
// EventBase+vector means the same thing regardless of host architecture.
type Vector uint64

const (
	VectorNoFPU Vector = iota
	VectorPageFault
	VectorGeneralProtection
	VectorUndefinedInstruction
	VectorAlignment
	VectorDebug
	VectorMax
)

// FPUOwner tracks, per CPU, which EC currently owns the live FPU register
// state (spec.md §4.G "FPU"). Resolving a VectorNoFPU trap in-kernel reads
// and mutates this without ever reaching the upcall path.
type FPUOwner struct {
	owners []*obj.EC
}

// NewFPUOwner constructs per-CPU FPU ownership tracking for numCPUs CPUs.
func NewFPUOwner(numCPUs int) *FPUOwner {
	if numCPUs < 1 {
		numCPUs = 1
	}
	return &FPUOwner{owners: make([]*obj.EC, numCPUs)}
}

// Dispatcher resolves synchronous exceptions, per spec.md §4.F: most
// vectors route straight to the upcall path; VectorNoFPU is intercepted
// and resolved without user involvement.
type Dispatcher struct {
	fpu    *FPUOwner
	engine *ipc.Engine
	log    *slog.Logger
}

// New constructs a Dispatcher. numCPUs sizes the per-CPU FPU-owner table.
func New(numCPUs int, engine *ipc.Engine, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{fpu: NewFPUOwner(numCPUs), engine: engine, log: log}
}

// Handle dispatches a synchronous exception taken while ec was running on
// cpu. qualifier carries the fault address (page fault) or other
// per-vector detail. It returns the status the kernel-exit trampoline
// should treat the trap as resolved with: Success means "resume ec
// immediately", anything else means the upcall (or kill) already happened
// and ec's continuation now points at the right place.
func (d *Dispatcher) Handle(cpu int, ec *obj.EC, v Vector, qualifier uint64) kstatus.Status {
	switch v {
	case VectorNoFPU:
		d.switchFPUOwner(cpu, ec)
		return kstatus.Success
	default:
		return d.engine.Upcall(cpu, ec, EventBase, uint64(v), qualifier)
	}
}

// switchFPUOwner implements spec.md §4.G's FPU trap resolution: if ec is
// not the current owner, save the previous owner's live state, load ec's,
// and record ec as the new owner. The traps-disabled/enabled bookkeeping
// that the real control register would need is left to package virt's
// world-switch, which consults Owner before entering guest mode.
func (d *Dispatcher) switchFPUOwner(cpu int, ec *obj.EC) {
	if cpu < 0 || cpu >= len(d.fpu.owners) {
		return
	}
	prev := d.fpu.owners[cpu]
	if prev == ec {
		return
	}
	if prev != nil {
		// The previous owner's live register state is conceptually
		// flushed into its own FPUArea here; in this simulation the save
		// area is the authoritative copy already (no separate hardware
		// register file to read back from), so there is nothing further
		// to copy — only the ownership token moves.
		_ = prev.FPU()
	}
	_ = ec.FPU() // forces lazy allocation from ec's PD cache, if not already done
	d.fpu.owners[cpu] = ec
	ec.ClearHazard(obj.HazardFPU)
}

// Owner returns the EC that currently owns the live FPU state on cpu, or
// nil.
func (d *Dispatcher) Owner(cpu int) *obj.EC {
	if cpu < 0 || cpu >= len(d.fpu.owners) {
		return nil
	}
	return d.fpu.owners[cpu]
}

// Recall implements ctrl_ec's strong recall (spec.md §5, §8 scenario 2):
// sets the RECALL hazard bit so the next kernel-exit edge routes ec
// through the synthetic RECALL exception upcall instead of returning to
// user/guest mode directly.
func (d *Dispatcher) Recall(cpu int, ec *obj.EC) kstatus.Status {
	ec.SetHazard(obj.HazardRecall)
	return kstatus.Success
}

// DeliverRecall is called from the kernel-exit trampoline once it observes
// HazardRecall set on the EC it is about to resume; it clears the hazard
// and upcalls the bound recall portal via EventRecall.
func (d *Dispatcher) DeliverRecall(cpu int, ec *obj.EC) kstatus.Status {
	ec.ClearHazard(obj.HazardRecall)
	return d.engine.Upcall(cpu, ec, 0, obj.EventRecall, 0)
}

// DeliverVTimer upcalls a vCPU EC's bound vtimer portal via EventVTimer,
// used only for vCPU ECs (spec.md §9 Open Questions: virtual-timer
// interrupts route through VTIMER for guests; physical-host timer
// interrupts never reach this path, see package ktime).
func (d *Dispatcher) DeliverVTimer(cpu int, ec *obj.EC) kstatus.Status {
	if ec.Kind() != obj.ECVCpu {
		return kstatus.BadParameter
	}
	return d.engine.Upcall(cpu, ec, 0, obj.EventVTimer, 0)
}
