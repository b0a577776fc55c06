// Package virt implements spec.md §4.G: the virtual-CPU control-block
// lifecycle, world-switch between host and guest mode, lazy FPU ownership
// coordination with package fault, two-stage paging via package mm's guest
// address spaces, and vIRQ list-register mirroring. A vCPU exit that is not
// resolved in-kernel is turned into a host portal upcall via package ipc,
// the same path a synchronous exception takes (spec.md §4.E, §4.F).
package virt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-nova/novakernel/internal/hv"
	"github.com/go-nova/novakernel/internal/kernel/fault"
	"github.com/go-nova/novakernel/internal/kernel/ipc"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/mm"
	"github.com/go-nova/novakernel/internal/kernel/obj"
)

// ExitReason classifies why a world-switch returned control to the host,
// mirroring the exit codes a real VMEXIT/HVC trap would carry in the
// guest-state area (spec.md §4.G).
type ExitReason uint32

const (
	ExitNone ExitReason = iota
	ExitHypercall
	ExitMMIO
	ExitIOPort
	ExitNestedPageFault
	ExitNoFPU
	ExitHalt
	ExitShutdown
	ExitInterrupt
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitHypercall:
		return "hypercall"
	case ExitMMIO:
		return "mmio"
	case ExitIOPort:
		return "ioport"
	case ExitNestedPageFault:
		return "nested-page-fault"
	case ExitNoFPU:
		return "no-fpu"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// numListRegisters is the count of GIC-style virtual-interrupt list
// registers mirrored per vCPU (spec.md §4.H "vIRQ"). Four is enough to
// exercise priority ordering without modeling a full 16-entry hardware GIC.
const numListRegisters = 4

// ListRegister is one vIRQ list-register slot: a pending or active virtual
// interrupt the guest has not yet EOI'd.
type ListRegister struct {
	Valid    bool
	Pending  bool
	Active   bool
	Vector   uint32
	Priority uint8
}

// ControlBlock is the architecture-neutral stand-in for a VMCB (AMD) or
// VMCS (Intel): everything world-switch must save and restore around a
// guest entry, attached to a vCPU EC's obj.VCPUData.ControlBlock. Actual
// general-purpose registers live in the EC's own RegisterFrame (spec.md
// §3) — ControlBlock carries only the state a host CPU thread's register
// file has no room for.
type ControlBlock struct {
	mu sync.Mutex

	Guest *mm.Space // two-stage (guest-physical -> host-physical) translation

	listRegs   [numListRegisters]ListRegister
	vtimerTick int64 // next tick the virtual timer should fire, 0 if disabled

	exitReason    ExitReason
	exitQualifier uint64
}

// NewControlBlock allocates a fresh control block with an empty guest
// address space and no pending virtual interrupts.
func NewControlBlock(guestSDID uint32) *ControlBlock {
	return &ControlBlock{Guest: mm.NewGuestSpace(guestSDID)}
}

// Attach installs cb as ec's control-block payload. ec must be a vCPU EC
// (spec.md §3: "owns exactly one VCPUData").
func Attach(ec *obj.EC, cb *ControlBlock) error {
	data := ec.VCPU()
	if data == nil {
		return kstatus.New(kstatus.BadParameter, "attach: not a vCPU EC")
	}
	data.ControlBlock = cb
	return nil
}

func controlBlockOf(ec *obj.EC) (*ControlBlock, error) {
	data := ec.VCPU()
	if data == nil {
		return nil, kstatus.New(kstatus.BadParameter, "not a vCPU EC")
	}
	cb, ok := data.ControlBlock.(*ControlBlock)
	if !ok || cb == nil {
		return nil, kstatus.New(kstatus.BadParameter, "vCPU EC has no control block attached")
	}
	return cb, nil
}

// PostVIRQ posts a pending virtual interrupt into the first free list
// register slot, implementing the GIC-list-register half of spec.md §4.H's
// vIRQ delivery. Returns BadDevice if every slot is occupied (the real GIC
// would instead queue in the distributor; this rewrite keeps the list small
// enough that callers are expected to retry after an EOI frees a slot).
func (cb *ControlBlock) PostVIRQ(vector uint32, priority uint8) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for i := range cb.listRegs {
		if !cb.listRegs[i].Valid {
			cb.listRegs[i] = ListRegister{Valid: true, Pending: true, Vector: vector, Priority: priority}
			return nil
		}
	}
	return kstatus.New(kstatus.BadDevice, "no free vIRQ list register")
}

// EOI retires the active list register for vector, called when the guest
// acknowledges the interrupt via its (emulated) GIC CPU interface write.
func (cb *ControlBlock) EOI(vector uint32) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for i := range cb.listRegs {
		if cb.listRegs[i].Valid && cb.listRegs[i].Vector == vector {
			cb.listRegs[i] = ListRegister{}
			return
		}
	}
}

// PendingVIRQ reports whether any list register holds a still-pending
// interrupt, used by Enter to decide whether to present ExitInterrupt
// instead of resuming straight through.
func (cb *ControlBlock) PendingVIRQ() (ListRegister, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	best := ListRegister{}
	found := false
	for _, lr := range cb.listRegs {
		if lr.Valid && lr.Pending && (!found || lr.Priority < best.Priority) {
			best = lr
			found = true
		}
	}
	return best, found
}

// SetVTimer arms the guest virtual timer to fire at tick, or disarms it
// with 0.
func (cb *ControlBlock) SetVTimer(tick int64) {
	cb.mu.Lock()
	cb.vtimerTick = tick
	cb.mu.Unlock()
}

// VTimerDue reports whether the virtual timer has expired at or before now.
func (cb *ControlBlock) VTimerDue(now int64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.vtimerTick != 0 && now >= cb.vtimerTick
}

// Engine drives world-switch for every vCPU EC in one kernel instance.
type Engine struct {
	hv     hv.Hypervisor
	ipc    *ipc.Engine
	faults *fault.Dispatcher
	log    *slog.Logger

	mu    sync.Mutex
	vcpus map[*obj.EC]hv.VirtualCPU
}

// New constructs an Engine. hypervisor supplies the hv.VirtualCPU backend
// (package refhv in this build) used to host guest register state; ipcEng
// and faults wire vmexits that need a host upcall into the same paths a
// synchronous exception or portal call would take.
func New(hypervisor hv.Hypervisor, ipcEng *ipc.Engine, faults *fault.Dispatcher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{hv: hypervisor, ipc: ipcEng, faults: faults, log: log, vcpus: make(map[*obj.EC]hv.VirtualCPU)}
}

// BindVCPU associates ec with a concrete hv.VirtualCPU handle, established
// once at VM-creation time by the caller (typically cmd/kernelsim's setup,
// which owns the hv.VirtualMachine and hands out its vCPU slots).
func (e *Engine) BindVCPU(ec *obj.EC, vcpu hv.VirtualCPU) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vcpus[ec] = vcpu
}

func (e *Engine) lookup(ec *obj.EC) (hv.VirtualCPU, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vcpus[ec]
	return v, ok
}

// registerMap is the subset of architecture registers world-switch moves
// between an EC's RegisterFrame and the bound hv.VirtualCPU on every
// entry/exit. A real implementation would move the full architectural
// register file; this rewrite moves the program-counter, stack-pointer,
// and flags registers that exercise the vocabulary in package
// hv/common.go, using the AMD64 register set uniformly the way the rest
// of this kernel picks one fixed numbering across architectures.
var registerMap = []hv.Register{hv.RegisterAMD64Rip, hv.RegisterAMD64Rsp, hv.RegisterAMD64Rflags}

// Enter implements spec.md §4.G's world-switch-in: load ec's saved IP, SP
// and flags into the bound hv.VirtualCPU (the control block's Guest space
// is not loaded into it), run it until it traps, then classify the trap as
// ExitReason and, for anything
// not resolved here, upcall the bound host portal exactly like a
// synchronous exception would (spec.md §4.E). Returns the status the
// kernel-exit trampoline should treat the world-switch as having completed
// with.
func (e *Engine) Enter(ctx context.Context, cpu int, ec *obj.EC) kstatus.Status {
	if ec.Kind() != obj.ECVCpu {
		return kstatus.BadParameter
	}
	cb, err := controlBlockOf(ec)
	if err != nil {
		return kstatus.BadParameter
	}
	vcpu, ok := e.lookup(ec)
	if !ok {
		return kstatus.BadDevice
	}

	if lr, pending := cb.PendingVIRQ(); pending {
		cb.exitReason = ExitInterrupt
		cb.exitQualifier = uint64(lr.Vector)
		return e.deliverExit(cpu, ec, cb)
	}

	if e.faults != nil && e.faults.Owner(cpu) != ec {
		// FPU ownership migrates lazily on first use inside the guest; a
		// vCPU entry does not itself force an FPU switch (spec.md §4.G),
		// it only clears the stale hazard bit so a subsequent NoFPU trap,
		// if any, is this EC's own.
		ec.ClearHazard(obj.HazardFPU)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(ec.Regs().IP),
		hv.RegisterAMD64Rsp:    hv.Register64(ec.Regs().SP),
		hv.RegisterAMD64Rflags: hv.Register64(ec.Regs().Flags),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return kstatus.BadDevice
	}

	if err := vcpu.Run(ctx); err != nil {
		cb.exitReason = ExitShutdown
		return e.deliverExit(cpu, ec, cb)
	}

	out := make(map[hv.Register]hv.RegisterValue, len(registerMap))
	for _, r := range registerMap {
		out[r] = hv.Register64(0)
	}
	if err := vcpu.GetRegisters(out); err == nil {
		if v, ok := out[hv.RegisterAMD64Rip].(hv.Register64); ok {
			ec.Regs().IP = uint64(v)
		}
		if v, ok := out[hv.RegisterAMD64Rsp].(hv.Register64); ok {
			ec.Regs().SP = uint64(v)
		}
		if v, ok := out[hv.RegisterAMD64Rflags].(hv.Register64); ok {
			ec.Regs().Flags = uint64(v)
		}
	}

	if cb.exitReason == ExitNone {
		cb.exitReason = ExitHypercall
	}
	return e.deliverExit(cpu, ec, cb)
}

// deliverExit turns a classified vmexit into either an in-kernel
// resolution (FPU trap) or a host upcall via the exception path, reusing
// fault.Vector's numbering space shifted past the synchronous-exception
// vectors so a single exception port table can bind both kinds of trap.
func (e *Engine) deliverExit(cpu int, ec *obj.EC, cb *ControlBlock) kstatus.Status {
	reason := cb.exitReason
	qualifier := cb.exitQualifier
	cb.exitReason, cb.exitQualifier = ExitNone, 0

	if reason == ExitNoFPU && e.faults != nil {
		return e.faults.Handle(cpu, ec, fault.VectorNoFPU, qualifier)
	}
	if e.ipc == nil {
		return kstatus.Success
	}
	vector := uint64(fault.VectorMax) + uint64(reason)
	return e.ipc.Upcall(cpu, ec, fault.EventBase, vector, qualifier)
}

// HandleMMIO routes a guest MMIO exit to the device claiming addr, found
// via the bound VM's device registry; if no device claims addr it returns
// an error and makes no host upcall. vm is narrowed to only the
// MMIO-finding method an hv.VirtualMachine exposes in this build
// (package refhv), kept as an interface here so virt does not import
// package refhv directly.
type mmioFinder interface {
	FindMMIO(addr uint64) (hv.MemoryMappedIODevice, bool)
}

func (e *Engine) HandleMMIO(ctx hv.ExitContext, vm mmioFinder, addr uint64, data []byte, write bool) error {
	dev, ok := vm.FindMMIO(addr)
	if !ok {
		return fmt.Errorf("virt: no device claims MMIO address %#x", addr)
	}
	if write {
		return dev.WriteMMIO(ctx, addr, data)
	}
	return dev.ReadMMIO(ctx, addr, data)
}

// Detach drops ec's bound vCPU handle. It leaves ec's control-block
// attachment in place, and obj.EC.Destroy does not call it.
func (e *Engine) Detach(ec *obj.EC) {
	e.mu.Lock()
	delete(e.vcpus, ec)
	e.mu.Unlock()
}
