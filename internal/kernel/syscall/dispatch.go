package syscall

import (
	"context"

	"github.com/go-nova/novakernel/internal/kernel/iommu"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/ktime"
	"github.com/go-nova/novakernel/internal/kernel/mm"
	"github.com/go-nova/novakernel/internal/kernel/obj"
	"github.com/go-nova/novakernel/internal/kernel/virt"
)

// Opcode is the 4-bit system-call number, spec.md §6's table.
type Opcode uint8

const (
	OpIPCCall Opcode = iota
	OpIPCReply
	OpCreatePD
	OpCreateEC
	OpCreateSC
	OpCreatePT
	OpCreateSM
	OpCtrlPD
	OpCtrlEC
	OpCtrlSC
	OpCtrlPT
	OpCtrlSM
	OpCtrlHW
	OpAssignInt
	OpAssignDev
	OpReserved
)

// Per-opcode flag bits, carried in the 4-bit flags field.
const (
	// ipc_call: return Timeout immediately instead of blocking via helping.
	FlagCallTimeout uint8 = 1 << 0

	// create_pd sub-operations.
	SubCreatePD    uint8 = 0
	SubCreateGuest uint8 = 1
	SubCreateDMA   uint8 = 2
	SubCreatePIO   uint8 = 3
	SubCreateMSR   uint8 = 4

	// create_ec kinds.
	FlagECLocal  uint8 = 0
	FlagECGlobal uint8 = 1
	FlagECVCpu   uint8 = 2

	// ctrl_pd delegation space pairs (low 3 bits) and the attribute
	// override bit.
	DelObjObj     uint8 = 0
	DelHostHost   uint8 = 1
	DelHostGuest  uint8 = 2
	DelHostDMA    uint8 = 3
	DelPIOPIO     uint8 = 4
	DelMSRMSR     uint8 = 5
	FlagDelAttrib uint8 = 1 << 3

	// ctrl_ec: strong recall (kick the target CPU now).
	FlagRecallStrong uint8 = 1 << 0

	// ctrl_pt: which of badge/MTD to update.
	FlagSetBadge uint8 = 1 << 0
	FlagSetMTD   uint8 = 1 << 1

	// ctrl_sm: down instead of up; zero-to-count consumes the whole
	// counter on down (edge-interrupt acknowledge).
	FlagSMDown        uint8 = 1 << 0
	FlagSMZeroToCount uint8 = 1 << 1
)

// DeadlineInfinite is the ctrl_sm down deadline meaning "block forever";
// a zero deadline means poll (spec.md §5).
const DeadlineInfinite = ^uint64(0)

// Encode packs opcode, flags and selector into the first argument register's
// layout: opcode in bits 0-3, flags in bits 4-7, selector above (spec.md §6).
func Encode(op Opcode, flags uint8, sel obj.Selector) uint64 {
	return uint64(op)&0xf | uint64(flags&0xf)<<4 | uint64(sel)<<8
}

// Syscall is the system-call entry: dispatch on the 4-bit opcode in word,
// with the status result modeling the value placed in the first argument
// register on return. Every handler clears any bound hypercall timeout
// before doing anything else (spec.md §6).
func (k *Kernel) Syscall(cpu int, caller *obj.EC, word uint64, args ...uint64) kstatus.Status {
	op := Opcode(word & 0xf)
	flags := uint8(word>>4) & 0xf
	sel := obj.Selector(word >> 8)

	caller.SetDeadline(0)

	switch op {
	case OpIPCCall:
		return k.sysCall(cpu, caller, sel, flags)
	case OpIPCReply:
		return k.sysReply(caller)
	case OpCreatePD:
		return k.sysCreatePD(cpu, caller, sel, flags, args)
	case OpCreateEC:
		return k.sysCreateEC(cpu, caller, sel, flags, args)
	case OpCreateSC:
		return k.sysCreateSC(cpu, caller, sel, args)
	case OpCreatePT:
		return k.sysCreatePT(cpu, caller, sel, args)
	case OpCreateSM:
		return k.sysCreateSM(cpu, caller, sel, args)
	case OpCtrlPD:
		return k.sysCtrlPD(cpu, caller, sel, flags, args)
	case OpCtrlEC:
		return k.sysCtrlEC(cpu, caller, sel, flags)
	case OpCtrlSC:
		return k.sysCtrlSC(caller, sel)
	case OpCtrlPT:
		return k.sysCtrlPT(caller, sel, flags, args)
	case OpCtrlSM:
		return k.sysCtrlSM(cpu, caller, sel, flags, args)
	case OpCtrlHW:
		return k.sysCtrlHW(caller, flags)
	case OpAssignInt:
		return k.sysAssignInt(caller, sel, args)
	case OpAssignDev:
		return k.sysAssignDev(caller, sel, args)
	default:
		return kstatus.BadHypercall
	}
}

// statusOf translates an internal error to the wire-level Status, with the
// §7 fallback: a plain Go error with no carried status surfaces as MEM_OBJ.
func statusOf(err error) kstatus.Status {
	if err == nil {
		return kstatus.Success
	}
	if s, ok := kstatus.As(err); ok {
		return s
	}
	return kstatus.MemoryObject
}

func (k *Kernel) sysCall(cpu int, caller *obj.EC, sel obj.Selector, flags uint8) kstatus.Status {
	cap := caller.PD().ObjSpace.Lookup(sel)
	pt, ok := obj.AsPT(cap)
	if !ok || !cap.Validate(obj.KindPT, obj.PermCall) {
		return kstatus.BadCapability
	}

	st := k.engine.Call(cpu, caller, pt, UTCBMTD(caller), flags&FlagCallTimeout != 0)
	if st != kstatus.Success {
		return st
	}

	// Helping: the caller's goroutine carries the callee, exactly as the
	// donated SC carries it on the same physical CPU (spec.md §4.D).
	k.runProgram(cpu, pt.Target())

	if caller.Killed() {
		return kstatus.Aborted
	}
	if caller.Partner() != nil {
		// The callee returned to user mode without replying — it died
		// mid-rendezvous as far as the caller is concerned.
		k.engine.Abort(pt.Target())
		return kstatus.Aborted
	}
	return kstatus.Success
}

func (k *Kernel) sysReply(callee *obj.EC) kstatus.Status {
	return k.engine.Reply(callee, UTCBMTD(callee))
}

// authorityPD resolves args[0] as a PD capability in caller's object space
// and checks it carries perm.
func (k *Kernel) authorityPD(caller *obj.EC, args []uint64, perm obj.Permission) (obj.Capability, *obj.PD, kstatus.Status) {
	if len(args) < 1 {
		return obj.Capability{}, nil, kstatus.BadParameter
	}
	cap := caller.PD().ObjSpace.Lookup(obj.Selector(args[0]))
	pd, ok := obj.AsPD(cap)
	if !ok || !cap.Validate(obj.KindPD, perm) {
		return obj.Capability{}, nil, kstatus.BadCapability
	}
	return cap, pd, kstatus.Success
}

func (k *Kernel) sysCreatePD(cpu int, caller *obj.EC, sel obj.Selector, flags uint8, args []uint64) kstatus.Status {
	switch flags {
	case SubCreatePD:
		cap, holder, st := k.authorityPD(caller, args, obj.PermCreatePD)
		if st != kstatus.Success {
			return st
		}
		_, err := obj.CreatePD(context.Background(), cap, holder, sel, k.nextDeviceID.Add(1))
		return statusOf(err)
	case SubCreateGuest, SubCreateDMA, SubCreatePIO, SubCreateMSR:
		cap := caller.PD().ObjSpace.Lookup(sel)
		pd, ok := obj.AsPD(cap)
		if !ok || !cap.Validate(obj.KindPD, obj.PermCreatePD) {
			return kstatus.BadCapability
		}
		switch flags {
		case SubCreateGuest:
			return statusOf(pd.CreateGuestSpace())
		case SubCreateDMA:
			return statusOf(pd.CreateDMASpace())
		case SubCreatePIO:
			return statusOf(pd.CreatePIOSpace())
		default:
			return statusOf(pd.CreateMSRSpace())
		}
	default:
		return kstatus.BadParameter
	}
}

func (k *Kernel) sysCreateEC(cpu int, caller *obj.EC, sel obj.Selector, flags uint8, args []uint64) kstatus.Status {
	if len(args) < 3 {
		return kstatus.BadParameter
	}
	cap, holder, st := k.authorityPD(caller, args, obj.PermCreateEC)
	if st != kstatus.Success {
		return st
	}
	homeCPU := int(args[1])
	if homeCPU < 0 || homeCPU >= k.cfg.CPUs {
		return kstatus.BadCPU
	}
	var kind obj.ECKind
	switch flags {
	case FlagECLocal:
		kind = obj.ECLocal
	case FlagECGlobal:
		kind = obj.ECGlobal
	case FlagECVCpu:
		kind = obj.ECVCpu
	default:
		return kstatus.BadParameter
	}

	utcbVA := args[2]
	ec, err := obj.CreateEC(context.Background(), cap, holder, sel, holder, kind, homeCPU, utcbVA)
	if err != nil {
		return statusOf(err)
	}
	if utcbVA != 0 {
		mt := mm.MemoryType{Shareability: mm.ShareInner, Cacheability: mm.CacheWriteBack}
		if err := holder.Host.Map(context.Background(), utcbVA, utcbVA, obj.UTCBSize, mm.PermR|mm.PermW|mm.PermUser, mt, k.router); err != nil {
			return statusOf(err)
		}
	}
	if kind == obj.ECVCpu {
		if err := virt.Attach(ec, virt.NewControlBlock(holder.DeviceID())); err != nil {
			return statusOf(err)
		}
	}
	return kstatus.Success
}

func (k *Kernel) sysCreateSC(cpu int, caller *obj.EC, sel obj.Selector, args []uint64) kstatus.Status {
	if len(args) < 4 {
		return kstatus.BadParameter
	}
	cap, holder, st := k.authorityPD(caller, args, obj.PermCreateSC)
	if st != kstatus.Success {
		return st
	}
	ecCap := caller.PD().ObjSpace.Lookup(obj.Selector(args[1]))
	ec, ok := obj.AsEC(ecCap)
	if !ok || !ecCap.Validate(obj.KindEC, obj.PermCtrlEC) {
		return kstatus.BadCapability
	}
	if args[2] > uint64(obj.MaxPriority) {
		return kstatus.BadParameter
	}
	_, err := obj.CreateSC(context.Background(), cap, holder, sel, ec, k.sched, uint8(args[2]), int64(args[3]))
	return statusOf(err)
}

func (k *Kernel) sysCreatePT(cpu int, caller *obj.EC, sel obj.Selector, args []uint64) kstatus.Status {
	if len(args) < 4 {
		return kstatus.BadParameter
	}
	cap, holder, st := k.authorityPD(caller, args, obj.PermCreatePT)
	if st != kstatus.Success {
		return st
	}
	ecCap := caller.PD().ObjSpace.Lookup(obj.Selector(args[1]))
	target, ok := obj.AsEC(ecCap)
	if !ok || !ecCap.Validate(obj.KindEC, obj.PermCtrlEC) {
		return kstatus.BadCapability
	}
	if target.HomeCPU() != cpu {
		return kstatus.BadCPU
	}
	_, err := obj.CreatePT(context.Background(), cap, holder, sel, target, args[2], uint32(args[3]))
	return statusOf(err)
}

func (k *Kernel) sysCreateSM(cpu int, caller *obj.EC, sel obj.Selector, args []uint64) kstatus.Status {
	if len(args) < 2 {
		return kstatus.BadParameter
	}
	cap, holder, st := k.authorityPD(caller, args, obj.PermCreateSM)
	if st != kstatus.Success {
		return st
	}
	_, err := obj.CreateSM(context.Background(), cap, holder, sel, int64(args[1]))
	return statusOf(err)
}

func (k *Kernel) sysCtrlPD(cpu int, caller *obj.EC, sel obj.Selector, flags uint8, args []uint64) kstatus.Status {
	if len(args) < 6 {
		return kstatus.BadParameter
	}
	srcCap := caller.PD().ObjSpace.Lookup(sel)
	src, ok := obj.AsPD(srcCap)
	if !ok || !srcCap.Validate(obj.KindPD, obj.PermCtrlPD) {
		return kstatus.BadCapability
	}
	dstCap := caller.PD().ObjSpace.Lookup(obj.Selector(args[0]))
	dst, ok := obj.AsPD(dstCap)
	if !ok || !dstCap.Validate(obj.KindPD, obj.PermCtrlPD) {
		return kstatus.BadCapability
	}

	srcBase, dstBase := args[1], args[2]
	order := uint(args[3])
	mask := args[4]

	if flags&0x7 == DelObjObj {
		return statusOf(obj.DelegateObjects(src.ObjSpace, dst.ObjSpace,
			obj.Selector(srcBase), obj.Selector(dstBase), order, obj.Permission(mask)))
	}

	var mt *mm.MemoryType
	if flags&FlagDelAttrib != 0 {
		attr := args[5]
		mt = &mm.MemoryType{
			Shareability: mm.Shareability(attr & 0x3),
			Cacheability: mm.Cacheability((attr >> 2) & 0x3),
		}
	}

	var from, to *mm.Space
	switch flags & 0x7 {
	case DelHostHost:
		from, to = src.Host, dst.Host
	case DelHostGuest:
		from, to = src.Host, dst.Guest
	case DelHostDMA:
		from, to = src.Host, dst.DMA
	case DelPIOPIO:
		from, to = src.PIO, dst.PIO
	case DelMSRMSR:
		from, to = src.MSR, dst.MSR
	default:
		return kstatus.BadParameter
	}
	if from == nil || to == nil {
		return kstatus.BadParameter
	}
	return statusOf(mm.Delegate(context.Background(), from, to, srcBase, dstBase, order, mm.Permission(mask), mt, k.router))
}

func (k *Kernel) sysCtrlEC(cpu int, caller *obj.EC, sel obj.Selector, flags uint8) kstatus.Status {
	cap := caller.PD().ObjSpace.Lookup(sel)
	ec, ok := obj.AsEC(cap)
	if !ok || !cap.Validate(obj.KindEC, obj.PermCtrlEC) {
		return kstatus.BadCapability
	}
	st := k.faults.Recall(cpu, ec)
	if st == kstatus.Success && flags&FlagRecallStrong != 0 {
		k.router.Poke(ec.HomeCPU())
	}
	return st
}

func (k *Kernel) sysCtrlSC(caller *obj.EC, sel obj.Selector) kstatus.Status {
	cap := caller.PD().ObjSpace.Lookup(sel)
	sc, ok := obj.AsSC(cap)
	if !ok || !cap.Validate(obj.KindSC, obj.PermCtrlSC) {
		return kstatus.BadCapability
	}
	caller.Regs().GPR[1] = uint64(sc.Consumed())
	return kstatus.Success
}

func (k *Kernel) sysCtrlPT(caller *obj.EC, sel obj.Selector, flags uint8, args []uint64) kstatus.Status {
	cap := caller.PD().ObjSpace.Lookup(sel)
	pt, ok := obj.AsPT(cap)
	if !ok || !cap.Validate(obj.KindPT, obj.PermCtrlPT) {
		return kstatus.BadCapability
	}
	if flags&FlagSetBadge != 0 {
		if len(args) < 1 {
			return kstatus.BadParameter
		}
		pt.SetBadge(args[0])
	}
	if flags&FlagSetMTD != 0 {
		if len(args) < 2 {
			return kstatus.BadParameter
		}
		pt.SetMTD(uint32(args[1]))
	}
	return kstatus.Success
}

func (k *Kernel) sysCtrlSM(cpu int, caller *obj.EC, sel obj.Selector, flags uint8, args []uint64) kstatus.Status {
	cap := caller.PD().ObjSpace.Lookup(sel)
	sm, ok := obj.AsSM(cap)
	if !ok {
		return kstatus.BadCapability
	}

	if flags&FlagSMDown == 0 {
		if !cap.Validate(obj.KindSM, obj.PermUp) {
			return kstatus.BadCapability
		}
		sm.Up()
		return kstatus.Success
	}

	if !cap.Validate(obj.KindSM, obj.PermDown) {
		return kstatus.BadCapability
	}
	deadline := DeadlineInfinite
	if len(args) > 0 {
		deadline = args[0]
	}

	ctx := context.Background()
	var tok ktime.Token
	switch deadline {
	case DeadlineInfinite:
	case 0:
		// Poll: an already-expired context makes Down consume an available
		// unit or return Timeout without blocking.
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		ctx = cctx
	default:
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx = cctx
		tok = k.armTimeout(caller, int64(deadline), cancel)
	}

	st := sm.Down(ctx, caller, k.sched.Current(cpu), flags&FlagSMZeroToCount != 0)
	k.disarmTimeout(caller, tok)
	return st
}

func (k *Kernel) sysCtrlHW(caller *obj.EC, flags uint8) kstatus.Status {
	if caller.PD() != k.root {
		return kstatus.BadHypercall
	}
	k.log.Info("platform sleep transition requested", "state", flags)
	for cpu := 0; cpu < k.cfg.CPUs; cpu++ {
		if sc := k.sched.Current(cpu); sc != nil && sc.EC() != nil {
			sc.EC().SetHazard(obj.HazardSleep)
		}
		k.KickRKE(cpu)
	}
	return kstatus.Success
}

func (k *Kernel) sysAssignInt(caller *obj.EC, sel obj.Selector, args []uint64) kstatus.Status {
	if len(args) < 2 {
		return kstatus.BadParameter
	}
	cap := caller.PD().ObjSpace.Lookup(sel)
	sm, ok := obj.AsSM(cap)
	if !ok || !cap.Validate(obj.KindSM, obj.PermUp) {
		return kstatus.BadCapability
	}
	gsi, cpuIdx := args[0], args[1]
	if gsi >= uint64(k.cfg.GSIs) {
		return kstatus.BadDevice
	}
	if cpuIdx >= uint64(k.cfg.CPUs) {
		return kstatus.BadCPU
	}
	if err := k.router.BindSM(uint8(gsi), sm); err != nil {
		return statusOf(err)
	}
	// The MSI address/data pair the device must program to hit this GSI on
	// this CPU (spec.md §4.H).
	caller.Regs().GPR[1] = 0xfee00000 | cpuIdx<<12
	caller.Regs().GPR[2] = 0x4000 | gsi
	return kstatus.Success
}

func (k *Kernel) sysAssignDev(caller *obj.EC, sel obj.Selector, args []uint64) kstatus.Status {
	if caller.PD() != k.root {
		return kstatus.BadHypercall
	}
	if k.cfg.NoSMMU {
		return kstatus.BadFeature
	}
	if len(args) < 1 {
		return kstatus.BadParameter
	}
	cap := caller.PD().ObjSpace.Lookup(sel)
	pd, ok := obj.AsPD(cap)
	if !ok || !cap.Validate(obj.KindPD, obj.PermCtrlPD) {
		return kstatus.BadCapability
	}
	if pd.DMA == nil {
		return kstatus.BadParameter
	}
	return statusOf(k.smmu.Assign(iommu.StreamID(args[0]), pd.DMA))
}
