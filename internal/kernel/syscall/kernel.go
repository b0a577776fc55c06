// Package syscall implements spec.md §6: the sixteen-opcode system-call
// surface, the per-EC UTCB page layout, and the hypervisor information page
// published to the root EC. It is also where the kernel's subsystems are
// assembled into one instance and where the simulated per-CPU run loop
// lives: one goroutine per CPU, pinned to an OS thread, driving schedule(),
// the deadline comparator, and hazard processing at every kernel-exit edge.
package syscall

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/go-nova/novakernel/internal/bootcfg"
	"github.com/go-nova/novakernel/internal/hv"
	"github.com/go-nova/novakernel/internal/kernel/fault"
	"github.com/go-nova/novakernel/internal/kernel/iommu"
	"github.com/go-nova/novakernel/internal/kernel/ipc"
	"github.com/go-nova/novakernel/internal/kernel/irq"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/ktime"
	"github.com/go-nova/novakernel/internal/kernel/obj"
	"github.com/go-nova/novakernel/internal/kernel/sched"
	"github.com/go-nova/novakernel/internal/kernel/virt"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Program is the simulation's stand-in for an EC's user code: invoked each
// time the scheduler dispatches the EC, it may issue syscalls back into the
// kernel through its Env. A program returning models the EC parking until
// its next dispatch.
type Program func(env *Env)

// Env is the execution environment a Program sees: which kernel, which
// simulated CPU it was dispatched on, and its own EC.
type Env struct {
	K   *Kernel
	CPU int
	EC  *obj.EC
}

// Syscall issues a system call from this EC, exactly as the instruction-level
// entry would: word packs opcode, flags and selector (see Encode), args are
// the remaining argument registers.
func (e *Env) Syscall(word uint64, args ...uint64) kstatus.Status {
	return e.K.Syscall(e.CPU, e.EC, word, args...)
}

type cpuSignal struct {
	rrq chan struct{}
	rke chan struct{}
}

// Kernel is one assembled microhypervisor instance: every subsystem of
// spec.md §4 wired together, plus the simulation-only program registry that
// stands in for user-mode text.
type Kernel struct {
	cfg *bootcfg.Config
	log *slog.Logger

	domain      *obj.Domain
	clock       *ktime.Clock
	timeouts    *ktime.TimeoutQueue
	comparators []*ktime.PerCPU
	router      *irq.Router
	sched       *sched.Scheduler
	engine      *ipc.Engine
	faults      *fault.Dispatcher
	virt        *virt.Engine
	smmu        *iommu.Table
	root        *obj.PD
	hip         *HIP

	signals []cpuSignal

	nextDeviceID atomicbitops.Uint32

	progMu   sync.Mutex
	programs map[*obj.EC]Program

	stop     chan struct{}
	tickerWG sync.WaitGroup
}

// New assembles a Kernel from cfg. hypervisor backs vCPU ECs' guest
// register state (package refhv in this build); nil is valid for instances
// that never create a vCPU EC.
func New(cfg *bootcfg.Config, hypervisor hv.Hypervisor, log *slog.Logger) *Kernel {
	if cfg == nil {
		cfg = bootcfg.Default()
	}
	if log == nil {
		log = slog.Default()
	}

	k := &Kernel{
		cfg:      cfg,
		log:      log,
		domain:   obj.NewDomain(cfg.CPUs),
		clock:    ktime.NewClock(),
		timeouts: ktime.NewTimeoutQueue(),
		programs: make(map[*obj.EC]Program),
		signals:  make([]cpuSignal, cfg.CPUs),
		stop:     make(chan struct{}),
	}
	for i := range k.signals {
		k.signals[i] = cpuSignal{rrq: make(chan struct{}, 1), rke: make(chan struct{}, 1)}
	}
	k.comparators = make([]*ktime.PerCPU, cfg.CPUs)
	for i := range k.comparators {
		k.comparators[i] = ktime.NewPerCPU(nil)
	}

	k.router = irq.New(cfg.CPUs, k, log)
	k.sched = sched.New(cfg.CPUs, k.domain, k, k.router, log)
	k.engine = ipc.New(k.sched, log)
	k.faults = fault.New(cfg.CPUs, k.engine, log)
	k.virt = virt.New(hypervisor, k.engine, k.faults, log)
	k.smmu = iommu.New(1, 8, log)
	k.root = obj.NewRootPD(k.domain, k.nextDeviceID.Add(1))
	k.hip = &HIP{
		NumCPUs:       uint16(cfg.CPUs),
		NumGSIs:       uint16(cfg.GSIs),
		SelectorWidth: 56, // selector bits left after the opcode/flags fields
		EventBase:     fault.EventBase,
		NumEvents:     uint16(fault.VectorMax) + 3, // fault vectors + STARTUP/RECALL/VTIMER
		ImageStart:    0x200000,
		ImageEnd:      0x400000,
		RootStart:     0x400000,
		RootEnd:       0x600000,
	}

	// The timer interrupt's software half: walk the per-EC timeout queue
	// and wake expired entries (spec.md §4.I).
	k.tickerWG.Add(1)
	go func() {
		defer k.tickerWG.Done()
		t := time.NewTicker(100 * time.Microsecond)
		defer t.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-t.C:
				k.timeouts.Advance(k.clock.Now())
			}
		}
	}()

	return k
}

// Close stops the kernel's background timeout sweep.
func (k *Kernel) Close() error {
	close(k.stop)
	k.tickerWG.Wait()
	return nil
}

// Root returns the root PD, holder of the bootstrap all-permission
// self-capability at selector 0.
func (k *Kernel) Root() *obj.PD { return k.root }

// Domain returns the kernel's RCU reclamation domain.
func (k *Kernel) Domain() *obj.Domain { return k.domain }

// Scheduler returns the kernel's scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Clock returns the kernel's monotonic tick source.
func (k *Kernel) Clock() *ktime.Clock { return k.clock }

// Router returns the GSI/IPI router.
func (k *Kernel) Router() *irq.Router { return k.router }

// IOMMU returns the platform's stream/context table.
func (k *Kernel) IOMMU() *iommu.Table { return k.smmu }

// Virt returns the virtualization engine.
func (k *Kernel) Virt() *virt.Engine { return k.virt }

// Faults returns the exception dispatcher.
func (k *Kernel) Faults() *fault.Dispatcher { return k.faults }

// IPC returns the portal engine.
func (k *Kernel) IPC() *ipc.Engine { return k.engine }

// Config returns the boot configuration this instance was assembled from.
func (k *Kernel) Config() *bootcfg.Config { return k.cfg }

// HIPPage returns a freshly encoded hypervisor information page.
func (k *Kernel) HIPPage() []byte { return k.hip.EncodePage() }

// NumCPUs returns the simulated CPU count.
func (k *Kernel) NumCPUs() int { return k.cfg.CPUs }

// SetDeadline implements sched.Timer by programming cpu's deadline
// comparator.
func (k *Kernel) SetDeadline(cpu int, tick int64) {
	if cpu >= 0 && cpu < len(k.comparators) {
		k.comparators[cpu].SetDeadline(tick)
	}
}

// KickRRQ implements irq.CPUKicker: wake cpu's idle loop.
func (k *Kernel) KickRRQ(cpu int) {
	if cpu >= 0 && cpu < len(k.signals) {
		select {
		case k.signals[cpu].rrq <- struct{}{}:
		default:
		}
	}
}

// KickRKE implements irq.CPUKicker: force cpu through a kernel entry.
func (k *Kernel) KickRKE(cpu int) {
	if cpu >= 0 && cpu < len(k.signals) {
		select {
		case k.signals[cpu].rke <- struct{}{}:
		default:
		}
	}
}

// BindProgram registers p as ec's user code.
func (k *Kernel) BindProgram(ec *obj.EC, p Program) {
	k.progMu.Lock()
	k.programs[ec] = p
	k.progMu.Unlock()
}

func (k *Kernel) programOf(ec *obj.EC) Program {
	k.progMu.Lock()
	defer k.progMu.Unlock()
	return k.programs[ec]
}

// armTimeout binds a hypercall deadline to ec: the timeout queue cancels
// the wait (via cancel) once the deadline tick passes (spec.md §4.I).
func (k *Kernel) armTimeout(ec *obj.EC, deadline int64, cancel func()) ktime.Token {
	ec.SetDeadline(deadline)
	return k.timeouts.Arm(deadline, ktime.ExpireFunc(cancel))
}

// disarmTimeout clears a bound hypercall deadline, whether it fired or not.
func (k *Kernel) disarmTimeout(ec *obj.EC, tok ktime.Token) {
	k.timeouts.Disarm(tok)
	ec.SetDeadline(0)
}

// runProgram invokes ec's registered program on cpu, the simulation's
// "resume in user mode". The helping protocol makes this reentrant: a
// caller's program issuing ipc_call runs the callee's program on the same
// goroutine, exactly as the donated SC would carry the callee on the same
// physical CPU.
func (k *Kernel) runProgram(cpu int, ec *obj.EC) {
	if ec == nil || ec.Killed() {
		return
	}
	if p := k.programOf(ec); p != nil {
		p(&Env{K: k, CPU: cpu, EC: ec})
	}
}

// Execute is the kernel-exit edge for one dispatched EC: process hazards,
// then resume the EC in user or guest mode (spec.md §5 "Examined at every
// kernel-exit edge").
func (k *Kernel) Execute(cpu int, ec *obj.EC) {
	if ec == nil || ec.Killed() {
		return
	}
	if ec.TestHazard(obj.HazardRecall) {
		if k.faults.DeliverRecall(cpu, ec) == kstatus.Success {
			if handler := ec.Partner(); handler != nil {
				k.runProgram(cpu, handler)
			}
		}
		if ec.Killed() {
			return
		}
	}
	if ec.TestHazard(obj.HazardSleep) {
		return
	}
	if cont := ec.Continuation(); cont.Kind == obj.ContRetUserException && cont.Selector == obj.EventStartup {
		// First run: deliver STARTUP through the bound portal if the PD has
		// one; an EC without a startup portal simply begins execution.
		ec.SetContinuation(obj.Continuation{Kind: obj.ContIdle})
		cap := ec.PD().ObjSpace.Lookup(obj.Selector(obj.EventStartup))
		if cap.Validate(obj.KindPT, obj.PermEvent) {
			if k.engine.Upcall(cpu, ec, 0, obj.EventStartup, 0) == kstatus.Success {
				k.runProgram(cpu, ec.Partner())
			}
		}
		if ec.Killed() {
			return
		}
	}
	if ec.Kind() == obj.ECVCpu {
		k.virt.Enter(context.Background(), cpu, ec)
		return
	}
	k.runProgram(cpu, ec)
}

// RunCPU is one simulated CPU's kernel thread: locked to an OS thread and
// (on Linux) pinned to a physical core so "ownership established by ...
// per-CPU containment" (spec.md §5) holds for real. It loops over the
// kernel-exit edge — service RKE kicks, fire the deadline comparator,
// schedule, execute — until ctx is done.
func (k *Kernel) RunCPU(ctx context.Context, cpu int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	pinToCPU(cpu)

	sig := k.signals[cpu]
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-sig.rke:
			k.router.AckRKE(cpu)
		default:
		}

		now := k.clock.Now()
		k.comparators[cpu].CheckFired(now)
		ec := k.sched.Schedule(cpu, now)
		if ec == nil {
			select {
			case <-ctx.Done():
				return
			case <-sig.rrq:
			case <-sig.rke:
				k.router.AckRKE(cpu)
			case <-time.After(200 * time.Microsecond):
			}
			continue
		}
		k.Execute(cpu, ec)
	}
}

var (
	_ sched.Timer   = (*Kernel)(nil)
	_ irq.CPUKicker = (*Kernel)(nil)
)
