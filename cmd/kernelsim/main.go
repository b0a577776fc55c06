// Command kernelsim boots one simulated microhypervisor instance and walks
// it through the end-to-end scenarios a freshly ported board would be
// smoke-tested with: portal echo, recall delivery, cross-CPU wakeup,
// delegation attribute fidelity, IOMMU assignment, interrupt routing, and
// timeout expiry.
// It also exposes the platform control socket an operator-side client uses
// to request sleep transitions and query status.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-nova/novakernel/internal/bootcfg"
	"github.com/go-nova/novakernel/internal/chipset"
	"github.com/go-nova/novakernel/internal/hv"
	"github.com/go-nova/novakernel/internal/hv/refhv"
	ctl "github.com/go-nova/novakernel/internal/ipc"
	kipc "github.com/go-nova/novakernel/internal/kernel/ipc"
	"github.com/go-nova/novakernel/internal/kernel/iommu"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/mm"
	"github.com/go-nova/novakernel/internal/kernel/obj"
	"github.com/go-nova/novakernel/internal/kernel/syscall"
)

func main() {
	configPath := flag.String("config", "", "YAML boot configuration file")
	cmdline := flag.String("cmdline", "", "boot command line keywords")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	var raw []byte
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Error("read config", "err", err)
			os.Exit(1)
		}
		raw = data
	}
	cfg, err := bootcfg.Load(raw)
	if err != nil {
		log.Error("parse config", "err", err)
		os.Exit(1)
	}
	if cfg.CPUs < 4 {
		cfg.CPUs = 4 // the cross-CPU scenarios need at least CPUs 0 and 3
	}
	cfg.ApplyCmdLine(*cmdline)

	k := syscall.New(cfg, refhv.New(hv.ArchitectureNative), log)
	defer k.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for cpu := 0; cpu < k.NumCPUs(); cpu++ {
		go k.RunCPU(ctx, cpu)
	}

	// The root EC: the first thread of the root task, crafted directly by
	// the kernel at boot the way the original hands control to the root
	// task's entry point with the HIP address in a register.
	rootEC := obj.NewEC(k.Domain(), k.Root(), obj.ECGlobal, 0, 0)
	env := &syscall.Env{K: k, CPU: 0, EC: rootEC}

	if !syscall.VerifyPage(k.HIPPage()) {
		log.Error("HIP checksum broken")
		os.Exit(1)
	}
	log.Info("kernel up", "cpus", k.NumCPUs(), "gsis", cfg.GSIs)

	srv := startControlServer(k, env, log)
	if srv != nil {
		defer srv.Close()
	}

	failures := 0
	for _, sc := range []struct {
		name string
		run  func(*syscall.Kernel, *syscall.Env) error
	}{
		{"portal echo", scenarioPortalEcho},
		{"recall delivery", scenarioRecall},
		{"cross-CPU wakeup", scenarioCrossCPUWakeup},
		{"delegation fidelity", scenarioDelegation},
		{"IOMMU assignment", scenarioIOMMU},
		{"interrupt routing", scenarioInterruptRouting},
		{"timeout expiry", scenarioTimeout},
	} {
		if err := sc.run(k, env); err != nil {
			log.Error("scenario failed", "name", sc.name, "err", err)
			failures++
			continue
		}
		log.Info("scenario passed", "name", sc.name)
	}
	if failures > 0 {
		os.Exit(1)
	}
}

// startControlServer exposes the platform control socket: sleep requests
// become ctrl_hw hypercalls issued on the root EC's behalf.
func startControlServer(k *syscall.Kernel, env *syscall.Env, log *slog.Logger) *ctl.Server {
	mux := ctl.NewMux()
	mux.Handle(ctl.MsgSleep, func(dec *ctl.Decoder) ([]byte, error) {
		state := dec.Uint8()
		if st := env.Syscall(syscall.Encode(syscall.OpCtrlHW, state&0xf, 0)); st != kstatus.Success {
			return nil, &ctl.IPCError{Code: ctl.ErrCodeDenied, Message: st.String(), Op: "ctrl_hw"}
		}
		return ctl.NewResponseBuilder().Success().Build(), nil
	})
	mux.Handle(ctl.MsgStatus, func(dec *ctl.Decoder) ([]byte, error) {
		return ctl.NewResponseBuilder().
			Uint16(uint16(k.NumCPUs())).
			Int64(k.Clock().Now()).
			Build(), nil
	})

	srv, err := ctl.NewServer(ctl.SocketPath(), mux.Handler())
	if err != nil {
		log.Warn("control socket unavailable", "err", err)
		return nil
	}
	go srv.Serve()
	log.Info("control socket listening", "path", srv.SocketPath())
	return srv
}

// Selector allocation for the scenarios, above the root self-capability at 0.
const (
	selEchoSrv obj.Selector = 0x10 + iota
	selEchoPT
	selEchoCli
	selEchoCliSC
	selVM
	selVMSC
	selRecallHandler
	selWakeSM
	selWaiter
	selWaiterSC
	selPoster
	selPosterSC
	selGuestPD
	selTimeoutSM
	selDoorbellSM
)

const entryIP = 0x401000

func scenarioPortalEcho(k *syscall.Kernel, env *syscall.Env) error {
	if st := env.Syscall(syscall.Encode(syscall.OpCreateEC, syscall.FlagECLocal, selEchoSrv), 0, 0, 0x7fff0000); st != kstatus.Success {
		return fmt.Errorf("create_ec srv: %s", st)
	}
	srv, _ := obj.AsEC(k.Root().ObjSpace.Lookup(selEchoSrv))
	k.BindProgram(srv, func(e *syscall.Env) {
		regs := e.EC.Regs()
		if regs.IP != entryIP {
			return
		}
		for i := 1; i <= 4; i++ {
			regs.GPR[i] *= 10
		}
		syscall.SetUTCBMTD(e.EC, kipc.MTDGPRs)
		e.Syscall(syscall.Encode(syscall.OpIPCReply, 0, 0))
	})

	if st := env.Syscall(syscall.Encode(syscall.OpCreatePT, 0, selEchoPT), 0, uint64(selEchoSrv), entryIP, uint64(kipc.MTDGPRs)); st != kstatus.Success {
		return fmt.Errorf("create_pt: %s", st)
	}
	if st := env.Syscall(syscall.Encode(syscall.OpCtrlPT, syscall.FlagSetBadge, selEchoPT), 0xbeef); st != kstatus.Success {
		return fmt.Errorf("ctrl_pt: %s", st)
	}

	if st := env.Syscall(syscall.Encode(syscall.OpCreateEC, syscall.FlagECGlobal, selEchoCli), 0, 0, 0x7fff1000); st != kstatus.Success {
		return fmt.Errorf("create_ec cli: %s", st)
	}
	cli, _ := obj.AsEC(k.Root().ObjSpace.Lookup(selEchoCli))

	type echoResult struct {
		st   kstatus.Status
		gprs [4]uint64
	}
	done := make(chan echoResult, 1)
	ran := false
	k.BindProgram(cli, func(e *syscall.Env) {
		if ran {
			return
		}
		ran = true
		regs := e.EC.Regs()
		regs.GPR[1], regs.GPR[2], regs.GPR[3], regs.GPR[4] = 1, 2, 3, 4
		syscall.SetUTCBMTD(e.EC, kipc.MTDGPRs)
		st := e.Syscall(syscall.Encode(syscall.OpIPCCall, 0, selEchoPT))
		done <- echoResult{st, [4]uint64{regs.GPR[1], regs.GPR[2], regs.GPR[3], regs.GPR[4]}}
	})

	// prio 32, 10ms budget, per the smoke-test convention.
	if st := env.Syscall(syscall.Encode(syscall.OpCreateSC, 0, selEchoCliSC), 0, uint64(selEchoCli), 32, 100000); st != kstatus.Success {
		return fmt.Errorf("create_sc: %s", st)
	}

	select {
	case r := <-done:
		if r.st != kstatus.Success {
			return fmt.Errorf("call returned %s", r.st)
		}
		if r.gprs != [4]uint64{10, 20, 30, 40} {
			return fmt.Errorf("echoed GPRs = %v", r.gprs)
		}
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("no echo within deadline")
	}
}

func scenarioRecall(k *syscall.Kernel, env *syscall.Env) error {
	if st := env.Syscall(syscall.Encode(syscall.OpCreateEC, syscall.FlagECLocal, selRecallHandler), 0, 0, 0x7fff2000); st != kstatus.Success {
		return fmt.Errorf("create_ec handler: %s", st)
	}
	handler, _ := obj.AsEC(k.Root().ObjSpace.Lookup(selRecallHandler))
	recalled := make(chan struct{}, 1)
	k.BindProgram(handler, func(e *syscall.Env) {
		select {
		case recalled <- struct{}{}:
		default:
		}
		syscall.SetUTCBMTD(e.EC, 0)
		e.Syscall(syscall.Encode(syscall.OpIPCReply, 0, 0))
	})

	// The recall portal lives at the synthetic RECALL event selector in the
	// faulting EC's own PD.
	if st := env.Syscall(syscall.Encode(syscall.OpCreatePT, 0, obj.Selector(obj.EventRecall)), 0, uint64(selRecallHandler), entryIP+0x10, 0); st != kstatus.Success {
		return fmt.Errorf("create_pt recall: %s", st)
	}

	if st := env.Syscall(syscall.Encode(syscall.OpCreateEC, syscall.FlagECGlobal, selVM), 0, 0, 0x7fff3000); st != kstatus.Success {
		return fmt.Errorf("create_ec vm: %s", st)
	}
	vm, _ := obj.AsEC(k.Root().ObjSpace.Lookup(selVM))
	k.BindProgram(vm, func(e *syscall.Env) {
		// Tight loop: burns its quantum and returns to be redispatched.
		time.Sleep(50 * time.Microsecond)
	})
	if st := env.Syscall(syscall.Encode(syscall.OpCreateSC, 0, selVMSC), 0, uint64(selVM), 16, 10000); st != kstatus.Success {
		return fmt.Errorf("create_sc vm: %s", st)
	}

	if st := env.Syscall(syscall.Encode(syscall.OpCtrlEC, syscall.FlagRecallStrong, selVM)); st != kstatus.Success {
		return fmt.Errorf("ctrl_ec: %s", st)
	}

	select {
	case <-recalled:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("recall not delivered")
	}
}

func scenarioCrossCPUWakeup(k *syscall.Kernel, env *syscall.Env) error {
	if st := env.Syscall(syscall.Encode(syscall.OpCreateSM, 0, selWakeSM), 0, 0); st != kstatus.Success {
		return fmt.Errorf("create_sm: %s", st)
	}

	if st := env.Syscall(syscall.Encode(syscall.OpCreateEC, syscall.FlagECGlobal, selWaiter), 0, 0, 0x7fff4000); st != kstatus.Success {
		return fmt.Errorf("create_ec waiter: %s", st)
	}
	waiter, _ := obj.AsEC(k.Root().ObjSpace.Lookup(selWaiter))
	woke := make(chan kstatus.Status, 1)
	waited := false
	k.BindProgram(waiter, func(e *syscall.Env) {
		if waited {
			return
		}
		waited = true
		woke <- e.Syscall(syscall.Encode(syscall.OpCtrlSM, syscall.FlagSMDown, selWakeSM), syscall.DeadlineInfinite)
	})

	if st := env.Syscall(syscall.Encode(syscall.OpCreateEC, syscall.FlagECGlobal, selPoster), 0, 3, 0x7fff5000); st != kstatus.Success {
		return fmt.Errorf("create_ec poster: %s", st)
	}
	poster, _ := obj.AsEC(k.Root().ObjSpace.Lookup(selPoster))
	posted := false
	k.BindProgram(poster, func(e *syscall.Env) {
		if posted {
			return
		}
		posted = true
		e.Syscall(syscall.Encode(syscall.OpCtrlSM, 0, selWakeSM))
	})

	if st := env.Syscall(syscall.Encode(syscall.OpCreateSC, 0, selWaiterSC), 0, uint64(selWaiter), 32, 100000); st != kstatus.Success {
		return fmt.Errorf("create_sc waiter: %s", st)
	}
	time.Sleep(10 * time.Millisecond) // let the waiter block first
	if st := env.Syscall(syscall.Encode(syscall.OpCreateSC, 0, selPosterSC), 0, uint64(selPoster), 32, 100000); st != kstatus.Success {
		return fmt.Errorf("create_sc poster: %s", st)
	}

	select {
	case st := <-woke:
		if st != kstatus.Success {
			return fmt.Errorf("waiter woke with %s", st)
		}
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("waiter never woke")
	}
}

func scenarioDelegation(k *syscall.Kernel, env *syscall.Env) error {
	mt := mm.MemoryType{Shareability: mm.ShareInner, Cacheability: mm.CacheWriteBack}
	if err := k.Root().Host.Map(context.Background(), 0x1000, 0xabc000, 0x1000,
		mm.PermR|mm.PermW|mm.PermExecUser, mt, k.Router()); err != nil {
		return fmt.Errorf("map source: %w", err)
	}

	if st := env.Syscall(syscall.Encode(syscall.OpCreatePD, syscall.SubCreatePD, selGuestPD), 0); st != kstatus.Success {
		return fmt.Errorf("create_pd: %s", st)
	}
	if st := env.Syscall(syscall.Encode(syscall.OpCreatePD, syscall.SubCreateGuest, selGuestPD)); st != kstatus.Success {
		return fmt.Errorf("create guest space: %s", st)
	}

	// Delegate [0x1000, 0x2000) host→guest with mask R|X, inheriting the
	// source attributes.
	mask := uint64(mm.PermR | mm.PermExecUser)
	if st := env.Syscall(syscall.Encode(syscall.OpCtrlPD, syscall.DelHostGuest, 0),
		uint64(selGuestPD), 0x1000, 0x1000, 12, mask, 0); st != kstatus.Success {
		return fmt.Errorf("delegate: %s", st)
	}

	guestPD, _ := obj.AsPD(k.Root().ObjSpace.Lookup(selGuestPD))
	pa, order, gotMT, perm, ok := guestPD.Guest.Lookup(0x1000)
	if !ok {
		return fmt.Errorf("guest lookup failed")
	}
	if pa != 0xabc000 || order < 12 {
		return fmt.Errorf("guest lookup: pa=%#x order=%d", pa, order)
	}
	if gotMT != mt {
		return fmt.Errorf("attributes not preserved: %+v", gotMT)
	}
	if perm != mm.PermR|mm.PermExecUser {
		return fmt.Errorf("permission not masked: %#x", perm)
	}
	return nil
}

func scenarioIOMMU(k *syscall.Kernel, env *syscall.Env) error {
	if st := env.Syscall(syscall.Encode(syscall.OpCreatePD, syscall.SubCreateDMA, 0)); st != kstatus.Success {
		return fmt.Errorf("create DMA space: %s", st)
	}
	const bdf = 0x0300 // 03:00.0
	if st := env.Syscall(syscall.Encode(syscall.OpAssignDev, 0, 0), bdf); st != kstatus.Success {
		return fmt.Errorf("assign_dev: %s", st)
	}
	// A DMA to an unmapped address must fault (logged, never fatal).
	if _, err := k.IOMMU().Translate(iommu.StreamID(bdf), 0xdead0000); err == nil {
		return fmt.Errorf("unmapped DMA translated")
	}
	return nil
}

// doorbellDevice is a minimal DMA-less device: a one-page MMIO doorbell
// that pulses its interrupt line on any write, standing in for an MSI-
// capable peripheral exercising the assign_int path end to end.
type doorbellDevice struct {
	line chipset.LineInterrupt
}

func (d *doorbellDevice) Init(vm hv.VirtualMachine) error { return nil }
func (d *doorbellDevice) Start() error                    { return nil }
func (d *doorbellDevice) Stop() error                     { return nil }
func (d *doorbellDevice) Reset() error                    { return nil }

func (d *doorbellDevice) SupportsPortIO() *chipset.PortIOIntercept   { return nil }
func (d *doorbellDevice) SupportsPollDevice() *chipset.PollDevice    { return nil }
func (d *doorbellDevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: doorbellBase, Size: 0x1000}},
		Handler: d,
	}
}

func (d *doorbellDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *doorbellDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.line.PulseInterrupt()
	return nil
}

const doorbellBase = 0xfed00000

func scenarioInterruptRouting(k *syscall.Kernel, env *syscall.Env) error {
	if st := env.Syscall(syscall.Encode(syscall.OpCreateSM, 0, selDoorbellSM), 0, 0); st != kstatus.Success {
		return fmt.Errorf("create_sm: %s", st)
	}
	if st := env.Syscall(syscall.Encode(syscall.OpAssignInt, 0, selDoorbellSM), 9, 1); st != kstatus.Success {
		return fmt.Errorf("assign_int: %s", st)
	}
	msiAddr, msiData := env.EC.Regs().GPR[1], env.EC.Regs().GPR[2]
	if msiAddr == 0 || msiData == 0 {
		return fmt.Errorf("no MSI address/data pair returned")
	}

	builder := chipset.NewBuilder()
	dev := &doorbellDevice{line: k.Router().Lines().AllocateLine(9)}
	if err := builder.RegisterDevice("doorbell", dev); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if err := builder.WithInterruptLine(9, k.Router()); err != nil {
		return fmt.Errorf("interrupt line: %w", err)
	}
	board, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build chipset: %w", err)
	}
	if err := board.Start(); err != nil {
		return fmt.Errorf("start chipset: %w", err)
	}
	defer board.Stop()

	// The device rings its doorbell; the pulse must surface as an SM up.
	if err := board.HandleMMIO(nil, doorbellBase+8, []byte{1}, true); err != nil {
		return fmt.Errorf("doorbell write: %w", err)
	}
	if st := env.Syscall(syscall.Encode(syscall.OpCtrlSM, syscall.FlagSMDown, selDoorbellSM), 0); st != kstatus.Success {
		return fmt.Errorf("interrupt not delivered to the SM: %s", st)
	}
	return nil
}

func scenarioTimeout(k *syscall.Kernel, env *syscall.Env) error {
	if st := env.Syscall(syscall.Encode(syscall.OpCreateSM, 0, selTimeoutSM), 0, 0); st != kstatus.Success {
		return fmt.Errorf("create_sm: %s", st)
	}
	deadline := uint64(k.Clock().Now() + 50000) // +5ms in 100ns ticks
	start := time.Now()
	st := env.Syscall(syscall.Encode(syscall.OpCtrlSM, syscall.FlagSMDown, selTimeoutSM), deadline)
	if st != kstatus.Timeout {
		return fmt.Errorf("down returned %s", st)
	}
	if elapsed := time.Since(start); elapsed < 4*time.Millisecond || elapsed > 500*time.Millisecond {
		return fmt.Errorf("timeout after %v", elapsed)
	}
	return nil
}
