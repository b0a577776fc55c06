package syscall

import (
	"log/slog"
	"testing"
	"time"

	"github.com/go-nova/novakernel/internal/bootcfg"
	kipc "github.com/go-nova/novakernel/internal/kernel/ipc"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/obj"
)

func newTestKernel(t *testing.T) (*Kernel, *Env) {
	t.Helper()
	cfg := bootcfg.Default()
	cfg.CPUs = 4
	k := New(cfg, nil, slog.Default())
	t.Cleanup(func() { k.Close() })

	rootEC := obj.NewEC(k.Domain(), k.Root(), obj.ECGlobal, 0, 0)
	return k, &Env{K: k, CPU: 0, EC: rootEC}
}

func TestReservedOpcode(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpReserved, 0, 0)); st != kstatus.BadHypercall {
		t.Fatalf("opcode 15: %v, want BAD_HYP", st)
	}
}

func TestCreateECBoundaries(t *testing.T) {
	_, env := newTestKernel(t)

	if st := env.Syscall(Encode(OpCreateEC, FlagECGlobal, 0x10), 0, 99, 0); st != kstatus.BadCPU {
		t.Fatalf("create_ec with CPU 99: %v, want BAD_CPU", st)
	}
	if st := env.Syscall(Encode(OpCreateEC, FlagECGlobal, 0x10), 0, 0, 0x7fff0000); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}
	// Selector collision.
	if st := env.Syscall(Encode(OpCreateEC, FlagECGlobal, 0x10), 0, 0, 0x7fff1000); st != kstatus.BadCapability {
		t.Fatalf("create_ec into occupied slot: %v, want BAD_CAP", st)
	}
}

func TestCreateSCBoundaries(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateEC, FlagECGlobal, 0x10), 0, 0, 0); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}

	if st := env.Syscall(Encode(OpCreateSC, 0, 0x11), 0, 0x10, 0, 1000); st != kstatus.BadParameter {
		t.Fatalf("create_sc priority 0: %v, want BAD_PAR", st)
	}
	if st := env.Syscall(Encode(OpCreateSC, 0, 0x11), 0, 0x10, 32, 0); st != kstatus.BadParameter {
		t.Fatalf("create_sc quantum 0: %v, want BAD_PAR", st)
	}
	if st := env.Syscall(Encode(OpCreateSC, 0, 0x11), 0, 0x10, 200, 1000); st != kstatus.BadParameter {
		t.Fatalf("create_sc priority 200: %v, want BAD_PAR", st)
	}
	if st := env.Syscall(Encode(OpCreateSC, 0, 0x11), 0, 0x10, 32, 1000); st != kstatus.Success {
		t.Fatalf("create_sc: %v", st)
	}
}

func TestPortalEcho(t *testing.T) {
	k, env := newTestKernel(t)

	if st := env.Syscall(Encode(OpCreateEC, FlagECLocal, 0x10), 0, 0, 0x7fff0000); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}
	srv, _ := obj.AsEC(k.Root().ObjSpace.Lookup(0x10))
	var sawBadge, sawArg uint64
	k.BindProgram(srv, func(e *Env) {
		sawBadge = e.EC.Regs().GPR[0]
		sawArg = e.EC.Regs().GPR[1]
		e.EC.Regs().GPR[1] = sawArg * 10
		SetUTCBMTD(e.EC, kipc.MTDGPRs)
		if st := e.Syscall(Encode(OpIPCReply, 0, 0)); st != kstatus.Success {
			t.Errorf("reply: %v", st)
		}
	})

	if st := env.Syscall(Encode(OpCreatePT, 0, 0x11), 0, 0x10, 0x5000, uint64(kipc.MTDGPRs)); st != kstatus.Success {
		t.Fatalf("create_pt: %v", st)
	}
	if st := env.Syscall(Encode(OpCtrlPT, FlagSetBadge, 0x11), 0xbeef); st != kstatus.Success {
		t.Fatalf("ctrl_pt: %v", st)
	}

	env.EC.Regs().GPR[1] = 7
	SetUTCBMTD(env.EC, kipc.MTDGPRs)
	if st := env.Syscall(Encode(OpIPCCall, 0, 0x11)); st != kstatus.Success {
		t.Fatalf("ipc_call: %v", st)
	}
	if sawBadge != 0xbeef {
		t.Fatalf("server saw badge %#x", sawBadge)
	}
	if sawArg != 7 {
		t.Fatalf("server saw argument %d", sawArg)
	}
	if env.EC.Regs().GPR[1] != 70 {
		t.Fatalf("caller got %d back", env.EC.Regs().GPR[1])
	}
	if env.EC.Partner() != nil {
		t.Fatalf("rendezvous not torn down")
	}
}

func TestCallWithoutReplyAborts(t *testing.T) {
	k, env := newTestKernel(t)

	if st := env.Syscall(Encode(OpCreateEC, FlagECLocal, 0x10), 0, 0, 0); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}
	srv, _ := obj.AsEC(k.Root().ObjSpace.Lookup(0x10))
	k.BindProgram(srv, func(e *Env) {}) // returns to user mode without replying

	if st := env.Syscall(Encode(OpCreatePT, 0, 0x11), 0, 0x10, 0x5000, 0); st != kstatus.Success {
		t.Fatalf("create_pt: %v", st)
	}
	if st := env.Syscall(Encode(OpIPCCall, 0, 0x11)); st != kstatus.Aborted {
		t.Fatalf("unanswered call: %v, want ABORTED", st)
	}
	if env.EC.Partner() != nil {
		t.Fatalf("aborted call left the caller linked")
	}
}

func TestCreatePTWrongCPU(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateEC, FlagECLocal, 0x10), 0, 2, 0); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}
	// The portal must be created on the target's home CPU.
	if st := env.Syscall(Encode(OpCreatePT, 0, 0x11), 0, 0x10, 0x5000, 0); st != kstatus.BadCPU {
		t.Fatalf("create_pt for a remote local EC: %v, want BAD_CPU", st)
	}
}

func TestDelegationBoundaries(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreatePD, SubCreatePD, 0x10), 0); st != kstatus.Success {
		t.Fatalf("create_pd: %v", st)
	}

	// base not aligned to order.
	if st := env.Syscall(Encode(OpCtrlPD, DelHostHost, 0), 0x10, 0x1800, 0x1000, 12, uint64(0xf), 0); st != kstatus.BadParameter {
		t.Fatalf("misaligned delegation: %v, want BAD_PAR", st)
	}
	// Delegating into a space the destination PD does not have.
	if st := env.Syscall(Encode(OpCtrlPD, DelHostGuest, 0), 0x10, 0x1000, 0x1000, 12, uint64(0xf), 0); st != kstatus.BadParameter {
		t.Fatalf("delegation into a missing guest space: %v, want BAD_PAR", st)
	}
}

func TestObjectDelegation(t *testing.T) {
	k, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreatePD, SubCreatePD, 0x10), 0); st != kstatus.Success {
		t.Fatalf("create_pd: %v", st)
	}
	if st := env.Syscall(Encode(OpCreateSM, 0, 0x20), 0, 0); st != kstatus.Success {
		t.Fatalf("create_sm: %v", st)
	}

	// Copy the SM capability into the child PD, up-only.
	if st := env.Syscall(Encode(OpCtrlPD, DelObjObj, 0), 0x10, 0x20, 0x20, 0, uint64(obj.PermUp), 0); st != kstatus.Success {
		t.Fatalf("object delegation: %v", st)
	}
	child, _ := obj.AsPD(k.Root().ObjSpace.Lookup(0x10))
	cap := child.ObjSpace.Lookup(0x20)
	if !cap.Validate(obj.KindSM, obj.PermUp) {
		t.Fatalf("delegated capability invalid")
	}
	if cap.Validate(obj.KindSM, obj.PermDown) {
		t.Fatalf("permission mask not applied on object delegation")
	}
}

func TestCtrlSM(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateSM, 0, 0x10), 0, 0); st != kstatus.Success {
		t.Fatalf("create_sm: %v", st)
	}

	if st := env.Syscall(Encode(OpCtrlSM, 0, 0x10)); st != kstatus.Success {
		t.Fatalf("up: %v", st)
	}
	if st := env.Syscall(Encode(OpCtrlSM, FlagSMDown, 0x10), 0); st != kstatus.Success {
		t.Fatalf("down poll after up: %v", st)
	}
	if st := env.Syscall(Encode(OpCtrlSM, FlagSMDown, 0x10), 0); st != kstatus.Timeout {
		t.Fatalf("down poll on empty SM: %v, want TIMEOUT", st)
	}

	// Zero-to-count down drains every pending unit in one go.
	env.Syscall(Encode(OpCtrlSM, 0, 0x10))
	env.Syscall(Encode(OpCtrlSM, 0, 0x10))
	if st := env.Syscall(Encode(OpCtrlSM, FlagSMDown|FlagSMZeroToCount, 0x10), 0); st != kstatus.Success {
		t.Fatalf("zero-to-count down: %v", st)
	}
	if st := env.Syscall(Encode(OpCtrlSM, FlagSMDown, 0x10), 0); st != kstatus.Timeout {
		t.Fatalf("counter not drained by zero-to-count: %v", st)
	}
}

func TestCtrlSMTimeout(t *testing.T) {
	k, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateSM, 0, 0x10), 0, 0); st != kstatus.Success {
		t.Fatalf("create_sm: %v", st)
	}

	deadline := uint64(k.Clock().Now() + 20000) // +2ms
	start := time.Now()
	st := env.Syscall(Encode(OpCtrlSM, FlagSMDown, 0x10), deadline)
	if st != kstatus.Timeout {
		t.Fatalf("down with deadline: %v, want TIMEOUT", st)
	}
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Fatalf("timed out after only %v", elapsed)
	}
	if env.EC.Deadline() != 0 {
		t.Fatalf("bound timeout not cleared: %d", env.EC.Deadline())
	}
}

func TestCrossGoroutineWake(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateSM, 0, 0x10), 0, 0); st != kstatus.Success {
		t.Fatalf("create_sm: %v", st)
	}

	woke := make(chan kstatus.Status, 1)
	go func() {
		woke <- env.Syscall(Encode(OpCtrlSM, FlagSMDown, 0x10), DeadlineInfinite)
	}()
	time.Sleep(5 * time.Millisecond)
	if st := env.Syscall(Encode(OpCtrlSM, 0, 0x10)); st != kstatus.Success {
		t.Fatalf("up: %v", st)
	}
	select {
	case st := <-woke:
		if st != kstatus.Success {
			t.Fatalf("waiter woke with %v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never woke")
	}
}

func TestAssignInt(t *testing.T) {
	k, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateSM, 0, 0x10), 0, 0); st != kstatus.Success {
		t.Fatalf("create_sm: %v", st)
	}

	if st := env.Syscall(Encode(OpAssignInt, 0, 0x10), 7, 2); st != kstatus.Success {
		t.Fatalf("assign_int: %v", st)
	}
	if addr := env.EC.Regs().GPR[1]; addr != 0xfee00000|2<<12 {
		t.Fatalf("MSI address = %#x", addr)
	}
	if data := env.EC.Regs().GPR[2]; data != 0x4000|7 {
		t.Fatalf("MSI data = %#x", data)
	}

	// The routed GSI now drives the SM.
	k.Router().SetIRQ(7, true)
	sm, _ := obj.AsSM(k.Root().ObjSpace.Lookup(0x10))
	if sm.Counter() != 1 {
		t.Fatalf("GSI assertion did not up the SM: %d", sm.Counter())
	}

	if st := env.Syscall(Encode(OpAssignInt, 0, 0x10), 1000, 0); st != kstatus.BadDevice {
		t.Fatalf("assign_int with bad GSI: %v, want BAD_DEV", st)
	}
	if st := env.Syscall(Encode(OpAssignInt, 0, 0x10), 7, 99); st != kstatus.BadCPU {
		t.Fatalf("assign_int with bad CPU: %v, want BAD_CPU", st)
	}
}

func TestAssignDevRootOnly(t *testing.T) {
	k, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreatePD, SubCreateDMA, 0)); st != kstatus.Success {
		t.Fatalf("create DMA space: %v", st)
	}
	if st := env.Syscall(Encode(OpAssignDev, 0, 0), 0x300); st != kstatus.Success {
		t.Fatalf("assign_dev: %v", st)
	}

	// A non-root caller is rejected outright.
	childPD, err := obj.CreatePD(nil, k.Root().ObjSpace.Lookup(0), k.Root(), 0x50, 99)
	if err != nil {
		t.Fatalf("CreatePD: %v", err)
	}
	outsider := obj.NewEC(k.Domain(), childPD, obj.ECGlobal, 0, 0)
	outsiderEnv := &Env{K: k, CPU: 0, EC: outsider}
	if st := outsiderEnv.Syscall(Encode(OpAssignDev, 0, 0), 0x300); st != kstatus.BadHypercall {
		t.Fatalf("assign_dev from non-root: %v, want BAD_HYP", st)
	}
	if st := outsiderEnv.Syscall(Encode(OpCtrlHW, 3, 0)); st != kstatus.BadHypercall {
		t.Fatalf("ctrl_hw from non-root: %v, want BAD_HYP", st)
	}
}

func TestAssignDevNoSMMU(t *testing.T) {
	cfg := bootcfg.Default()
	cfg.ApplyCmdLine("nosmmu")
	k := New(cfg, nil, slog.Default())
	defer k.Close()
	rootEC := obj.NewEC(k.Domain(), k.Root(), obj.ECGlobal, 0, 0)
	env := &Env{K: k, CPU: 0, EC: rootEC}

	if st := env.Syscall(Encode(OpCreatePD, SubCreateDMA, 0)); st != kstatus.Success {
		t.Fatalf("create DMA space: %v", st)
	}
	if st := env.Syscall(Encode(OpAssignDev, 0, 0), 0x300); st != kstatus.BadFeature {
		t.Fatalf("assign_dev with nosmmu: %v, want BAD_FTR", st)
	}
}

func TestCtrlSCConsumed(t *testing.T) {
	_, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateEC, FlagECGlobal, 0x10), 0, 1, 0); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}
	if st := env.Syscall(Encode(OpCreateSC, 0, 0x11), 0, 0x10, 32, 1000); st != kstatus.Success {
		t.Fatalf("create_sc: %v", st)
	}
	if st := env.Syscall(Encode(OpCtrlSC, 0, 0x11)); st != kstatus.Success {
		t.Fatalf("ctrl_sc: %v", st)
	}
	if env.EC.Regs().GPR[1] != 0 {
		t.Fatalf("fresh SC consumed = %d", env.EC.Regs().GPR[1])
	}
}

func TestRecallHazard(t *testing.T) {
	k, env := newTestKernel(t)
	if st := env.Syscall(Encode(OpCreateEC, FlagECGlobal, 0x10), 0, 0, 0); st != kstatus.Success {
		t.Fatalf("create_ec: %v", st)
	}
	vm, _ := obj.AsEC(k.Root().ObjSpace.Lookup(0x10))

	if st := env.Syscall(Encode(OpCtrlEC, FlagRecallStrong, 0x10)); st != kstatus.Success {
		t.Fatalf("ctrl_ec: %v", st)
	}
	if !vm.TestHazard(obj.HazardRecall) {
		t.Fatalf("recall hazard not set")
	}
}

func TestHIP(t *testing.T) {
	k, _ := newTestKernel(t)
	page := k.HIPPage()
	if !VerifyPage(page) {
		t.Fatalf("fresh HIP fails verification")
	}
	page[100] ^= 0xff
	if VerifyPage(page) {
		t.Fatalf("corrupted HIP passed verification")
	}
	if VerifyPage(page[:64]) {
		t.Fatalf("truncated HIP passed verification")
	}
}

func TestUTCBAccessors(t *testing.T) {
	k, _ := newTestKernel(t)
	ec := obj.NewEC(k.Domain(), k.Root(), obj.ECGlobal, 0, 0)

	SetUTCBMTD(ec, 0x1234)
	if got := UTCBMTD(ec); got != 0x1234 {
		t.Fatalf("MTD = %#x", got)
	}
	SetUTCBGPR(ec, 3, 0xfeedface)
	if got := UTCBGPR(ec, 3); got != 0xfeedface {
		t.Fatalf("GPR image = %#x", got)
	}
}
