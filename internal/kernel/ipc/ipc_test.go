package ipc

import (
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/obj"
	"github.com/go-nova/novakernel/internal/kernel/sched"
)

type fixture struct {
	domain *obj.Domain
	pd     *obj.PD
	sched  *sched.Scheduler
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	domain := obj.NewDomain(1)
	s := sched.New(1, domain, nil, nil, slog.Default())
	return &fixture{
		domain: domain,
		pd:     obj.NewRootPD(domain, 1),
		sched:  s,
		engine: New(s, slog.Default()),
	}
}

func (f *fixture) newEC(kind obj.ECKind, cpu int) *obj.EC {
	return obj.NewEC(f.domain, f.pd, kind, cpu, 0)
}

func TestCallTransfersRegistersAndBadge(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	pt := obj.NewPT(f.domain, target, 0x5000, MTDGPRs, 0xbeef)

	caller.Regs().GPR[0] = 0x999 // must not leak over the badge
	caller.Regs().GPR[1] = 11
	caller.Regs().GPR[2] = 22

	if st := f.engine.Call(0, caller, pt, MTDGPRs, false); st != kstatus.Success {
		t.Fatalf("Call: %v", st)
	}
	if target.Regs().GPR[0] != 0xbeef {
		t.Fatalf("badge register = %#x", target.Regs().GPR[0])
	}
	if target.Regs().GPR[1] != 11 || target.Regs().GPR[2] != 22 {
		t.Fatalf("send-set GPRs not transferred: %v", target.Regs().GPR[:3])
	}
	if target.Regs().IP != 0x5000 {
		t.Fatalf("entry IP = %#x", target.Regs().IP)
	}
	if target.Partner() != caller || caller.Partner() != target {
		t.Fatalf("rendezvous partners not linked")
	}
	if target.Continuation().Kind != obj.ContRetUserHypercall {
		t.Fatalf("callee continuation = %v", target.Continuation().Kind)
	}
}

func TestReplyReversesTransfer(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	pt := obj.NewPT(f.domain, target, 0x5000, MTDGPRs, 1)

	if st := f.engine.Call(0, caller, pt, MTDGPRs, false); st != kstatus.Success {
		t.Fatalf("Call: %v", st)
	}
	target.Regs().GPR[1] = 1010
	if st := f.engine.Reply(target, MTDGPRs); st != kstatus.Success {
		t.Fatalf("Reply: %v", st)
	}
	if caller.Regs().GPR[1] != 1010 {
		t.Fatalf("reply GPRs not written back: %d", caller.Regs().GPR[1])
	}
	if caller.Partner() != nil || target.Partner() != nil {
		t.Fatalf("partners not unlinked after reply")
	}
	if target.Continuation().Kind != obj.ContIdle {
		t.Fatalf("callee not idle after reply")
	}
	if caller.Continuation().Kind != obj.ContRetUserHypercall {
		t.Fatalf("caller continuation = %v", caller.Continuation().Kind)
	}
}

func TestReplyWithoutCaller(t *testing.T) {
	f := newFixture(t)
	lonely := f.newEC(obj.ECLocal, 0)
	if st := f.engine.Reply(lonely, 0); st != kstatus.BadCapability {
		t.Fatalf("reply with no partner: %v", st)
	}
}

func TestPoisonKillsCaller(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	pt := obj.NewPT(f.domain, target, 0x5000, MTDGPRs, 1)

	if st := f.engine.Call(0, caller, pt, MTDGPRs, false); st != kstatus.Success {
		t.Fatalf("Call: %v", st)
	}
	if st := f.engine.Reply(target, MTDPoison); st != kstatus.Success {
		t.Fatalf("Reply: %v", st)
	}
	if !caller.Killed() {
		t.Fatalf("poisoned caller still alive")
	}
}

func TestCallWrongCPU(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 1)
	pt := obj.NewPT(f.domain, target, 0x5000, 0, 1)

	if st := f.engine.Call(0, caller, pt, 0, false); st != kstatus.BadCPU {
		t.Fatalf("cross-CPU call: %v, want BAD_CPU", st)
	}
}

func TestCallBusyTimeout(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	target.SetContinuation(obj.Continuation{Kind: obj.ContRetUserHypercall})
	pt := obj.NewPT(f.domain, target, 0x5000, 0, 1)

	if st := f.engine.Call(0, caller, pt, 0, true); st != kstatus.Timeout {
		t.Fatalf("call into busy target with TIMEOUT flag: %v", st)
	}
}

func TestCallDeadTarget(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	target.Kill()
	pt := obj.NewPT(f.domain, target, 0x5000, 0, 1)

	if st := f.engine.Call(0, caller, pt, 0, false); st != kstatus.Aborted {
		t.Fatalf("call into dead target: %v, want ABORTED", st)
	}
}

func TestAbortUnlinksRendezvous(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	pt := obj.NewPT(f.domain, target, 0x5000, 0, 1)

	if st := f.engine.Call(0, caller, pt, 0, false); st != kstatus.Success {
		t.Fatalf("Call: %v", st)
	}
	f.engine.Abort(target)
	if caller.Partner() != nil || target.Partner() != nil {
		t.Fatalf("abort left partners linked")
	}
	if caller.Regs().GPR[0] != uint64(kstatus.Aborted) {
		t.Fatalf("caller status register = %#x", caller.Regs().GPR[0])
	}
}

func TestUpcallDeliversQualifier(t *testing.T) {
	f := newFixture(t)
	faulter := f.newEC(obj.ECGlobal, 0)
	handler := f.newEC(obj.ECLocal, 0)
	pt := obj.NewPT(f.domain, handler, 0x6000, 0, 0x77)
	if !f.pd.ObjSpace.Insert(0x30, obj.NewCapability(pt, obj.PermEvent)) {
		t.Fatalf("insert portal capability")
	}

	if st := f.engine.Upcall(0, faulter, 0x30, 0, 0xdeadbeef); st != kstatus.Success {
		t.Fatalf("Upcall: %v", st)
	}
	if handler.Regs().IP != 0x6000 || handler.Regs().GPR[0] != 0x77 {
		t.Fatalf("handler entry state wrong: ip=%#x badge=%#x", handler.Regs().IP, handler.Regs().GPR[0])
	}
	if q := binary.LittleEndian.Uint64(handler.UTCB()[8:]); q != 0xdeadbeef {
		t.Fatalf("qualifier = %#x", q)
	}
	if handler.Partner() != faulter {
		t.Fatalf("upcall did not link partners")
	}
}

func TestUpcallWithoutPortalKills(t *testing.T) {
	f := newFixture(t)
	faulter := f.newEC(obj.ECGlobal, 0)

	if st := f.engine.Upcall(0, faulter, 0x40, 3, 0); st != kstatus.BadCapability {
		t.Fatalf("upcall with empty slot: %v", st)
	}
	if !faulter.Killed() {
		t.Fatalf("EC with no exception portal must die")
	}
}

func TestUnknownMTDBitsIgnored(t *testing.T) {
	f := newFixture(t)
	caller := f.newEC(obj.ECGlobal, 0)
	target := f.newEC(obj.ECLocal, 0)
	pt := obj.NewPT(f.domain, target, 0x5000, 0, 1)

	caller.Regs().GPR[1] = 42
	if st := f.engine.Call(0, caller, pt, MTDGPRs|0xffff0000, false); st != kstatus.Success {
		t.Fatalf("Call with unknown MTD bits: %v", st)
	}
	if target.Regs().GPR[1] != 42 {
		t.Fatalf("known groups must still transfer")
	}
}
