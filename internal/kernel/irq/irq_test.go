package irq

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/go-nova/novakernel/internal/kernel/obj"
)

type recordingKicker struct {
	rrq []int
	rke []int
}

func (k *recordingKicker) KickRRQ(cpu int) { k.rrq = append(k.rrq, cpu) }
func (k *recordingKicker) KickRKE(cpu int) { k.rke = append(k.rke, cpu) }

func TestGSIRouting(t *testing.T) {
	domain := obj.NewDomain(1)
	r := New(1, nil, slog.Default())
	sm := obj.NewSM(domain, 0)

	if err := r.BindSM(5, sm); err != nil {
		t.Fatalf("BindSM: %v", err)
	}
	r.SetIRQ(5, true)
	if sm.Counter() != 1 {
		t.Fatalf("counter = %d after assertion", sm.Counter())
	}

	// De-assertion is not a down.
	r.SetIRQ(5, false)
	if sm.Counter() != 1 {
		t.Fatalf("counter = %d after de-assertion", sm.Counter())
	}

	// Unrouted GSIs are dropped, not fatal.
	r.SetIRQ(9, true)

	r.Unbind(5)
	r.SetIRQ(5, true)
	if sm.Counter() != 1 {
		t.Fatalf("unbound GSI still routed")
	}
}

func TestBindNilSM(t *testing.T) {
	r := New(1, nil, slog.Default())
	if err := r.BindSM(1, nil); err == nil {
		t.Fatalf("binding a nil SM must fail")
	}
}

func TestLineSetPulse(t *testing.T) {
	domain := obj.NewDomain(1)
	r := New(1, nil, slog.Default())
	sm := obj.NewSM(domain, 0)
	if err := r.BindSM(3, sm); err != nil {
		t.Fatalf("BindSM: %v", err)
	}

	line := r.Lines().AllocateLine(3)
	line.PulseInterrupt()
	if sm.Counter() != 1 {
		t.Fatalf("counter = %d after pulse", sm.Counter())
	}

	line.SetLevel(true)
	line.SetLevel(true) // unchanged level must not double-count
	if sm.Counter() != 2 {
		t.Fatalf("counter = %d after level assert", sm.Counter())
	}
}

func TestSendRKECompletion(t *testing.T) {
	kicker := &recordingKicker{}
	r := New(2, kicker, slog.Default())

	done := make(chan error, 1)
	go func() {
		done <- r.SendRKE(context.Background(), 1)
	}()

	// The sender must still be blocked until the target acknowledges.
	select {
	case err := <-done:
		t.Fatalf("SendRKE returned before ack: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	r.AckRKE(1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendRKE: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SendRKE never observed the ack")
	}
	if len(kicker.rke) != 1 || kicker.rke[0] != 1 {
		t.Fatalf("RKE kicks = %v", kicker.rke)
	}
}

func TestSendRKECancellation(t *testing.T) {
	r := New(1, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.SendRKE(ctx, 0); err == nil {
		t.Fatalf("cancelled SendRKE must error")
	}
}

func TestSendRKEBadCPU(t *testing.T) {
	r := New(1, nil, slog.Default())
	if err := r.SendRKE(context.Background(), 7); err == nil {
		t.Fatalf("out-of-range CPU must error")
	}
}

func TestSendRRQ(t *testing.T) {
	kicker := &recordingKicker{}
	r := New(4, kicker, slog.Default())
	r.SendRRQ(3)
	if len(kicker.rrq) != 1 || kicker.rrq[0] != 3 {
		t.Fatalf("RRQ kicks = %v", kicker.rrq)
	}
}
