package chipset

import (
	"testing"

	"github.com/go-nova/novakernel/internal/hv"
)

type countingSink struct {
	asserts []uint8
}

func (s *countingSink) SetIRQ(line uint8, level bool) {
	if level {
		s.asserts = append(s.asserts, line)
	}
}

type fakeDevice struct {
	started bool
	mmio    *MmioIntercept
}

func (d *fakeDevice) Init(vm hv.VirtualMachine) error { return nil }
func (d *fakeDevice) Start() error                    { d.started = true; return nil }
func (d *fakeDevice) Stop() error                     { d.started = false; return nil }
func (d *fakeDevice) Reset() error                    { return nil }

func (d *fakeDevice) SupportsPortIO() *PortIOIntercept { return nil }
func (d *fakeDevice) SupportsMmio() *MmioIntercept     { return d.mmio }
func (d *fakeDevice) SupportsPollDevice() *PollDevice  { return nil }

type recordingMmio struct {
	writes []uint64
}

func (m *recordingMmio) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0xab
	}
	return nil
}

func (m *recordingMmio) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	m.writes = append(m.writes, addr)
	return nil
}

func TestBuilderRejectsOverlap(t *testing.T) {
	b := NewBuilder()
	h := &recordingMmio{}
	if err := b.WithMmioRegion(0x1000, 0x1000, h); err != nil {
		t.Fatalf("WithMmioRegion: %v", err)
	}
	if err := b.WithMmioRegion(0x1800, 0x1000, h); err == nil {
		t.Fatalf("overlapping MMIO regions accepted")
	}
	if err := b.WithMmioRegion(0x2000, 0x1000, h); err != nil {
		t.Fatalf("adjacent region rejected: %v", err)
	}
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	b := NewBuilder()
	dev := &fakeDevice{}
	if err := b.RegisterDevice("a", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("a", dev); err == nil {
		t.Fatalf("duplicate device name accepted")
	}
	sink := &countingSink{}
	if err := b.WithInterruptLine(4, sink); err != nil {
		t.Fatalf("WithInterruptLine: %v", err)
	}
	if err := b.WithInterruptLine(4, sink); err == nil {
		t.Fatalf("duplicate interrupt line accepted")
	}
}

func TestChipsetDispatch(t *testing.T) {
	b := NewBuilder()
	h := &recordingMmio{}
	dev := &fakeDevice{mmio: &MmioIntercept{
		Regions: []hv.MMIORegion{{Address: 0x9000, Size: 0x100}},
		Handler: h,
	}}
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	sink := &countingSink{}
	if err := b.WithInterruptLine(7, sink); err != nil {
		t.Fatalf("WithInterruptLine: %v", err)
	}

	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !dev.started {
		t.Fatalf("device not started")
	}

	if err := c.HandleMMIO(nil, 0x9010, []byte{1, 2}, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	if len(h.writes) != 1 || h.writes[0] != 0x9010 {
		t.Fatalf("writes = %v", h.writes)
	}
	if err := c.HandleMMIO(nil, 0xf000, []byte{1}, true); err == nil {
		t.Fatalf("unclaimed MMIO address dispatched")
	}

	if err := c.AssertIRQ(7, true); err != nil {
		t.Fatalf("AssertIRQ: %v", err)
	}
	if len(sink.asserts) != 1 || sink.asserts[0] != 7 {
		t.Fatalf("asserts = %v", sink.asserts)
	}
	if err := c.AssertIRQ(8, true); err == nil {
		t.Fatalf("unregistered line asserted")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if dev.started {
		t.Fatalf("device not stopped")
	}
}
