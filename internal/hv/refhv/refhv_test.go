package refhv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-nova/novakernel/internal/hv"
)

func newVM(t *testing.T) hv.VirtualMachine {
	t.Helper()
	hyp := New(hv.ArchitectureX86_64)
	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 2, MemSize: 0x10000, MemBase: 0x1000})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	return vm
}

func TestMemoryReadWrite(t *testing.T) {
	vm := newVM(t)
	defer vm.Close()

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if _, err := vm.WriteAt(payload, 0x100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 4)
	if _, err := vm.ReadAt(got, 0x100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("readback = % x", got)
		}
	}
}

func TestAllocateMemoryBounds(t *testing.T) {
	vm := newVM(t)
	defer vm.Close()

	region, err := vm.AllocateMemory(0x2000, 0x1000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if region.Size() != 0x1000 {
		t.Fatalf("region size = %#x", region.Size())
	}
	if _, err := vm.AllocateMemory(0x1000, 0x100000); err == nil {
		t.Fatalf("oversized allocation accepted")
	}
	if _, err := vm.AllocateMemory(0x0, 0x100); err == nil {
		t.Fatalf("allocation below memory base accepted")
	}
}

func TestVCPURegisters(t *testing.T) {
	vm := newVM(t)
	defer vm.Close()

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if vcpu.ID() != 0 {
			t.Fatalf("vCPU id = %d", vcpu.ID())
		}
		in := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip: hv.Register64(0x1234),
		}
		if err := vcpu.SetRegisters(in); err != nil {
			return err
		}
		out := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(out); err != nil {
			return err
		}
		if v, ok := out[hv.RegisterAMD64Rip].(hv.Register64); !ok || v != 0x1234 {
			t.Fatalf("RIP readback = %v", out[hv.RegisterAMD64Rip])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
	if err := vm.VirtualCPUCall(9, func(hv.VirtualCPU) error { return nil }); err == nil {
		t.Fatalf("out-of-range vCPU accepted")
	}
}

func TestRunBlocksUntilExit(t *testing.T) {
	vm := newVM(t)
	defer vm.Close()

	var vcpu *VirtualCPU
	vm.VirtualCPUCall(1, func(v hv.VirtualCPU) error {
		vcpu = v.(*VirtualCPU)
		return nil
	})

	wanted := errors.New("trap")
	done := make(chan error, 1)
	go func() {
		done <- vcpu.Run(context.Background())
	}()
	time.Sleep(5 * time.Millisecond)
	vcpu.RequestExit(wanted)

	select {
	case err := <-done:
		if err != wanted {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never observed the exit request")
	}

	// A cancelled context also unblocks Run.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := vcpu.Run(ctx); err == nil {
		t.Fatalf("cancelled Run returned nil")
	}
}

func TestFindMMIO(t *testing.T) {
	vm := newVM(t).(*VirtualMachine)
	defer vm.Close()

	dev := hv.SimpleMMIODevice{
		Regions: []hv.MMIORegion{{Address: 0xfe000000, Size: 0x1000}},
	}
	if err := vm.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if _, ok := vm.FindMMIO(0xfe000800); !ok {
		t.Fatalf("claimed address not found")
	}
	if _, ok := vm.FindMMIO(0xdd000000); ok {
		t.Fatalf("unclaimed address found")
	}
}
