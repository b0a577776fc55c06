// Package refhv is an in-process, pure-Go implementation of package hv's
// Hypervisor/VirtualMachine/VirtualCPU shape. It replaces the teacher's
// concrete KVM/Hypervisor.framework/WHP ioctl backends: this kernel does
// not run as a guest of a host hypervisor, it *is* the hypervisor, so
// world-switch is a register-map copy driven directly by package
// internal/kernel/virt rather than a syscall into a platform driver.
package refhv

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-nova/novakernel/internal/hv"
)

// Hypervisor is the refhv root object: one per simulated machine.
type Hypervisor struct {
	arch hv.CpuArchitecture
}

// New constructs a refhv Hypervisor for the given architecture.
func New(arch hv.CpuArchitecture) *Hypervisor {
	if arch == hv.ArchitectureInvalid {
		arch = hv.ArchitectureNative
	}
	return &Hypervisor{arch: arch}
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return h.arch }

func (h *Hypervisor) Close() error { return nil }

// NewVirtualMachine constructs a VirtualMachine backed by a flat in-memory
// byte slice standing in for guest RAM, plus a registry of MMIO/IO-port
// devices.
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("refhv: zero-size virtual machine")
	}
	vm := &VirtualMachine{
		hv:      h,
		memBase: config.MemoryBase(),
		mem:     make([]byte, config.MemorySize()),
		vcpus:   make([]*VirtualCPU, 0, config.CPUCount()),
	}
	for i := 0; i < config.CPUCount(); i++ {
		vm.vcpus = append(vm.vcpus, newVirtualCPU(vm, i))
	}
	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVMWithMemory(vm); err != nil {
			return nil, err
		}
		for _, vcpu := range vm.vcpus {
			if err := cb.OnCreateVCPU(vcpu); err != nil {
				return nil, err
			}
		}
	}
	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, err
		}
	}
	return vm, nil
}

var _ hv.Hypervisor = (*Hypervisor)(nil)

// mmioMapping pairs an installed device with the MMIO regions it claims.
type mmioMapping struct {
	dev hv.MemoryMappedIODevice
}

// ioMapping pairs an installed device with the I/O ports it claims.
type ioMapping struct {
	dev hv.X86IOPortDevice
}

// VirtualMachine is refhv's VirtualMachine: a flat memory region plus a
// device list dispatched by address range, standing in for the real
// MMU/IOMMU-mediated device plane a hardware VMM would have.
type VirtualMachine struct {
	hv      *Hypervisor
	memBase uint64
	mem     []byte

	mu      sync.RWMutex
	vcpus   []*VirtualCPU
	devices []hv.Device
	mmio    []mmioMapping
	io      []ioMapping
	irqs    map[uint32]bool
}

func (vm *VirtualMachine) Hypervisor() hv.Hypervisor { return vm.hv }
func (vm *VirtualMachine) MemorySize() uint64        { return uint64(len(vm.mem)) }
func (vm *VirtualMachine) MemoryBase() uint64         { return vm.memBase }

func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if off < 0 || off >= int64(len(vm.mem)) {
		return 0, io.EOF
	}
	n := copy(p, vm.mem[off:])
	return n, nil
}

func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || off >= int64(len(vm.mem)) {
		return 0, io.EOF
	}
	n := copy(vm.mem[off:], p)
	return n, nil
}

func (vm *VirtualMachine) Close() error { return nil }

// Run drives every configured vCPU through cfg.Run once, sequentially.
// refhv has no real hardware thread per vCPU; package
// internal/kernel/sched is what actually schedules vCPU ECs onto
// simulated CPUs, so Run here exists only to satisfy callers that loop
// over the abstract hv.VirtualMachine surface (e.g. a VMLoader that wants
// to kick off every vCPU once at boot).
func (vm *VirtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	vm.mu.RLock()
	vcpus := append([]*VirtualCPU(nil), vm.vcpus...)
	vm.mu.RUnlock()
	for _, vcpu := range vcpus {
		if err := cfg.Run(ctx, vcpu); err != nil {
			return err
		}
	}
	return nil
}

// SetIRQ records the level of irqLine and, if a registered device needs to
// observe it, leaves the bookkeeping to that device's own sink wiring
// (package chipset's LineSet, not refhv, fans requests back out).
func (vm *VirtualMachine) SetIRQ(irqLine uint32, level bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.irqs == nil {
		vm.irqs = make(map[uint32]bool)
	}
	vm.irqs[irqLine] = level
	return nil
}

func (vm *VirtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vm.mu.RLock()
	if id < 0 || id >= len(vm.vcpus) {
		vm.mu.RUnlock()
		return fmt.Errorf("refhv: no such vCPU %d", id)
	}
	vcpu := vm.vcpus[id]
	vm.mu.RUnlock()
	return f(vcpu)
}

func (vm *VirtualMachine) AddDevice(dev hv.Device) error {
	if err := dev.Init(vm); err != nil {
		return err
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.devices = append(vm.devices, dev)
	if mmioDev, ok := dev.(hv.MemoryMappedIODevice); ok {
		vm.mmio = append(vm.mmio, mmioMapping{dev: mmioDev})
	}
	if ioDev, ok := dev.(hv.X86IOPortDevice); ok {
		vm.io = append(vm.io, ioMapping{dev: ioDev})
	}
	return nil
}

func (vm *VirtualMachine) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	dev, err := template.Create(vm)
	if err != nil {
		return err
	}
	return vm.AddDevice(dev)
}

// memoryRegion is a view of vm.mem, returned by AllocateMemory.
type memoryRegion struct {
	vm   *VirtualMachine
	base uint64
	size uint64
}

func (r *memoryRegion) Size() uint64 { return r.size }

func (r *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	return r.vm.ReadAt(p, int64(r.base)+off-int64(r.vm.memBase))
}

func (r *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	return r.vm.WriteAt(p, int64(r.base)+off-int64(r.vm.memBase))
}

func (vm *VirtualMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	if physAddr < vm.memBase || physAddr+size > vm.memBase+uint64(len(vm.mem)) {
		return nil, fmt.Errorf("refhv: allocation [0x%x,0x%x) outside VM memory", physAddr, physAddr+size)
	}
	return &memoryRegion{vm: vm, base: physAddr, size: size}, nil
}

// CaptureSnapshot/RestoreSnapshot are no-ops: spec.md §6 "Persisted state:
// None" — refhv never serializes VM state, matching the kernel's own
// stance that a resumed system re-derives everything from live memory.
func (vm *VirtualMachine) CaptureSnapshot() (hv.Snapshot, error) { return nil, nil }
func (vm *VirtualMachine) RestoreSnapshot(snap hv.Snapshot) error { return nil }

// FindMMIO returns the device claiming addr, if any, consulting each
// installed device's MMIORegions(). Package internal/kernel/virt calls
// this to route a guest MMIO exit without reimplementing device discovery.
func (vm *VirtualMachine) FindMMIO(addr uint64) (hv.MemoryMappedIODevice, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, m := range vm.mmio {
		for _, region := range m.dev.MMIORegions() {
			if addr >= region.Address && addr < region.Address+region.Size {
				return m.dev, true
			}
		}
	}
	return nil, false
}

// FindIOPort returns the device claiming port, if any.
func (vm *VirtualMachine) FindIOPort(port uint16) (hv.X86IOPortDevice, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, m := range vm.io {
		for _, p := range m.dev.IOPorts() {
			if p == port {
				return m.dev, true
			}
		}
	}
	return nil, false
}

var _ hv.VirtualMachine = (*VirtualMachine)(nil)

// VirtualCPU is refhv's VirtualCPU: a bare register map with no real
// execution engine. package internal/kernel/virt treats Run as a
// rendezvous point — it blocks until RequestExit is called (simulating a
// trap) or ctx is cancelled, rather than actually fetching and executing
// guest instructions, since this kernel's test harness drives guest
// behavior synthetically (spec.md "not compiled for EL2/VMX-root
// execution").
type VirtualCPU struct {
	vm *VirtualMachine
	id int

	mu   sync.Mutex
	regs map[hv.Register]hv.RegisterValue

	exitCh chan error
}

func newVirtualCPU(vm *VirtualMachine, id int) *VirtualCPU {
	return &VirtualCPU{
		vm:     vm,
		id:     id,
		regs:   make(map[hv.Register]hv.RegisterValue),
		exitCh: make(chan error, 1),
	}
}

func (v *VirtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *VirtualCPU) ID() int                           { return v.id }

func (v *VirtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for r, val := range regs {
		v.regs[r] = val
	}
	return nil
}

func (v *VirtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for r := range regs {
		if val, ok := v.regs[r]; ok {
			regs[r] = val
		}
	}
	return nil
}

// Run blocks until RequestExit delivers a reason or ctx is cancelled.
func (v *VirtualCPU) Run(ctx context.Context) error {
	select {
	case err := <-v.exitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestExit unblocks a pending Run with err (nil for a clean exit),
// simulating the trap that would, on real hardware, fall out of VMRUN or
// a nested-page-fault.
func (v *VirtualCPU) RequestExit(err error) {
	select {
	case v.exitCh <- err:
	default:
	}
}

var _ hv.VirtualCPU = (*VirtualCPU)(nil)
