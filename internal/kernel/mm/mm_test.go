package mm

import (
	"context"
	"testing"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

var testMT = MemoryType{Shareability: ShareInner, Cacheability: CacheWriteBack}

func TestMapLookup(t *testing.T) {
	s := NewHostSpace(1)
	if err := s.Map(context.Background(), 0x1000, 0xaa000, 0x1000, PermR|PermW, testMT, nil); err != nil {
		t.Fatalf("Map: %v", err)
	}

	pa, order, mt, perm, ok := s.Lookup(0x1000)
	if !ok {
		t.Fatalf("Lookup missed a fresh mapping")
	}
	if pa != 0xaa000 || order != 12 || mt != testMT || perm != PermR|PermW {
		t.Fatalf("Lookup = (%#x, %d, %+v, %#x)", pa, order, mt, perm)
	}

	// Offsets within the page resolve to offset physical addresses.
	pa, _, _, _, ok = s.Lookup(0x1234)
	if !ok || pa != 0xaa234 {
		t.Fatalf("offset lookup = %#x, ok=%v", pa, ok)
	}

	if _, _, _, _, ok := s.Lookup(0x9000); ok {
		t.Fatalf("unmapped address resolved")
	}
}

func TestSuperpageAndSplit(t *testing.T) {
	s := NewHostSpace(1)
	// 2MiB superpage: level 2 at 12+9 bits.
	if err := s.Map(context.Background(), 0x200000, 0x40000000, 0x200000, PermR, testMT, nil); err != nil {
		t.Fatalf("Map superpage: %v", err)
	}
	_, order, _, _, ok := s.Lookup(0x200000)
	if !ok || order != 21 {
		t.Fatalf("superpage order = %d, ok=%v", order, ok)
	}

	// Partial overwrite forces a split; untouched parts keep translating.
	if err := s.Map(context.Background(), 0x201000, 0xbb000, 0x1000, PermR|PermW, testMT, nil); err != nil {
		t.Fatalf("Map split: %v", err)
	}
	pa, order, _, _, ok := s.Lookup(0x200000)
	if !ok || pa != 0x40000000 || order != 12 {
		t.Fatalf("head of split superpage = (%#x, %d)", pa, order)
	}
	pa, _, _, perm, ok := s.Lookup(0x201000)
	if !ok || pa != 0xbb000 || perm != PermR|PermW {
		t.Fatalf("split target = (%#x, %#x)", pa, perm)
	}
	pa, _, _, _, ok = s.Lookup(0x202000)
	if !ok || pa != 0x40002000 {
		t.Fatalf("tail of split superpage = %#x", pa)
	}
}

func TestGenerationBumpsOnlyOnReduction(t *testing.T) {
	s := NewHostSpace(1)
	gen := s.Generation()

	// A fresh install grants rights; no shootdown, no generation bump.
	if err := s.Map(context.Background(), 0x1000, 0xaa000, 0x1000, PermR, testMT, nil); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if s.Generation() != gen {
		t.Fatalf("granting install bumped the generation")
	}

	// Widening permissions on the same translation also grants.
	if err := s.Map(context.Background(), 0x1000, 0xaa000, 0x1000, PermR|PermW, testMT, nil); err != nil {
		t.Fatalf("Map widen: %v", err)
	}
	if s.Generation() != gen {
		t.Fatalf("widening bumped the generation")
	}

	// Narrowing must bump.
	if err := s.Map(context.Background(), 0x1000, 0xaa000, 0x1000, PermR, testMT, nil); err != nil {
		t.Fatalf("Map narrow: %v", err)
	}
	if s.Generation() == gen {
		t.Fatalf("narrowing did not bump the generation")
	}

	gen = s.Generation()
	if err := s.Unmap(context.Background(), 0x1000, 0x1000, nil); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if s.Generation() == gen {
		t.Fatalf("unmap did not bump the generation")
	}
}

type recordingNotifier struct {
	kicked []int
}

func (n *recordingNotifier) SendRKE(ctx context.Context, cpu int) error {
	n.kicked = append(n.kicked, cpu)
	return nil
}

func TestShootdownTargetsCurrentCPUs(t *testing.T) {
	s := NewHostSpace(1)
	n := &recordingNotifier{}

	if err := s.Map(context.Background(), 0x1000, 0xaa000, 0x1000, PermR|PermW, testMT, n); err != nil {
		t.Fatalf("Map: %v", err)
	}
	s.MarkCurrent(2)
	if err := s.Unmap(context.Background(), 0x1000, 0x1000, n); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if len(n.kicked) != 1 || n.kicked[0] != 2 {
		t.Fatalf("shootdown kicked %v, want [2]", n.kicked)
	}

	s.ClearCurrent(2)
	n.kicked = nil
	if err := s.Map(context.Background(), 0x2000, 0xcc000, 0x1000, PermR, testMT, n); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := s.Map(context.Background(), 0x2000, 0xdd000, 0x1000, PermR, testMT, n); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if len(n.kicked) != 0 {
		t.Fatalf("shootdown ran with no CPU current: %v", n.kicked)
	}
}

func TestDelegate(t *testing.T) {
	src := NewHostSpace(1)
	dst := NewGuestSpace(2)
	if err := src.Map(context.Background(), 0x1000, 0xabc000, 0x1000, PermR|PermW|PermExecUser, testMT, nil); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := Delegate(context.Background(), src, dst, 0x1000, 0x1000, 12, PermR|PermExecUser, nil, nil); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	pa, order, mt, perm, ok := dst.Lookup(0x1000)
	if !ok {
		t.Fatalf("delegated range missing in destination")
	}
	if pa != 0xabc000 || order < 12 {
		t.Fatalf("delegated translation = (%#x, %d)", pa, order)
	}
	if perm != PermR|PermExecUser {
		t.Fatalf("delegated permission = %#x, want masked R|X", perm)
	}
	if mt != testMT {
		t.Fatalf("delegation dropped the source attributes: %+v", mt)
	}
}

func TestDelegateAttributeOverride(t *testing.T) {
	src := NewHostSpace(1)
	dst := NewDMASpace(2)
	if err := src.Map(context.Background(), 0x1000, 0xabc000, 0x1000, PermR|PermW, testMT, nil); err != nil {
		t.Fatalf("Map: %v", err)
	}
	override := MemoryType{Shareability: ShareOuter, Cacheability: CacheDevice}
	if err := Delegate(context.Background(), src, dst, 0x1000, 0x8000, 12, PermR|PermW, &override, nil); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	_, _, mt, _, ok := dst.Lookup(0x8000)
	if !ok || mt != override {
		t.Fatalf("override attributes not applied: %+v ok=%v", mt, ok)
	}
}

func TestDelegateBoundaries(t *testing.T) {
	src := NewHostSpace(1)
	dst := NewHostSpace(2)

	err := Delegate(context.Background(), src, dst, 0x1800, 0x1000, 12, PermR, nil, nil)
	if st, _ := kstatus.As(err); st != kstatus.BadParameter {
		t.Fatalf("misaligned source base: got %v, want BAD_PAR", err)
	}
	err = Delegate(context.Background(), src, dst, 0x1000, 0x1000, 4, PermR, nil, nil)
	if st, _ := kstatus.As(err); st != kstatus.BadParameter {
		t.Fatalf("sub-page order: got %v, want BAD_PAR", err)
	}

	// Delegating a hole is a no-op, not an error.
	if err := Delegate(context.Background(), src, dst, 0x4000, 0x4000, 12, PermR, nil, nil); err != nil {
		t.Fatalf("delegating a hole: %v", err)
	}
	if _, _, _, _, ok := dst.Lookup(0x4000); ok {
		t.Fatalf("a hole materialized a mapping")
	}
}

func TestDelegateEmptyMaskRevokes(t *testing.T) {
	src := NewHostSpace(1)
	dst := NewHostSpace(2)
	if err := src.Map(context.Background(), 0x1000, 0xaa000, 0x1000, PermW, testMT, nil); err != nil {
		t.Fatalf("Map src: %v", err)
	}
	if err := dst.Map(context.Background(), 0x1000, 0xbb000, 0x1000, PermR, testMT, nil); err != nil {
		t.Fatalf("Map dst: %v", err)
	}
	// W masked by R is empty: the destination range is revoked.
	if err := Delegate(context.Background(), src, dst, 0x1000, 0x1000, 12, PermR, nil, nil); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if _, _, _, _, ok := dst.Lookup(0x1000); ok {
		t.Fatalf("empty-mask delegation left the destination mapped")
	}
}

func TestPIOSpace(t *testing.T) {
	s := NewPIOSpace()
	if err := s.Map(context.Background(), 0x3f8, 0x3f8, 8, PermR|PermW, MemoryType{}, nil); err != nil {
		t.Fatalf("Map ports: %v", err)
	}
	if _, _, _, perm, ok := s.Lookup(0x3fa); !ok || !perm.Has(PermW) {
		t.Fatalf("port range not mapped: ok=%v perm=%#x", ok, perm)
	}
	if _, _, _, _, ok := s.Lookup(0x2f8); ok {
		t.Fatalf("unassigned port resolved")
	}
}
