package obj

import "sync"

// CapTable is a PD's object space: a mapping from a selector to a
// capability, per spec.md §4.A. Slots are monotonic — Insert only succeeds
// against an empty slot — and are only ever cleared in place by an explicit
// Revoke, which spec.md §4.A frames as "delegation of a null cap with
// overriding permission", never by a plain overwrite.
type CapTable struct {
	mu    sync.RWMutex
	slots map[Selector]Capability
}

// NewCapTable returns an empty object space.
func NewCapTable() *CapTable {
	return &CapTable{slots: make(map[Selector]Capability)}
}

// Lookup returns the capability at sel, or the null capability if the slot
// has never been occupied.
func (t *CapTable) Lookup(sel Selector) Capability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[sel]
}

// Insert publishes cap at sel if and only if the slot currently holds the
// null capability (spec.md §4.B: "Publish the capability; on collision,
// deallocate and return BAD_CAP"). It reports whether the insert succeeded.
func (t *CapTable) Insert(sel Selector, cap Capability) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.slots[sel]; ok && !existing.IsNull() {
		return false
	}
	t.slots[sel] = cap
	return true
}

// Revoke clears sel unconditionally, the monotonic table's one escape
// hatch: spec.md §4.A describes revocation as delegating a null capability
// with overriding permission into the slot.
func (t *CapTable) Revoke(sel Selector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, sel)
}

// store force-writes cap at sel regardless of what currently occupies it.
// Delegate uses this for the destination side of a copy, which is allowed
// to land on an empty slot created specifically to receive it; ordinary
// syscall-driven installs must go through Insert instead so the
// null-to-non-null invariant holds.
func (t *CapTable) store(sel Selector, cap Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[sel] = cap
}
