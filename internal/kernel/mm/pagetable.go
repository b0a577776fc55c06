package mm

import (
	"sync/atomic"
)

// entryKind classifies a page-table entry as spec.md §9 prescribes:
// type(level) in {Hole, Leaf, Branch}.
type entryKind uint8

const (
	entryHole entryKind = iota
	entryLeaf
	entryBranch
)

// leaf is the payload of a Leaf entry: the translation plus its attributes.
type leaf struct {
	phys  uint64
	perm  Permission
	mtype MemoryType
}

// pte is one page-table entry: a hole, a leaf, or a pointer to the next
// level's node. It is never mutated in place; entries are replaced wholesale
// via atomic CAS on the owning node's slot, matching spec.md §5's "atomic
// compare-and-swap on page-table entries with retry on loss."
type pte struct {
	kind entryKind
	leaf leaf
	next *node
}

var holePTE = &pte{kind: entryHole}

// node is one level of the radix trie: a fixed fan-out array of entries.
type node struct {
	entries [fanOut]atomic.Pointer[pte]
}

func newNode() *node {
	n := &node{}
	for i := range n.entries {
		n.entries[i].Store(holePTE)
	}
	return n
}

// layout describes the trie's geometry: how many VA bits each level
// consumes, and how many bits the leaf page size covers.
type layout struct {
	pageBits     uint // bits covered by a level-1 (smallest) leaf
	bitsPerLevel uint // bits each trie level indexes
	levels       int  // number of levels, root is level `levels`, leaves start at level 1
}

const (
	bitsPerLevel = 9
	fanOut       = 1 << bitsPerLevel
)

func indexAt(va uint64, level int, l layout) int {
	shift := l.pageBits + uint(level-1)*l.bitsPerLevel
	return int((va >> shift) & (fanOut - 1))
}

// levelSpan returns the number of addresses a single entry at level covers.
func levelSpan(level int, l layout) uint64 {
	return uint64(1) << (l.pageBits + uint(level-1)*l.bitsPerLevel)
}

// walkLookup returns the largest leaf containing va, plus the trie level it
// was found at (level 1 is the smallest page, increasing levels are
// superpages), per spec.md §4.C's lookup(va) -> (pa, order, ma, perm).
func walkLookup(root *node, va uint64, l layout) (found leaf, level int, ok bool) {
	n := root
	for lvl := l.levels; lvl >= 1; lvl-- {
		idx := indexAt(va, lvl, l)
		cur := n.entries[idx].Load()
		switch cur.kind {
		case entryHole:
			return leaf{}, 0, false
		case entryLeaf:
			return cur.leaf, lvl, true
		case entryBranch:
			n = cur.next
		}
	}
	return leaf{}, 0, false
}

// walkInstall installs lf covering [va, va+levelSpan(targetLevel)) in the
// trie rooted at root, splitting any superpage leaf it must descend through
// on the way down and retrying the CAS at each level if another CPU raced
// it (spec.md §4.C: "splitting superpages on partial overlap").
func walkInstall(root *node, va uint64, targetLevel int, lf leaf, l layout) {
	n := root
	for lvl := l.levels; lvl > targetLevel; lvl-- {
		idx := indexAt(va, lvl, l)
		for {
			cur := n.entries[idx].Load()
			switch cur.kind {
			case entryBranch:
				n = cur.next
			case entryHole:
				child := newNode()
				newEntry := &pte{kind: entryBranch, next: child}
				if !n.entries[idx].CompareAndSwap(cur, newEntry) {
					continue // lost the race, reload cur and retry
				}
				n = child
			case entryLeaf:
				// Split: push the superpage down one level as fanOut
				// identical children covering equal sub-ranges, each
				// offset by its share of the original physical range.
				child := newNode()
				childSpan := levelSpan(lvl-1, l)
				for i := 0; i < fanOut; i++ {
					childLeaf := cur.leaf
					childLeaf.phys = cur.leaf.phys + uint64(i)*childSpan
					child.entries[i].Store(&pte{kind: entryLeaf, leaf: childLeaf})
				}
				newEntry := &pte{kind: entryBranch, next: child}
				if !n.entries[idx].CompareAndSwap(cur, newEntry) {
					continue
				}
				n = child
			}
			break
		}
	}

	idx := indexAt(va, targetLevel, l)
	newEntry := &pte{kind: entryLeaf, leaf: lf}
	for {
		cur := n.entries[idx].Load()
		if n.entries[idx].CompareAndSwap(cur, newEntry) {
			return
		}
	}
}

// walkRemove clears [va, va+levelSpan(targetLevel)), splitting superpages on
// partial overlap exactly like walkInstall.
func walkRemove(root *node, va uint64, targetLevel int, l layout) {
	n := root
	for lvl := l.levels; lvl > targetLevel; lvl-- {
		idx := indexAt(va, lvl, l)
		for {
			cur := n.entries[idx].Load()
			switch cur.kind {
			case entryBranch:
				n = cur.next
			case entryHole:
				return // already absent at every level below
			case entryLeaf:
				child := newNode()
				childSpan := levelSpan(lvl-1, l)
				for i := 0; i < fanOut; i++ {
					childLeaf := cur.leaf
					childLeaf.phys = cur.leaf.phys + uint64(i)*childSpan
					child.entries[i].Store(&pte{kind: entryLeaf, leaf: childLeaf})
				}
				newEntry := &pte{kind: entryBranch, next: child}
				if !n.entries[idx].CompareAndSwap(cur, newEntry) {
					continue
				}
				n = child
			}
			break
		}
	}

	idx := indexAt(va, targetLevel, l)
	for {
		cur := n.entries[idx].Load()
		if cur.kind == entryHole {
			return
		}
		if n.entries[idx].CompareAndSwap(cur, holePTE) {
			return
		}
	}
}
