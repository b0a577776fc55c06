//go:build kernelassert

package obj

// assertSingleQueue enforces the queue-membership invariant at every
// location transition: an SC leaving the ready array must have been
// unlinked first, so it can never be reachable from two lists at once.
func assertSingleQueue(sc *SC, next SCLocation) {
	if next != SCReady && (sc.Next != nil || sc.Prev != nil) {
		panic("obj: SC still linked into a ready queue at location " + next.String())
	}
}
