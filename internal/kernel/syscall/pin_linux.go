//go:build linux

package syscall

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling goroutine's OS thread to one physical core per
// simulated CPU. A refused affinity mask (host has fewer cores than the
// configured CPU count) degrades to plain LockOSThread containment.
func pinToCPU(cpu int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	_ = unix.SchedSetaffinity(0, &set)
}
