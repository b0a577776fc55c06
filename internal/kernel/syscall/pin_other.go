//go:build !linux

package syscall

// pinToCPU is a no-op off Linux; RunCPU's LockOSThread still gives each
// simulated CPU a dedicated OS thread.
func pinToCPU(int) {}
