//go:build !windows

package ipc

import "os"

func removeSocketPlatform(path string) {
	os.Remove(path)
}
