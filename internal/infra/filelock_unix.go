//go:build !windows

package infra

import (
	"os"
	"syscall"
)

// lockFile acquires an exclusive advisory lock, blocking until granted.
func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

// unlockFile releases the advisory lock.
func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
