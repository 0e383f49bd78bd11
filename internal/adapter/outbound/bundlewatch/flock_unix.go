//go:build !windows

package bundlewatch

import "golang.org/x/sys/unix"

// flockLock acquires an exclusive, non-blocking file lock (Unix
// implementation using flock(2)). Adapted from the teacher's state
// package, swapped from syscall to golang.org/x/sys/unix so a single
// dependency backs both platforms' lock files in this tree.
func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
}

// flockUnlock releases the file lock (Unix implementation).
func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
