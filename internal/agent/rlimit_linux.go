//go:build linux

package agent

import "golang.org/x/sys/unix"

// applyMemoryLimit caps the worker's address space with RLIMIT_AS so a
// runaway worker is killed by the kernel before it takes the host down.
func applyMemoryLimit(pid int, limitBytes uint64) error {
	rlim := unix.Rlimit{Cur: limitBytes, Max: limitBytes}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil)
}
