//go:build !linux

package agent

// applyMemoryLimit is a no-op where per-process address-space limits are
// not available; memory sampling in the supervisor still applies.
func applyMemoryLimit(pid int, limitBytes uint64) error {
	return nil
}
