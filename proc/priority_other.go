//go:build !linux

package proc

// applyHostPriority is a no-op where per-thread nice values are unavailable.
func applyHostPriority(HostPriority) error {
	return nil
}
