package proc

import "golang.org/x/sys/unix"

// applyHostPriority sets the nice value of the calling OS thread. The caller
// must hold the OS thread locked.
func applyHostPriority(p HostPriority) error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), p.Nice())
}
