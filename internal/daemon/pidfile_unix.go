//go:build !windows

package daemon

import "syscall"

// alive uses signal 0, which checks for the process without delivering anything.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
