//go:build !linux

package backend

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func signalProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
