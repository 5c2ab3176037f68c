//go:build linux

package backend

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}

// signalProcess signals the whole process group so agent children die with
// the agent.
func signalProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
