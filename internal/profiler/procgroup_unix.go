//go:build unix

package profiler

import (
	"os/exec"
	"syscall"
)

// killProcessGroupOnCancel starts cmd as a process group leader so that
// cancellation also reaches the workers a distributed launcher forks.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
