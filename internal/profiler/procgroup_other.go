//go:build !unix

package profiler

import "os/exec"

func killProcessGroupOnCancel(cmd *exec.Cmd) {}
