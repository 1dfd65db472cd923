package profiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// outputTail bounds how much training output is quoted in errors.
	outputTail = 4 << 10
	// waitDelay bounds how long Run waits for output pipes after the
	// process group was killed.
	waitDelay = 5 * time.Second
)

// Outcome is the result of one training run.
type Outcome struct {
	// OutOfMemory is set when the run failed because GPU memory ran out.
	OutOfMemory bool
	Output      string
}

// Runner launches one rendered training command. A run that fails for any
// reason other than running out of memory is returned as an error.
type Runner interface {
	Run(ctx context.Context, command string) (Outcome, error)
}

// ShellRunner executes commands with "sh -c". Each command runs in its own
// process group, which is killed as a whole when ctx is done.
type ShellRunner struct {
	Shell      string
	OOMMarkers []string
	// Env is appended to the inherited environment (KEY=VALUE).
	Env []string
}

// NewShellRunner returns a ShellRunner that recognises markers in the
// training output as out-of-memory failures.
func NewShellRunner(markers []string, env []string) *ShellRunner {
	return &ShellRunner{Shell: "sh", OOMMarkers: markers, Env: env}
}

func (r *ShellRunner) Run(ctx context.Context, command string) (Outcome, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Env = append(os.Environ(), r.Env...)
	killProcessGroupOnCancel(cmd)
	cmd.WaitDelay = waitDelay
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if err == nil {
		return Outcome{Output: out}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{Output: out}, ctxErr
	}
	if r.isOOM(out) {
		return Outcome{OutOfMemory: true, Output: out}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{Output: out}, fmt.Errorf("training exited with code %d: %s", exitErr.ExitCode(), tail(out))
	}
	return Outcome{Output: out}, fmt.Errorf("launch training: %w", err)
}

func (r *ShellRunner) isOOM(out string) bool {
	for _, m := range r.OOMMarkers {
		if m != "" && strings.Contains(out, m) {
			return true
		}
	}
	return false
}

func tail(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > outputTail {
		return "..." + out[len(out)-outputTail:]
	}
	return out
}
