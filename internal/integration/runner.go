package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mescon/Mediamend/internal/logger"
)

// Command is one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the structured outcome of a Command. A nonzero exit is reported
// here, never as a Go error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	// Err is set when the process could not be started or was interrupted.
	Err      error
	Duration time.Duration
}

// Success reports a clean, zero exit.
func (r Result) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Diagnostic returns the most useful single line describing a failed result.
func (r Result) Diagnostic() string {
	switch {
	case r.TimedOut:
		return "Timeout"
	case r.Err != nil:
		return r.Err.Error()
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

// Runner executes external media tools.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// killWaitDelay bounds how long Run waits for output pipes after a kill.
const killWaitDelay = 2 * time.Second

// ExecRunner runs commands as real subprocesses.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the command and waits for it to exit, the timeout to elapse, or
// ctx to be cancelled. On timeout or cancellation the process and its children
// are killed and reaped.
func (r *ExecRunner) Run(ctx context.Context, c Command) Result {
	start := time.Now()
	res := Result{ExitCode: -1}

	cmd := exec.Command(c.Name, c.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killWaitDelay
	startInOwnGroup(cmd)

	if err := cmd.Start(); err != nil {
		res.Err = fmt.Errorf("start %s: %w", c.Name, err)
		res.Duration = time.Since(start)
		return res
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		res.TimedOut = true
		killAndReap(cmd, done)
	case <-ctx.Done():
		res.Err = ctx.Err()
		killAndReap(cmd, done)
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(start)

	if res.TimedOut || res.Err != nil {
		return res
	}
	if waitErr == nil {
		res.ExitCode = 0
		return res
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The tool exited but left a child holding its output.
		res.ExitCode = cmd.ProcessState.ExitCode()
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.Err = waitErr
	return res
}

func killAndReap(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	if err := killTree(cmd); err != nil {
		logger.Debugf("Process kill returned: %v (may be already exited)", err)
	}
	// Draining done reaps the process. WaitDelay caps the wait for pipes held
	// by anything that escaped the kill.
	<-done
}

// ValidateMediaPath ensures a file path is safe to pass to subprocess commands.
// Commands are never run through a shell, so only absolute paths without null
// bytes or newlines are required.
func ValidateMediaPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains null byte: %q", path)
	}
	if strings.Contains(path, "\n") || strings.Contains(path, "\r") {
		return fmt.Errorf("path contains newline: %q", path)
	}
	return nil
}
