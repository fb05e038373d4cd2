// Package command runs external commands on the control machine. It backs
// the local transport, which executes tasks without an SSH hop.
package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Result holds the outcome of one executed command. A non-zero exit code is
// reported in ExitCode, not as an error; ExitCode -1 means the command never
// ran to completion (not found, permission denied, cancelled).
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Error    error
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*Result, error)
}

type defaultRunner struct{}

// NewRunner creates the os/exec-backed runner.
func NewRunner() Runner {
	return &defaultRunner{}
}

func (r *defaultRunner) Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	if len(environment) > 0 {
		cmd.Env = environment
	}

	result := &Result{ExitCode: -1}
	err := cmd.Run()
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	if ctx.Err() != nil {
		result.Error = ctx.Err()
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.ExitCode = status.ExitStatus()
		}
		// The command ran; the caller inspects ExitCode.
		result.Error = err
		return result, nil
	}

	result.Error = err
	return result, err
}
