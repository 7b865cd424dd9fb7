// Package runner executes external commands and reports a structured result
// instead of a bare return code.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes one process invocation. When Stdout is nil the standard
// output is captured into Result.Output together with standard error.
type Command struct {
	Name   string
	Args   []string
	Env    []string
	Stdout io.Writer
}

// String renders the command for logs. Env is left out on purpose: it may carry passwords.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished command reports.
type Result struct {
	ExitCode int
	Output   []byte
	Err      error
}

// OK reports whether the command started and exited with status zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Error builds an error describing the failure, or nil for a successful result.
func (r Result) Error() error {
	if r.OK() {
		return nil
	}
	msg := strings.TrimSpace(string(r.Output))
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if r.Err != nil {
		return fmt.Errorf("exit status %d: %w: %s", r.ExitCode, r.Err, msg)
	}
	return fmt.Errorf("exit status %d: %s", r.ExitCode, msg)
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Timeout time.Duration
}

var _ Runner = ExecRunner{}

// Run executes cmd with exec.CommandContext. A non-zero exit is reported through
// ExitCode; Err is only set when the process could not run or was killed.
func (e ExecRunner) Run(ctx context.Context, c Command) Result {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var out bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &out
	}
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Output: out.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			res.Err = ctx.Err()
		}
	default:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}
