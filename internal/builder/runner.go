package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Runner starts a process and waits for it.
type Runner interface {
	// Run executes argv in dir. A process that starts and exits non-zero is
	// not an error: its exit code is reported in the Result. An error means
	// the process could not be started (or waited for) at all.
	Run(ctx context.Context, dir string, argv []string) (*Result, error)
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner that spawns real processes
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes argv in dir, capturing both output streams
func (r *ExecRunner) Run(ctx context.Context, dir string, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("missing command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}

	return res, nil
}
