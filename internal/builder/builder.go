// Package builder runs the external build tool inside a build tree and
// records its outcome in marker files.
package builder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/schaermu/buildlineage/internal/workdir"
)

// Exit codes a shell-style wrapper (GNU time, env) uses when it cannot run
// the wrapped command.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// Options configures the build invocation.
type Options struct {
	Command     []string // build tool argv, e.g. ["make"]
	Jobs        int      // appended as -j<N> when > 0
	TimeWrapper string   // e.g. /usr/bin/time; empty to time in-process
}

// Outcome is the result of one build attempt. A failed build is an
// Outcome with Success false, not an error.
type Outcome struct {
	Success        bool
	ExitCode       int
	ElapsedSeconds float64
	Stdout         []byte
	Stderr         []byte
}

// ProcessLaunchError reports that the build tool or the timing wrapper could
// not be started, as opposed to a build that ran and failed.
type ProcessLaunchError struct {
	Command string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Command, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// Executor runs builds.
type Executor struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// NewExecutor creates an executor using runner to spawn processes
func NewExecutor(runner Runner, opts Options, logger *slog.Logger) *Executor {
	return &Executor{
		runner: runner,
		opts:   opts,
		logger: logger,
	}
}

// Argv returns the full command line, wrapper included.
func (e *Executor) Argv() []string {
	argv := make([]string, 0, len(e.opts.Command)+6)
	if e.opts.TimeWrapper != "" {
		argv = append(argv, e.opts.TimeWrapper, "-o", workdir.TimeMarker, "-f", "%e")
	}
	argv = append(argv, e.opts.Command...)
	if e.opts.Jobs > 0 {
		argv = append(argv, "-j"+strconv.Itoa(e.opts.Jobs))
	}
	return argv
}

// Run builds the tree in wd and writes the marker files:
// t+build (stdout), t+error (stderr, only on failure) and t+time.
func (e *Executor) Run(ctx context.Context, wd workdir.Dir) (*Outcome, error) {
	// Markers committed on the parent branch describe the parent's build.
	for _, m := range []string{workdir.ErrorMarker, workdir.TimeMarker, workdir.BuildMarker} {
		if err := wd.Remove(m); err != nil {
			return nil, fmt.Errorf("failed to clear stale marker %s: %w", m, err)
		}
	}

	argv := e.Argv()
	e.logger.Debug("running build", "dir", wd.Root, "argv", argv)

	res, err := e.runner.Run(ctx, wd.Root, argv)
	if err != nil {
		return nil, &ProcessLaunchError{Command: argv[0], Err: err}
	}
	if e.opts.TimeWrapper != "" && (res.ExitCode == exitNotFound || res.ExitCode == exitNotExecutable) {
		return nil, &ProcessLaunchError{
			Command: strings.Join(e.opts.Command, " "),
			Err:     fmt.Errorf("wrapper exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr))),
		}
	}

	out := &Outcome{
		Success:  res.ExitCode == 0,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}

	if err := wd.WriteFile(workdir.BuildMarker, res.Stdout); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", workdir.BuildMarker, err)
	}
	if !out.Success {
		stderr := res.Stderr
		if len(stderr) == 0 {
			// presence of the marker is the failure signal; never leave it empty
			stderr = []byte(fmt.Sprintf("build exited with status %d\n", res.ExitCode))
		}
		if err := wd.WriteFile(workdir.ErrorMarker, stderr); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", workdir.ErrorMarker, err)
		}
	}

	out.ElapsedSeconds = res.Elapsed.Seconds()
	if e.opts.TimeWrapper != "" {
		if data, err := wd.ReadFile(workdir.TimeMarker); err == nil {
			if secs, ok := ParseElapsed(data); ok {
				out.ElapsedSeconds = secs
			} else {
				e.logger.Warn("unusable timing wrapper output, using measured time", "content", strings.TrimSpace(string(data)))
			}
		} else {
			e.logger.Warn("timing wrapper wrote no time marker, using measured time", "error", err)
		}
	}
	if err := wd.WriteFile(workdir.TimeMarker, []byte(FormatSeconds(out.ElapsedSeconds)+"\n")); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", workdir.TimeMarker, err)
	}

	return out, nil
}

// ParseElapsed extracts the elapsed seconds from a timing wrapper's output.
// It takes the last line holding a number, so GNU time's
// "Command exited with non-zero status 2" preamble and POSIX "real 12.34"
// output are both accepted.
func ParseElapsed(data []byte) (float64, bool) {
	var (
		secs  float64
		found bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch {
		case len(fields) == 1:
			if v, err := strconv.ParseFloat(fields[0], 64); err == nil && v >= 0 && !math.IsInf(v, 0) {
				secs, found = v, true
			}
		case len(fields) == 2 && fields[0] == "real":
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil && v >= 0 && !math.IsInf(v, 0) {
				secs, found = v, true
			}
		}
	}
	return secs, found
}

// FormatSeconds renders seconds with one decimal, as the time marker stores it.
func FormatSeconds(secs float64) string {
	return strconv.FormatFloat(secs, 'f', 1, 64)
}
