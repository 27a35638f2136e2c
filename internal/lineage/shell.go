package lineage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/schaermu/buildlineage/internal/workdir"
)

// ShellStore implements Store by shelling out to the git command
type ShellStore struct {
	wd   workdir.Dir
	opts Options
}

// NewShellStore creates a store that runs git in the build tree
func NewShellStore(wd workdir.Dir, opts Options) *ShellStore {
	return &ShellStore{wd: wd, opts: withDefaults(opts)}
}

// DefaultBranch returns the configured default branch
func (s *ShellStore) DefaultBranch() string {
	return s.opts.DefaultBranch
}

// Init initialises the repository when the tree has none and writes the
// committer identity into its local config
func (s *ShellStore) Init(ctx context.Context) error {
	if !s.wd.Exists(".git") {
		if _, err := s.git(ctx, "init", "-q", "--initial-branch="+s.opts.DefaultBranch); err != nil {
			return fmt.Errorf("git init failed: %w", err)
		}
	}

	for _, kv := range [][2]string{
		{"user.name", s.opts.CommitterName},
		{"user.email", s.opts.CommitterEmail},
		{"commit.gpgsign", "false"},
	} {
		if _, err := s.git(ctx, "config", kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to set %s: %w", kv[0], err)
		}
	}
	return nil
}

// SnapshotAll stages the whole tree and commits it
func (s *ShellStore) SnapshotAll(ctx context.Context, msg string) (string, error) {
	add := []string{"add", "--all"}
	if s.opts.IncludeIgnored {
		add = append(add, "--force")
	}
	if _, err := s.git(ctx, append(add, "--", ".")...); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}

	// Markers are recorded even when the tree's ignore rules match them.
	if markers := s.wd.ExistingMarkers(); len(markers) > 0 {
		args := append([]string{"add", "--force", "--"}, markers...)
		if _, err := s.git(ctx, args...); err != nil {
			return "", fmt.Errorf("failed to stage markers: %w", err)
		}
	}

	if _, err := s.git(ctx, "commit", "-q", "--allow-empty", "--no-verify", "-m", msg); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	return s.HeadCommit(ctx)
}

// BranchFrom creates label at commit
func (s *ShellStore) BranchFrom(ctx context.Context, label, commit string) error {
	exists, err := s.HasBranch(ctx, label)
	if err != nil {
		return err
	}
	if exists {
		return &LabelCollisionError{Label: label}
	}
	if _, err := s.resolve(ctx, commit); err != nil {
		return err
	}

	if _, err := s.git(ctx, "branch", label, commit); err != nil {
		return fmt.Errorf("git branch failed for %q: %w", label, err)
	}
	return nil
}

// Checkout force-checks out ref
func (s *ShellStore) Checkout(ctx context.Context, ref string) error {
	if _, err := s.resolve(ctx, ref); err != nil {
		return err
	}
	if _, err := s.git(ctx, "checkout", "-q", "-f", ref, "--"); err != nil {
		return fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}
	// Untracked build products of the previous branch must not leak into
	// this one.
	if !s.opts.IncludeIgnored {
		if _, err := s.git(ctx, "clean", "-fdxq"); err != nil {
			return fmt.Errorf("git clean failed after checkout of %q: %w", ref, err)
		}
	}
	return nil
}

// ListBranches lists every branch except the default one
func (s *ShellStore) ListBranches(ctx context.Context) ([]string, error) {
	out, err := s.git(ctx, "for-each-ref", "--format=%(refname)", "refs/heads/")
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimPrefix(strings.TrimSpace(line), "refs/heads/")
		if name == "" || name == s.opts.DefaultBranch {
			continue
		}
		branches = append(branches, name)
	}
	sort.Strings(branches)
	return branches, nil
}

// HeadCommit returns the commit id of HEAD
func (s *ShellStore) HeadCommit(ctx context.Context) (string, error) {
	out, err := s.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		if isExitCode(err, 1) {
			return "", ErrNoHead
		}
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasBranch reports whether refs/heads/label exists
func (s *ShellStore) HasBranch(ctx context.Context, label string) (bool, error) {
	_, err := s.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+label)
	if err == nil {
		return true, nil
	}
	if isExitCode(err, 1) {
		return false, nil
	}
	return false, fmt.Errorf("git show-ref failed: %w", err)
}

// resolve returns the commit id ref points at
func (s *ShellStore) resolve(ctx context.Context, ref string) (string, error) {
	out, err := s.git(ctx, "rev-parse", "--verify", "--quiet", "--end-of-options", ref+"^{commit}")
	if err != nil {
		return "", &UnknownRefError{Ref: ref}
	}
	return strings.TrimSpace(out), nil
}

// git runs a git subcommand in the tree and returns its stdout. On failure
// the error carries stderr.
func (s *ShellStore) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", s.wd.Root}, args...)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", &commandError{err: err, stderr: strings.TrimSpace(stderr.String())}
	}
	return string(out), nil
}

type commandError struct {
	err    error
	stderr string
}

func (e *commandError) Error() string {
	if e.stderr == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%v: %s", e.err, e.stderr)
}

func (e *commandError) Unwrap() error { return e.err }

func isExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == code
}
