// Package lineage keeps every build attempt as a branch of a git repository
// rooted at the build tree.
package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/schaermu/buildlineage/internal/workdir"
)

// ErrNoHead is returned by HeadCommit on a repository without commits.
var ErrNoHead = errors.New("repository has no commits")

// Store is the version-controlled build tree.
type Store interface {
	// Init opens or initialises the repository and sets the committer identity.
	Init(ctx context.Context) error
	// SnapshotAll stages every change, deletions included, and commits.
	// It commits even when nothing changed and returns the new commit id.
	SnapshotAll(ctx context.Context, msg string) (string, error)
	// BranchFrom creates branch label at commit without checking it out.
	BranchFrom(ctx context.Context, label, commit string) error
	// Checkout switches the tree to a branch or commit, discarding local changes.
	Checkout(ctx context.Context, ref string) error
	// ListBranches returns all branches but the default one, sorted.
	ListBranches(ctx context.Context) ([]string, error)
	// HeadCommit returns the commit id HEAD points at.
	HeadCommit(ctx context.Context) (string, error)
	// HasBranch reports whether branch label exists.
	HasBranch(ctx context.Context, label string) (bool, error)
	// DefaultBranch returns the name of the branch holding the pristine tree.
	DefaultBranch() string
}

// Options configures a Store.
type Options struct {
	DefaultBranch  string
	CommitterName  string
	CommitterEmail string
	// IncludeIgnored stages files matched by the tree's ignore rules, so
	// checking out a build branch restores its compiled state.
	IncludeIgnored bool
}

// LabelCollisionError reports an attempt to create a branch that already exists.
type LabelCollisionError struct {
	Label string
}

func (e *LabelCollisionError) Error() string {
	return fmt.Sprintf("branch %q already exists", e.Label)
}

// UnknownRefError reports a ref that resolves to neither a branch nor a commit.
type UnknownRefError struct {
	Ref string
	Err error
}

func (e *UnknownRefError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unknown ref %q: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("unknown ref %q", e.Ref)
}

func (e *UnknownRefError) Unwrap() error { return e.Err }

// Backend names accepted by New.
const (
	BackendGit   = "git"
	BackendGoGit = "go-git"
)

// New returns the Store implementation named by backend.
func New(backend string, wd workdir.Dir, opts Options) (Store, error) {
	switch backend {
	case BackendGit, "":
		return NewShellStore(wd, opts), nil
	case BackendGoGit:
		return NewGoGitStore(wd, opts), nil
	default:
		return nil, fmt.Errorf("unknown lineage backend %q", backend)
	}
}

func withDefaults(opts Options) Options {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "master"
	}
	if opts.CommitterName == "" {
		opts.CommitterName = "Tux"
	}
	if opts.CommitterEmail == "" {
		opts.CommitterEmail = "tux@localhost"
	}
	return opts
}
