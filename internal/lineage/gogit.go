package lineage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/schaermu/buildlineage/internal/workdir"
)

// GoGitStore implements Store in-process with go-git.
type GoGitStore struct {
	wd   workdir.Dir
	opts Options
	repo *git.Repository
}

// NewGoGitStore creates a store backed by go-git. Init must be called first.
func NewGoGitStore(wd workdir.Dir, opts Options) *GoGitStore {
	return &GoGitStore{wd: wd, opts: withDefaults(opts)}
}

// DefaultBranch returns the configured default branch
func (s *GoGitStore) DefaultBranch() string {
	return s.opts.DefaultBranch
}

// Init opens the repository in the tree, creating it when missing
func (s *GoGitStore) Init(_ context.Context) error {
	repo, err := git.PlainOpen(s.wd.Root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(s.wd.Root, &git.PlainInitOptions{
			InitOptions: git.InitOptions{
				DefaultBranch: plumbing.NewBranchReferenceName(s.opts.DefaultBranch),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to init repository: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read repository config: %w", err)
	}
	cfg.User.Name = s.opts.CommitterName
	cfg.User.Email = s.opts.CommitterEmail
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("failed to write repository config: %w", err)
	}

	s.repo = repo
	return nil
}

// SnapshotAll stages the whole tree and commits it
func (s *GoGitStore) SnapshotAll(ctx context.Context, msg string) (string, error) {
	wt, err := s.worktree()
	if err != nil {
		return "", err
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	for path, st := range status {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		switch st.Worktree {
		case git.Unmodified:
			continue
		case git.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return "", fmt.Errorf("failed to stage removal of %s: %w", path, err)
			}
		default:
			if err := s.add(wt, path); err != nil {
				return "", err
			}
		}
	}

	forced := s.wd.ExistingMarkers()
	if s.opts.IncludeIgnored {
		ignored, err := s.ignoredFiles(wt)
		if err != nil {
			return "", err
		}
		forced = append(forced, ignored...)
	}
	for _, path := range forced {
		if err := s.add(wt, path); err != nil {
			return "", err
		}
	}

	sig := &object.Signature{
		Name:  s.opts.CommitterName,
		Email: s.opts.CommitterEmail,
		When:  time.Now(),
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// BranchFrom creates label at commit
func (s *GoGitStore) BranchFrom(ctx context.Context, label, commit string) error {
	exists, err := s.HasBranch(ctx, label)
	if err != nil {
		return err
	}
	if exists {
		return &LabelCollisionError{Label: label}
	}

	hash, err := s.resolve(commit)
	if err != nil {
		return err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(label), hash)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to create branch %q: %w", label, err)
	}
	return nil
}

// Checkout force-checks out a branch by name, or a commit in detached mode
func (s *GoGitStore) Checkout(ctx context.Context, ref string) error {
	wt, err := s.worktree()
	if err != nil {
		return err
	}

	opts := &git.CheckoutOptions{Force: true}
	isBranch, err := s.HasBranch(ctx, ref)
	if err != nil {
		return err
	}
	if isBranch {
		opts.Branch = plumbing.NewBranchReferenceName(ref)
	} else {
		hash, err := s.resolve(ref)
		if err != nil {
			return err
		}
		opts.Hash = hash
	}

	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("failed to checkout %q: %w", ref, err)
	}
	if !s.opts.IncludeIgnored {
		return s.clean(wt)
	}
	return nil
}

// clean removes untracked files, ignored ones included, like git clean -fdx.
// Worktree.Clean alone leaves ignored files in place.
func (s *GoGitStore) clean(wt *git.Worktree) error {
	ignored, err := s.ignoredFiles(wt)
	if err != nil {
		return err
	}
	idx, err := s.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	for _, path := range ignored {
		if _, err := idx.Entry(path); err == nil {
			continue
		}
		if err := s.wd.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean worktree: %w", err)
	}
	return nil
}

// ListBranches lists every branch except the default one
func (s *GoGitStore) ListBranches(_ context.Context) ([]string, error) {
	if s.repo == nil {
		return nil, errNotInitialised
	}
	iter, err := s.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	var branches []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); name != s.opts.DefaultBranch {
			branches = append(branches, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	sort.Strings(branches)
	return branches, nil
}

// HeadCommit returns the commit id of HEAD
func (s *GoGitStore) HeadCommit(_ context.Context) (string, error) {
	if s.repo == nil {
		return "", errNotInitialised
	}
	head, err := s.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", ErrNoHead
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// HasBranch reports whether refs/heads/label exists
func (s *GoGitStore) HasBranch(_ context.Context, label string) (bool, error) {
	if s.repo == nil {
		return false, errNotInitialised
	}
	_, err := s.repo.Reference(plumbing.NewBranchReferenceName(label), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up branch %q: %w", label, err)
	}
	return true, nil
}

var errNotInitialised = errors.New("lineage store not initialised")

func (s *GoGitStore) worktree() (*git.Worktree, error) {
	if s.repo == nil {
		return nil, errNotInitialised
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	return wt, nil
}

func (s *GoGitStore) resolve(ref string) (plumbing.Hash, error) {
	var hash plumbing.Hash
	if r, err := s.repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		// Build labels contain characters the revision parser rejects.
		hash = r.Hash()
	} else if isFullHash(ref) {
		hash = plumbing.NewHash(ref)
	} else {
		h, err := s.repo.ResolveRevision(plumbing.Revision(ref))
		if err != nil {
			return plumbing.ZeroHash, &UnknownRefError{Ref: ref, Err: err}
		}
		hash = *h
	}

	if _, err := s.repo.CommitObject(hash); err != nil {
		return plumbing.ZeroHash, &UnknownRefError{Ref: ref, Err: err}
	}
	return hash, nil
}

func isFullHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// add stages one path. The ignore rules are bypassed for explicit paths.
func (s *GoGitStore) add(wt *git.Worktree, path string) error {
	if err := wt.AddWithOptions(&git.AddOptions{Path: path, SkipStatus: true}); err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return nil
}

// ignoredFiles walks the tree and returns the files matched by its
// .gitignore rules, relative to the root.
func (s *GoGitStore) ignoredFiles(wt *git.Worktree) ([]string, error) {
	patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore rules: %w", err)
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	matcher := gitignore.NewMatcher(patterns)

	var files []string
	ignoredDirs := map[string]bool{}
	err = filepath.WalkDir(s.wd.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.wd.Root, p)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}

		parts := strings.Split(filepath.ToSlash(rel), "/")
		ignored := ignoredDirs[filepath.Dir(rel)] || matcher.Match(parts, d.IsDir())
		if d.IsDir() {
			ignoredDirs[rel] = ignored
			return nil
		}
		if ignored && (d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0) {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree: %w", err)
	}
	return files, nil
}
