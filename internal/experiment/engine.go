// Package experiment runs the build experiment: a clean build of every
// configuration plus an incremental build of each variant on top of its
// group's base, each recorded as a branch of the lineage.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/schaermu/buildlineage/internal/builder"
	"github.com/schaermu/buildlineage/internal/kconfig"
	"github.com/schaermu/buildlineage/internal/label"
	"github.com/schaermu/buildlineage/internal/lineage"
	"github.com/schaermu/buildlineage/internal/workdir"
)

// InterruptedMarker is the error marker content of a build stopped by
// cancellation.
const InterruptedMarker = "build interrupted\n"

// Builder builds the tree in a working directory.
type Builder interface {
	Run(ctx context.Context, wd workdir.Dir) (*builder.Outcome, error)
}

// Options configures an Engine
type Options struct {
	ConfigsDir   string
	BaseConfig   string
	SkipExisting bool
	DryRun       bool
}

// Engine orchestrates the experiment
type Engine struct {
	opts    Options
	wd      workdir.Dir
	store   lineage.Store
	builder Builder
	codec   label.Codec
	logger  *slog.Logger
}

// NewEngine creates a new experiment engine
func NewEngine(opts Options, wd workdir.Dir, store lineage.Store, b Builder, codec label.Codec, logger *slog.Logger) *Engine {
	return &Engine{
		opts:    opts,
		wd:      wd,
		store:   store,
		builder: b,
		codec:   codec,
		logger:  logger,
	}
}

// Run executes the complete experiment
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.logger.Info("starting experiment",
		"workdir", e.wd.Root,
		"configs", e.opts.ConfigsDir,
		"dry_run", e.opts.DryRun)

	// All configurations are parsed and named before anything is built.
	plan, err := e.BuildPlan()
	if err != nil {
		return nil, fmt.Errorf("failed to build experiment plan: %w", err)
	}
	e.logger.Info("experiment plan", "builds", len(plan.Steps))

	summary := &Summary{}
	if e.opts.DryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, nothing built")
		return summary, nil
	}

	root, err := e.initLineage(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Info("lineage ready", "root", root, "default_branch", e.store.DefaultBranch())

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		attempt, err := e.runStep(ctx, root, step)
		if err != nil {
			return summary, fmt.Errorf("build %s failed: %w", step.Label, err)
		}
		summary.Attempts = append(summary.Attempts, *attempt)
		e.logProgress(i+1, len(plan.Steps), step, attempt)
	}

	if err := e.store.Checkout(ctx, e.store.DefaultBranch()); err != nil {
		return summary, fmt.Errorf("failed to restore default branch: %w", err)
	}

	e.logger.Info("experiment completed",
		"builds", len(summary.Attempts),
		"failed", summary.Failed(),
		"skipped", summary.Skipped())
	return summary, nil
}

// BuildPlan discovers and parses every configuration and computes the
// ordered build steps
func (e *Engine) BuildPlan() (*Plan, error) {
	groups, err := DiscoverGroups(e.opts.ConfigsDir, e.opts.BaseConfig)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	plan := &Plan{}
	seen := make(map[string]string) // label -> source

	add := func(s Step) error {
		if prev, ok := seen[s.Label]; ok {
			return fmt.Errorf("%s and %s both map to build %s", prev, s.Source, s.Label)
		}
		seen[s.Label] = s.Source
		plan.Steps = append(plan.Steps, s)
		return nil
	}

	for _, g := range groups {
		baseCfg, err := kconfig.Parse(fs, g.Base)
		if err != nil {
			return nil, err
		}
		baseID, err := e.codec.ConfigID(g.Base)
		if err != nil {
			return nil, err
		}
		baseLabel := e.codec.CleanLabel(baseID)
		if err := add(Step{Label: baseLabel, Kind: label.Clean, Group: g.Name, ConfigID: baseID, Source: g.Base}); err != nil {
			return nil, err
		}

		e.logger.Debug("discovered configuration group", "group", g.Name, "base", g.Base, "variants", len(g.Variants))

		for _, variant := range g.Variants {
			cfg, err := kconfig.Parse(fs, variant)
			if err != nil {
				return nil, err
			}
			id, err := e.codec.ConfigID(variant)
			if err != nil {
				return nil, err
			}
			incremental, err := e.codec.Encode(label.Label{Parent: baseLabel, ConfigID: id, Kind: label.Incremental})
			if err != nil {
				return nil, fmt.Errorf("failed to name incremental build of %s: %w", variant, err)
			}
			diff := kconfig.Diff(baseCfg, cfg)

			if err := add(Step{Label: e.codec.CleanLabel(id), Kind: label.Clean, Group: g.Name, ConfigID: id, Source: variant}); err != nil {
				return nil, err
			}
			if err := add(Step{Label: incremental, Kind: label.Incremental, Group: g.Name, ConfigID: id, Source: variant, From: baseLabel, Diff: &diff}); err != nil {
				return nil, err
			}
		}
	}

	return plan, nil
}

// initLineage opens the repository and returns the commit holding the
// pristine tree, creating it on first use
func (e *Engine) initLineage(ctx context.Context) (string, error) {
	if err := e.store.Init(ctx); err != nil {
		return "", fmt.Errorf("failed to initialise lineage: %w", err)
	}

	_, err := e.store.HeadCommit(ctx)
	if errors.Is(err, lineage.ErrNoHead) {
		e.logger.Info("recording pristine source tree")
		root, err := e.store.SnapshotAll(ctx, "source")
		if err != nil {
			return "", fmt.Errorf("failed to record source tree: %w", err)
		}
		return root, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lineage head: %w", err)
	}

	if err := e.store.Checkout(ctx, e.store.DefaultBranch()); err != nil {
		return "", fmt.Errorf("failed to checkout default branch: %w", err)
	}
	head, err := e.store.HeadCommit(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read lineage head: %w", err)
	}
	return head, nil
}

// runStep materialises the step's branch, builds and snapshots it
func (e *Engine) runStep(ctx context.Context, root string, step Step) (*Attempt, error) {
	attempt := &Attempt{Label: step.Label, Kind: step.Kind}

	if e.opts.SkipExisting {
		exists, err := e.store.HasBranch(ctx, step.Label)
		if err != nil {
			return nil, err
		}
		if exists {
			e.logger.Info("build already recorded, skipping", "label", step.Label)
			attempt.Skipped = true
			return attempt, nil
		}
	}

	from := root
	if step.From != "" {
		from = step.From
	}
	if err := e.store.BranchFrom(ctx, step.Label, from); err != nil {
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}
	if err := e.store.Checkout(ctx, step.Label); err != nil {
		return nil, fmt.Errorf("failed to checkout branch: %w", err)
	}

	if step.Kind == label.Incremental {
		if err := e.wd.Copy(workdir.ConfigFile, workdir.PrevConfigFile); err != nil {
			return nil, fmt.Errorf("failed to keep parent configuration: %w", err)
		}
	}
	if err := e.wd.CopyIn(step.Source, workdir.ConfigFile); err != nil {
		return nil, fmt.Errorf("failed to install configuration: %w", err)
	}

	e.logger.Info("building", "label", step.Label, "kind", step.Kind)
	outcome, err := e.builder.Run(ctx, e.wd)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		e.recordInterrupted(ctx, step.Label)
		return nil, err
	}

	commit, err := e.store.SnapshotAll(ctx, step.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to record build: %w", err)
	}

	attempt.Commit = commit
	attempt.Success = outcome.Success
	attempt.ElapsedSeconds = outcome.ElapsedSeconds
	return attempt, nil
}

// recordInterrupted commits a build that was killed by cancellation as a
// failed attempt, so its branch never points at the parent's snapshot.
func (e *Engine) recordInterrupted(ctx context.Context, l string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.wd.WriteFile(workdir.ErrorMarker, []byte(InterruptedMarker)); err != nil {
		e.logger.Error("failed to mark interrupted build", "label", l, "error", err)
		return
	}
	if _, err := e.store.SnapshotAll(ctx, l+" (interrupted)"); err != nil {
		e.logger.Error("failed to record interrupted build", "label", l, "error", err)
		return
	}
	e.logger.Warn("build interrupted, recorded as failed", "label", l)
}

func (e *Engine) logProgress(n, total int, step Step, a *Attempt) {
	if a.Skipped {
		return
	}
	attrs := []any{
		"progress", fmt.Sprintf("%d/%d", n, total),
		"label", a.Label,
		"kind", a.Kind,
		"ok", a.Success,
		"seconds", builder.FormatSeconds(a.ElapsedSeconds),
	}
	if step.Diff != nil {
		added, removed, changed := step.Diff.Counts()
		attrs = append(attrs, "added", added, "removed", removed, "changed", changed)
	}
	if a.Success {
		e.logger.Info("build finished", attrs...)
	} else {
		e.logger.Warn("build failed", attrs...)
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, s := range plan.Steps {
		attrs := []any{"label", s.Label, "kind", s.Kind, "config", s.Source}
		if s.From != "" {
			attrs = append(attrs, "from", s.From)
		}
		if s.Diff != nil {
			added, removed, changed := s.Diff.Counts()
			attrs = append(attrs, "added", added, "removed", removed, "changed", changed)
		}
		e.logger.Info("[dry-run] would build", attrs...)
	}
}
