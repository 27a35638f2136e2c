// Package report reads every recorded build back out of the lineage and
// renders the experiment table.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/schaermu/buildlineage/internal/builder"
	"github.com/schaermu/buildlineage/internal/kconfig"
	"github.com/schaermu/buildlineage/internal/label"
	"github.com/schaermu/buildlineage/internal/lineage"
	"github.com/schaermu/buildlineage/internal/workdir"
)

// Unknown is rendered for missing times and not-applicable columns.
const Unknown = "--"

// Header is the column layout of the report.
var Header = []string{"name", "parent", "clean", "incremental", "add", "remove", "change"}

// Record is one build read back from the lineage.
type Record struct {
	Branch  string
	Label   label.Label
	Success bool
	// Elapsed is nil when the time marker is missing or unparsable.
	Elapsed *float64
	Diff    *kconfig.DiffResult
}

// Row is one line of the report.
type Row struct {
	Name        string
	Parent      string
	Clean       string
	Incremental string
	Add         string
	Remove      string
	Change      string
}

// Fields returns the row's cells in Header order.
func (r Row) Fields() []string {
	return []string{r.Name, r.Parent, r.Clean, r.Incremental, r.Add, r.Remove, r.Change}
}

// Generator collects records from a lineage.
type Generator struct {
	store  lineage.Store
	wd     workdir.Dir
	codec  label.Codec
	cache  *kconfig.Cache
	logger *slog.Logger
}

// NewGenerator creates a report generator
func NewGenerator(store lineage.Store, wd workdir.Dir, codec label.Codec, cache *kconfig.Cache, logger *slog.Logger) *Generator {
	return &Generator{
		store:  store,
		wd:     wd,
		codec:  codec,
		cache:  cache,
		logger: logger,
	}
}

// Generate collects every record and renders the rows
func (g *Generator) Generate(ctx context.Context) ([]Row, error) {
	records, err := g.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return g.Rows(records), nil
}

// Collect checks out each build branch and reads its markers. Branches whose
// names are not build labels are skipped with a warning. The default branch
// is checked out again afterwards.
func (g *Generator) Collect(ctx context.Context) (map[string]*Record, error) {
	if err := g.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open lineage: %w", err)
	}

	branches, err := g.store.ListBranches(ctx)
	if err != nil {
		return nil, err
	}

	records := make(map[string]*Record, len(branches))
	for _, branch := range branches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l, err := g.codec.Decode(branch)
		if err != nil {
			var fErr *label.FormatError
			if errors.As(err, &fErr) {
				g.logger.Warn("skipping branch that is not a build label", "branch", branch, "error", err)
				continue
			}
			return nil, err
		}

		if err := g.store.Checkout(ctx, branch); err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", branch, err)
		}
		rec, err := g.read(branch, l)
		if err != nil {
			return nil, err
		}
		records[branch] = rec
	}

	if err := g.store.Checkout(ctx, g.store.DefaultBranch()); err != nil {
		return nil, fmt.Errorf("failed to restore default branch: %w", err)
	}
	return records, nil
}

// read builds a record from the checked-out tree
func (g *Generator) read(branch string, l label.Label) (*Record, error) {
	rec := &Record{
		Branch:  branch,
		Label:   l,
		Success: !g.wd.Exists(workdir.ErrorMarker),
	}

	if data, err := g.wd.ReadFile(workdir.TimeMarker); err == nil {
		if secs, ok := builder.ParseElapsed(data); ok {
			rec.Elapsed = &secs
		} else {
			g.logger.Warn("unparsable time marker", "branch", branch)
		}
	} else {
		g.logger.Warn("missing time marker", "branch", branch)
	}

	if l.Kind == label.Incremental {
		before, err := g.parse(branch, workdir.PrevConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read parent configuration of %s: %w", branch, err)
		}
		after, err := g.parse(branch, workdir.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration of %s: %w", branch, err)
		}
		if before != nil && after != nil {
			diff := kconfig.Diff(before, after)
			rec.Diff = &diff
		}
	}
	return rec, nil
}

// parse reads a configuration of the checked-out branch. A missing or
// unreadable file yields nil so the diff renders as unknown; a malformed one
// is an error.
func (g *Generator) parse(branch, name string) (kconfig.Configuration, error) {
	cfg, err := g.cache.Parse(g.wd.FS, name)
	var readErr *kconfig.ReadError
	if errors.As(err, &readErr) {
		g.logger.Warn("configuration not readable, diff unknown", "branch", branch, "file", name, "error", err)
		return nil, nil
	}
	return cfg, err
}

// Rows renders records sorted by branch name. An incremental row's clean
// column is the clean build time of its parent configuration.
func (g *Generator) Rows(records map[string]*Record) []Row {
	branches := make([]string, 0, len(records))
	for b := range records {
		branches = append(branches, b)
	}
	sort.Strings(branches)

	rows := make([]Row, 0, len(branches))
	for _, b := range branches {
		rec := records[b]
		if rec.Label.Kind == label.Clean {
			rows = append(rows, Row{
				Name:        rec.Label.ConfigID,
				Parent:      Unknown,
				Clean:       ownTime(rec),
				Incremental: Unknown,
				Add:         Unknown,
				Remove:      Unknown,
				Change:      Unknown,
			})
			continue
		}

		parentID := g.codec.ParentConfigID(rec.Label)
		clean := Unknown
		if parent, ok := records[g.codec.CleanLabel(parentID)]; ok {
			clean = ownTime(parent)
		} else {
			g.logger.Warn("no clean build recorded for parent", "branch", b, "parent", parentID)
		}

		row := Row{
			Name:        rec.Label.ConfigID,
			Parent:      parentID,
			Clean:       clean,
			Incremental: ownTime(rec),
			Add:         Unknown,
			Remove:      Unknown,
			Change:      Unknown,
		}
		if rec.Diff != nil {
			added, removed, changed := rec.Diff.Counts()
			row.Add = strconv.Itoa(added)
			row.Remove = strconv.Itoa(removed)
			row.Change = strconv.Itoa(changed)
		}
		rows = append(rows, row)
	}
	return rows
}

// ownTime renders a record's elapsed time; failed builds have none
func ownTime(r *Record) string {
	if !r.Success || r.Elapsed == nil {
		return Unknown
	}
	return builder.FormatSeconds(*r.Elapsed)
}
