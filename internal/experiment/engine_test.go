package experiment

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/buildlineage/internal/builder"
	"github.com/schaermu/buildlineage/internal/kconfig"
	"github.com/schaermu/buildlineage/internal/label"
	"github.com/schaermu/buildlineage/internal/lineage"
	"github.com/schaermu/buildlineage/internal/report"
	"github.com/schaermu/buildlineage/internal/workdir"
)

// fakeBuilder implements Builder. A build fails when the installed
// .config enables CONFIG_BROKEN.
type fakeBuilder struct {
	calls     int
	configs   []string
	launchErr error
	onRun     func()
}

func (f *fakeBuilder) Run(_ context.Context, wd workdir.Dir) (*builder.Outcome, error) {
	f.calls++
	if f.launchErr != nil {
		return nil, &builder.ProcessLaunchError{Command: "make", Err: f.launchErr}
	}
	if f.onRun != nil {
		f.onRun()
	}

	data, err := wd.ReadFile(workdir.ConfigFile)
	if err != nil {
		return nil, err
	}
	f.configs = append(f.configs, string(data))

	for _, m := range []string{workdir.ErrorMarker, workdir.TimeMarker, workdir.BuildMarker} {
		if err := wd.Remove(m); err != nil {
			return nil, err
		}
	}
	out := &builder.Outcome{Success: true, ElapsedSeconds: float64(f.calls)}
	if strings.Contains(string(data), "CONFIG_BROKEN=y") {
		out.Success = false
		out.ExitCode = 2
		if err := wd.WriteFile(workdir.ErrorMarker, []byte("make: *** Error 2\n")); err != nil {
			return nil, err
		}
	}
	if err := wd.WriteFile(workdir.BuildMarker, []byte("ok\n")); err != nil {
		return nil, err
	}
	if err := wd.WriteFile(workdir.TimeMarker, []byte(builder.FormatSeconds(out.ElapsedSeconds)+"\n")); err != nil {
		return nil, err
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	configsDir string
	wd         workdir.Dir
	store      lineage.Store
	codec      label.Codec
	builder    *fakeBuilder
}

func newFixture(t *testing.T, configs map[string]string) *fixture {
	t.Helper()
	base := t.TempDir()
	configsDir := filepath.Join(base, "configs")
	tree := filepath.Join(base, "linux")
	for _, dir := range []string{configsDir, tree} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range configs {
		path := filepath.Join(configsDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(tree, "Makefile"), []byte("all:\n"), 0644); err != nil {
		t.Fatal(err)
	}

	wd := workdir.New(tree)
	codec, err := label.NewCodec(label.Strict)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		configsDir: configsDir,
		wd:         wd,
		store:      lineage.NewGoGitStore(wd, lineage.Options{}),
		codec:      codec,
		builder:    &fakeBuilder{},
	}
}

func (f *fixture) engine(opts Options) *Engine {
	opts.ConfigsDir = f.configsDir
	if opts.BaseConfig == "" {
		opts.BaseConfig = "config"
	}
	return NewEngine(opts, f.wd, f.store, f.builder, f.codec, testLogger())
}

func (f *fixture) id(t *testing.T, name string) string {
	t.Helper()
	id, err := f.codec.ConfigID(filepath.Join(f.configsDir, name))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) readOn(t *testing.T, branch, name string) string {
	t.Helper()
	if err := f.store.Checkout(context.Background(), branch); err != nil {
		t.Fatalf("checkout %s: %v", branch, err)
	}
	data, err := f.wd.ReadFile(name)
	if err != nil {
		t.Fatalf("read %s on %s: %v", name, branch, err)
	}
	return string(data)
}

const (
	baseConfig = "CONFIG_A=y\n# CONFIG_B is not set\n"
	netConfig  = "CONFIG_A=y\nCONFIG_B=y\nCONFIG_NET=m\n"
	usbConfig  = "CONFIG_A=y\nCONFIG_USB=y\n"
)

func TestEngine_Run(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"config":           baseConfig,
		"NET":              netConfig,
		"___config_USB-17": usbConfig,
	})

	summary, err := f.engine(Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	baseLabel := f.id(t, "config") + "-cb"
	netID := f.id(t, "NET")
	usbID := f.id(t, "___config_USB-17")
	if !strings.HasSuffix(usbID, "|USB") {
		t.Fatalf("generated configuration id = %q", usbID)
	}

	want := []string{
		baseLabel,
		netID + "-cb",
		baseLabel + "+" + netID + "-ib",
		usbID + "-cb",
		baseLabel + "+" + usbID + "-ib",
	}
	var got []string
	for _, a := range summary.Attempts {
		got = append(got, a.Label)
		if !a.Success || a.Skipped || a.Commit == "" {
			t.Errorf("attempt %+v: expected a recorded successful build", a)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("build order mismatch (-want +got):\n%s", diff)
	}
	if f.builder.calls != 5 {
		t.Errorf("builder called %d times, want 5", f.builder.calls)
	}

	branches, err := f.store.ListBranches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 5 {
		t.Errorf("expected 5 branches, got %v", branches)
	}

	// The run ends on the pristine tree.
	if f.wd.Exists(workdir.ConfigFile) {
		t.Error("default branch should not carry a .config")
	}

	// Clean builds never see another configuration.
	if got := f.readOn(t, netID+"-cb", workdir.ConfigFile); got != netConfig {
		t.Errorf(".config on NET clean build = %q", got)
	}
	if f.wd.Exists(workdir.PrevConfigFile) {
		t.Error("clean builds must not carry .config.old")
	}
	if got := f.readOn(t, usbID+"-cb", workdir.ConfigFile); got != usbConfig {
		t.Errorf(".config on USB clean build = %q", got)
	}

	// Incremental builds keep the base configuration next to their own.
	inc := baseLabel + "+" + usbID + "-ib"
	if got := f.readOn(t, inc, workdir.PrevConfigFile); got != baseConfig {
		t.Errorf(".config.old on %s = %q", inc, got)
	}
	if got := f.readOn(t, inc, workdir.ConfigFile); got != usbConfig {
		t.Errorf(".config on %s = %q", inc, got)
	}
	if got := f.readOn(t, inc, workdir.TimeMarker); got != "5.0\n" {
		t.Errorf("time marker on %s = %q", inc, got)
	}
}

func TestEngine_FailedBuildIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"BAD":    "CONFIG_A=y\nCONFIG_BROKEN=y\n",
		"GOOD":   netConfig,
	})

	summary, err := f.engine(Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("a failing build must not abort the run: %v", err)
	}
	if len(summary.Attempts) != 5 {
		t.Fatalf("expected 5 attempts, got %d", len(summary.Attempts))
	}
	if summary.Failed() != 2 {
		t.Errorf("Failed() = %d, want 2 (clean and incremental BAD)", summary.Failed())
	}

	badClean := f.id(t, "BAD") + "-cb"
	if got := f.readOn(t, badClean, workdir.ErrorMarker); got == "" {
		t.Error("error marker must be committed and non-empty")
	}
	_ = f.readOn(t, f.id(t, "GOOD")+"-cb", workdir.ConfigFile)
	if f.wd.Exists(workdir.ErrorMarker) {
		t.Error("a later successful build must not inherit the error marker")
	}
}

func TestEngine_CollisionAndSkipExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
	})

	if _, err := f.engine(Options{}).Run(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine(Options{}).Run(ctx)
	var collision *lineage.LabelCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected LabelCollisionError on rerun, got %v", err)
	}

	calls := f.builder.calls
	summary, err := f.engine(Options{SkipExisting: true}).Run(ctx)
	if err != nil {
		t.Fatalf("rerun with skip_existing failed: %v", err)
	}
	if summary.Skipped() != 3 {
		t.Errorf("Skipped() = %d, want 3", summary.Skipped())
	}
	if f.builder.calls != calls {
		t.Error("skipped builds must not invoke the builder")
	}
}

func TestEngine_DryRun(t *testing.T) {
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
	})

	summary, err := f.engine(Options{DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Attempts) != 0 || f.builder.calls != 0 {
		t.Error("dry-run must not build")
	}
	if f.wd.Exists(".git") {
		t.Error("dry-run must not touch the lineage")
	}
}

func TestEngine_MalformedConfigIsFatalBeforeBuilding(t *testing.T) {
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
		"WRONG":  "CONFIG_A=y\nthis line is broken\n",
	})

	_, err := f.engine(Options{}).Run(context.Background())
	var malformed *kconfig.MalformedLineError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedLineError, got %v", err)
	}
	if malformed.Line != 2 {
		t.Errorf("Line = %d, want 2", malformed.Line)
	}
	if f.builder.calls != 0 {
		t.Error("no build may start when a configuration is malformed")
	}
}

func TestEngine_LaunchErrorIsFatal(t *testing.T) {
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
	})
	f.builder.launchErr = errors.New("exec: \"make\": executable file not found in $PATH")

	_, err := f.engine(Options{}).Run(context.Background())
	var launch *builder.ProcessLaunchError
	if !errors.As(err, &launch) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if f.builder.calls != 1 {
		t.Errorf("run must stop at the first launch failure, builder called %d times", f.builder.calls)
	}
}

func TestEngine_CancelledRunStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
	})
	f.builder.onRun = cancel

	_, err := f.engine(Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.builder.calls != 1 {
		t.Errorf("builder called %d times after cancellation", f.builder.calls)
	}
}

func TestEngine_InterruptedBuildIsRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
	})
	// base clean, NET clean, then the incremental build is killed
	f.builder.onRun = func() {
		if f.builder.calls == 3 {
			cancel()
		}
	}

	_, err := f.engine(Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	incremental := f.codec.CleanLabel(f.id(t, "config")) + "+" + f.id(t, "NET") + "-ib"
	if got := f.readOn(t, incremental, workdir.ErrorMarker); got != InterruptedMarker {
		t.Errorf("error marker on %s = %q, want %q", incremental, got, InterruptedMarker)
	}
	if got := f.readOn(t, incremental, workdir.PrevConfigFile); got != baseConfig {
		t.Errorf(".config.old = %q, want the base configuration", got)
	}

	cache, err := kconfig.NewCache(0)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := report.NewGenerator(f.store, f.wd, f.codec, cache, testLogger()).Generate(context.Background())
	if err != nil {
		t.Fatalf("report after an interrupted run failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %+v", rows)
	}
	for _, r := range rows {
		if r.Parent != report.Unknown && r.Incremental != report.Unknown {
			t.Errorf("interrupted build must not report a time: %+v", r)
		}
	}

	// The interrupted attempt is part of the lineage; a resume skips it.
	calls := f.builder.calls
	f.builder.onRun = nil
	summary, err := f.engine(Options{SkipExisting: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if summary.Skipped() != 3 || f.builder.calls != calls {
		t.Errorf("resume rebuilt recorded attempts: skipped=%d calls=%d", summary.Skipped(), f.builder.calls-calls)
	}
}

func TestEngine_LegacyAmbiguousLabelIsFatalBeforeBuilding(t *testing.T) {
	f := newFixture(t, nil)
	f.configsDir = filepath.Join(t.TempDir(), "my-configs")
	if err := os.MkdirAll(f.configsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{"config": baseConfig, "NET": netConfig} {
		if err := os.WriteFile(filepath.Join(f.configsDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	legacy, err := label.NewCodec(label.Legacy)
	if err != nil {
		t.Fatal(err)
	}
	f.codec = legacy

	_, err = f.engine(Options{}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to name incremental build") {
		t.Fatalf("expected a naming error, got %v", err)
	}
	if f.builder.calls != 0 {
		t.Errorf("builder called %d times", f.builder.calls)
	}
	if _, err := os.Stat(filepath.Join(f.wd.Root, ".git")); err == nil {
		t.Error("lineage initialised although a label is ambiguous")
	}
}

func TestEngine_DuplicateIdentifiers(t *testing.T) {
	f := newFixture(t, map[string]string{
		"config":          baseConfig,
		"___config_NET-1": netConfig,
		"___config_NET-2": netConfig,
	})

	_, err := f.engine(Options{}).BuildPlan()
	if err == nil || !strings.Contains(err.Error(), "both map to build") {
		t.Fatalf("expected duplicate label error, got %v", err)
	}
}

func TestBuildPlan_Diffs(t *testing.T) {
	f := newFixture(t, map[string]string{
		"config": baseConfig,
		"NET":    netConfig,
	})

	plan, err := f.engine(Options{}).BuildPlan()
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(plan.Steps))
	}

	inc := plan.Steps[2]
	if inc.Kind != label.Incremental || inc.From != plan.Steps[0].Label {
		t.Fatalf("unexpected incremental step %+v", inc)
	}
	added, removed, changed := inc.Diff.Counts()
	if added != 1 || removed != 0 || changed != 1 {
		t.Errorf("diff counts = %d/%d/%d, want 1/0/1", added, removed, changed)
	}
	if inc.Diff.Changed["CONFIG_B"] != "n → y" {
		t.Errorf("CONFIG_B change = %q", inc.Diff.Changed["CONFIG_B"])
	}
}
