//go:build integration

package tier1

import (
	"context"
	"encoding/csv"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/schaermu/buildlineage/internal/label"
)

var configs = map[string]string{
	"config": "CONFIG_A=y\n# CONFIG_NET is not set\n",
	"NET":    "CONFIG_A=y\nCONFIG_NET=y\n",
	"BROKEN": "CONFIG_A=y\nCONFIG_BROKEN=y\n",
}

func TestTier1Lineage(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	h.Setup(configs)

	codec, err := label.NewCodec(label.Strict)
	if err != nil {
		t.Fatal(err)
	}
	id := func(name string) string {
		t.Helper()
		s, err := codec.ConfigID(h.Path("configs", name))
		if err != nil {
			t.Fatalf("config id: %v", err)
		}
		return s
	}
	base := codec.CleanLabel(id("config"))
	netIB, err := codec.Encode(label.Label{Parent: base, ConfigID: id("NET"), Kind: label.Incremental})
	if err != nil {
		t.Fatal(err)
	}

	var firstReport string

	t.Run("A_InitialRun", func(t *testing.T) {
		cfgPath := h.WriteConfig("")
		stdout, stderr := h.MustRun(ctx, "run", "--config", cfgPath)
		t.Logf("stderr: %s", stderr)
		firstReport = stdout

		if got := h.Builds(); got != 5 {
			t.Errorf("expected 5 builds, got %d", got)
		}

		branches := strings.Fields(h.Git(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/"))
		if len(branches) != 6 {
			t.Errorf("expected 5 build branches and master, got %v", branches)
		}
		if head := h.Git(ctx, "rev-parse", "--abbrev-ref", "HEAD"); head != "master" {
			t.Errorf("tree left on %q, want master", head)
		}

		if old := h.Git(ctx, "show", netIB+":.config.old"); old != strings.TrimSpace(configs["config"]) {
			t.Errorf(".config.old on %s = %q", netIB, old)
		}
		if vmlinux := h.Git(ctx, "show", netIB+":out/vmlinux"); !strings.Contains(vmlinux, "CONFIG_NET=y") {
			t.Errorf("ignored build products not committed: %q", vmlinux)
		}
		if errOut := h.Git(ctx, "show", codec.CleanLabel(id("BROKEN"))+":t+error"); !strings.Contains(errOut, "broken option") {
			t.Errorf("t+error = %q", errOut)
		}

		records, err := csv.NewReader(strings.NewReader(stdout)).ReadAll()
		if err != nil {
			t.Fatalf("report is not csv: %v", err)
		}
		if len(records) != 6 {
			t.Fatalf("expected 6 report lines, got %d:\n%s", len(records), stdout)
		}
		for _, rec := range records[1:] {
			if rec[0] == id("NET") && rec[1] == id("config") {
				if rec[4] != "0" || rec[5] != "0" || rec[6] != "1" {
					t.Errorf("NET increment diff = %v, want only CONFIG_NET changed", rec[4:])
				}
			}
		}
	})

	t.Run("B_ReportReadsLineage", func(t *testing.T) {
		cfgPath := h.WriteConfig("")
		stdout, _ := h.MustRun(ctx, "report", "--config", cfgPath)
		if stdout != firstReport {
			t.Errorf("report differs from the run's report:\n%s\nvs\n%s", stdout, firstReport)
		}
	})

	t.Run("C_RerunCollides", func(t *testing.T) {
		cfgPath := h.WriteConfig("")
		_, stderr, exitCode, err := h.Run(ctx, "run", "--config", cfgPath)
		if err != nil {
			t.Fatal(err)
		}
		if exitCode == 0 {
			t.Fatal("expected a rerun to fail on the existing branches")
		}
		if !strings.Contains(stderr, "already exists") {
			t.Errorf("stderr does not mention the collision:\n%s", stderr)
		}
	})

	t.Run("D_SkipExisting", func(t *testing.T) {
		before := h.Builds()
		cfgPath := h.WriteConfig("lineage:\n  skip_existing: true\n")
		h.MustRun(ctx, "run", "--config", cfgPath, "--no-report")
		if got := h.Builds(); got != before {
			t.Errorf("skip_existing rebuilt %d configurations", got-before)
		}
	})
}

func TestTier1DryRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	h.Setup(configs)

	cfgPath := h.WriteConfig("lineage:\n  backend: go-git\n")
	stdout, stderr := h.MustRun(ctx, "run", "--config", cfgPath, "--dry-run")
	t.Logf("stderr: %s", stderr)

	if stdout != "" {
		t.Errorf("dry run printed a report:\n%s", stdout)
	}
	if got := h.Builds(); got != 0 {
		t.Errorf("dry run ran %d builds", got)
	}
	if _, err := os.Stat(h.Path("linux", ".git")); err == nil {
		t.Error("dry run initialised the lineage")
	}
}
