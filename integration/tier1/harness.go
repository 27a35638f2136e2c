//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/buildlineage/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// fakeMake stands in for the kernel build. It fails for configurations that
// enable CONFIG_BROKEN and counts its invocations in $BUILD_COUNTER.
const fakeMake = `#!/bin/sh
echo run >> "$BUILD_COUNTER"
if grep -q '^CONFIG_BROKEN=y' .config; then
	echo "arch/x86/Makefile: broken option" >&2
	exit 2
fi
mkdir -p out
cp .config out/vmlinux
echo "  LD      vmlinux"
`

// Harness builds the buildlineage binary once and runs it against a
// throwaway source tree with a fake build tool.
type Harness struct {
	t       *testing.T
	binary  string
	root    string
	keepDir bool
}

// NewHarness creates a new test harness rooted in a temporary directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		root:    t.TempDir(),
		keepDir: os.Getenv("INTEGRATION_KEEP_TREE") == "1",
	}
}

// Path returns a path below the harness root
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.root}, elem...)...)
}

// BuildBinary compiles the CLI into the harness root
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = h.Path("bin", "buildlineage")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/buildlineage")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Setup writes the source tree, the configurations and the fake build tool
func (h *Harness) Setup(configs map[string]string) {
	h.t.Helper()
	testutil.WriteFilesIn(h.t, h.Path("linux"), map[string]string{
		"Makefile":    "all:\n",
		"init/main.c": "int main(void) { return 0; }\n",
		".gitignore":  "out/\n*.o\n",
	})
	testutil.WriteFilesIn(h.t, h.Path("configs"), configs)
	testutil.WriteFilesIn(h.t, h.Path("bin"), map[string]string{"make": fakeMake})
	if err := os.Chmod(h.Path("bin", "make"), 0o755); err != nil {
		h.t.Fatalf("chmod fake make: %v", err)
	}
}

// WriteConfig writes the CLI config file and returns its path
func (h *Harness) WriteConfig(extra string) string {
	h.t.Helper()
	config := fmt.Sprintf(`workdir: %s
configs_dir: %s
build:
  command: [%s]
  jobs: 2
  time_wrapper: ""
%s`, h.Path("linux"), h.Path("configs"), h.Path("bin", "make"), extra)

	path := h.Path("config.yaml")
	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// Run executes the binary and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "BUILD_COUNTER="+h.Path("builds.log"))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun runs the binary and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("buildlineage exited %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Git runs git in the source tree and returns trimmed stdout
func (h *Harness) Git(ctx context.Context, args ...string) string {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", h.Path("linux")}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		h.t.Fatalf("git %v: %v", args, err)
	}
	return strings.TrimSpace(string(out))
}

// Builds returns how many times the fake build tool ran
func (h *Harness) Builds() int {
	h.t.Helper()
	data, err := os.ReadFile(h.Path("builds.log"))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		h.t.Fatalf("read build counter: %v", err)
	}
	return strings.Count(string(data), "run\n")
}

// Cleanup reports where the tree is kept when a test failed
func (h *Harness) Cleanup() {
	if h.keepDir && h.t.Failed() {
		kept := filepath.Join(os.TempDir(), "buildlineage-"+filepath.Base(h.root))
		if err := os.Rename(h.root, kept); err == nil {
			h.t.Logf("Test failed and INTEGRATION_KEEP_TREE=1, kept tree at %s", kept)
		}
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
