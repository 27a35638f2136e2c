package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}
	if root == "" {
		t.Fatal("FindProjectRoot returned empty string")
	}

	goMod := filepath.Join(root, "go.mod")
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
}

func TestWriteFiles(t *testing.T) {
	dir := WriteFiles(t, map[string]string{
		"config":        "CONFIG_A=y\n",
		"group/variant": "CONFIG_B=y\n",
	})

	got, err := os.ReadFile(filepath.Join(dir, "group", "variant"))
	if err != nil {
		t.Fatalf("nested file not written: %v", err)
	}
	if string(got) != "CONFIG_B=y\n" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "config")); err != nil {
		t.Errorf("top-level file not written: %v", err)
	}
}
