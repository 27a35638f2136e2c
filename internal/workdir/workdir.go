// Package workdir is the handle to the build tree every component shares:
// the absolute root (for subprocesses and git) and a filesystem rooted at it.
package workdir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Marker and configuration files kept at the root of the build tree.
const (
	ConfigFile     = ".config"
	PrevConfigFile = ".config.old"
	TimeMarker     = "t+time"
	BuildMarker    = "t+build"
	ErrorMarker    = "t+error"
)

// Markers lists every file the experiment writes into the tree.
var Markers = []string{ConfigFile, PrevConfigFile, TimeMarker, BuildMarker, ErrorMarker}

// Dir is a build tree.
type Dir struct {
	Root string
	FS   afero.Fs
}

// New returns a Dir for root on the host filesystem.
func New(root string) Dir {
	return Dir{
		Root: root,
		FS:   afero.NewBasePathFs(afero.NewOsFs(), root),
	}
}

// NewWithFs returns a Dir whose files live in fs. Subprocesses still run in
// root, so this is meant for tests that fake the processes too.
func NewWithFs(root string, fs afero.Fs) Dir {
	return Dir{Root: root, FS: fs}
}

// Path returns the host path of name inside the tree.
func (d Dir) Path(name string) string {
	return filepath.Join(d.Root, name)
}

// Exists reports whether name exists in the tree.
func (d Dir) Exists(name string) bool {
	ok, err := afero.Exists(d.FS, name)
	return err == nil && ok
}

// ReadFile reads name from the tree.
func (d Dir) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(d.FS, name)
}

// WriteFile writes name in the tree.
func (d Dir) WriteFile(name string, data []byte) error {
	return afero.WriteFile(d.FS, name, data, 0644)
}

// Remove deletes name; a missing file is not an error.
func (d Dir) Remove(name string) error {
	if err := d.FS.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ExistingMarkers returns the marker files currently present.
func (d Dir) ExistingMarkers() []string {
	var present []string
	for _, m := range Markers {
		if d.Exists(m) {
			present = append(present, m)
		}
	}
	return present
}

// CopyIn copies the host file src to name inside the tree.
func (d Dir) CopyIn(src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()
	return d.write(name, in)
}

// Copy duplicates src to dst, both inside the tree.
func (d Dir) Copy(src, dst string) error {
	in, err := d.FS.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()
	return d.write(dst, in)
}

// write replaces name with the content of r through a temp file and rename.
func (d Dir) write(name string, r io.Reader) error {
	tmp, err := afero.TempFile(d.FS, filepath.Dir(name), ".buildlineage-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = d.FS.Remove(tmpName)
	}() // cleanup on error

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return d.FS.Rename(tmpName, name)
}
