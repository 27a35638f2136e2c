package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Group is a base configuration and the variants measured against it.
type Group struct {
	Name     string // subdirectory name; empty for a flat layout
	Base     string
	Variants []string
}

// DiscoverGroups finds the configuration groups under dir.
//
// A directory holding a file that matches basePattern is one flat group:
// that file is the base and every other file is a variant. Otherwise each
// subdirectory is a group of its own and must hold exactly one base.
// Hidden files and directories (names starting with ".") are skipped.
func DiscoverGroups(dir, basePattern string) ([]Group, error) {
	files, subdirs, err := listDir(dir)
	if err != nil {
		return nil, err
	}

	if hasMatch(files, basePattern) {
		g, err := groupFromFiles("", dir, files, basePattern)
		if err != nil {
			return nil, err
		}
		return []Group{g}, nil
	}

	if len(subdirs) == 0 {
		return nil, fmt.Errorf("no base configuration matching %q in %s", basePattern, dir)
	}

	groups := make([]Group, 0, len(subdirs))
	for _, name := range subdirs {
		groupDir := filepath.Join(dir, name)
		groupFiles, _, err := listDir(groupDir)
		if err != nil {
			return nil, err
		}
		g, err := groupFromFiles(name, groupDir, groupFiles, basePattern)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// listDir returns the sorted non-hidden regular files and subdirectories of dir
func listDir(dir string) (files, subdirs []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read configuration directory: %w", err)
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		switch {
		case entry.IsDir():
			subdirs = append(subdirs, entry.Name())
		case entry.Type().IsRegular():
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(subdirs)
	return files, subdirs, nil
}

func hasMatch(names []string, pattern string) bool {
	for _, name := range names {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func groupFromFiles(name, dir string, files []string, basePattern string) (Group, error) {
	g := Group{Name: name}
	var bases []string
	for _, f := range files {
		ok, err := filepath.Match(basePattern, f)
		if err != nil {
			return Group{}, fmt.Errorf("invalid base pattern %q: %w", basePattern, err)
		}
		if ok {
			bases = append(bases, f)
			continue
		}
		g.Variants = append(g.Variants, filepath.Join(dir, f))
	}

	switch len(bases) {
	case 0:
		return Group{}, fmt.Errorf("no base configuration matching %q in %s", basePattern, dir)
	case 1:
		g.Base = filepath.Join(dir, bases[0])
	default:
		return Group{}, fmt.Errorf("more than one base configuration in %s: %s", dir, strings.Join(bases, ", "))
	}
	return g, nil
}
