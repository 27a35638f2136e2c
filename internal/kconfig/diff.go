package kconfig

import (
	"fmt"
	"sort"
)

// ChangeMarker separates the old and new value of a changed option.
const ChangeMarker = " → "

// DiffResult partitions the union of two configurations' options.
type DiffResult struct {
	Unchanged map[string]string // same value on both sides
	Added     map[string]string // only in after
	Removed   map[string]string // only in before
	Changed   map[string]string // "old → new"
}

// Diff classifies every option of before and after.
func Diff(before, after Configuration) DiffResult {
	d := DiffResult{
		Unchanged: make(map[string]string),
		Added:     make(map[string]string),
		Removed:   make(map[string]string),
		Changed:   make(map[string]string),
	}

	for k, old := range before {
		cur, ok := after[k]
		switch {
		case !ok:
			d.Removed[k] = old
		case old == cur:
			d.Unchanged[k] = old
		default:
			d.Changed[k] = old + ChangeMarker + cur
		}
	}
	for k, cur := range after {
		if _, ok := before[k]; !ok {
			d.Added[k] = cur
		}
	}

	return d
}

// Counts returns the number of added, removed and changed options.
func (d DiffResult) Counts() (added, removed, changed int) {
	return len(d.Added), len(d.Removed), len(d.Changed)
}

// Empty reports whether both sides held identical options.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Lines renders the differences sorted by option name, in the style of the
// kernel's scripts/diffconfig: "-NAME v", "+NAME v", "~NAME old → new".
func (d DiffResult) Lines() []string {
	type entry struct {
		key  string
		line string
	}
	entries := make([]entry, 0, len(d.Added)+len(d.Removed)+len(d.Changed))
	for k, v := range d.Removed {
		entries = append(entries, entry{k, fmt.Sprintf("-%s %s", k, v)})
	}
	for k, v := range d.Added {
		entries = append(entries, entry{k, fmt.Sprintf("+%s %s", k, v)})
	}
	for k, v := range d.Changed {
		entries = append(entries, entry{k, fmt.Sprintf("~%s %s", k, v)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.line
	}
	return lines
}
