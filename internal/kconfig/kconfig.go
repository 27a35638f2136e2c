// Package kconfig reads kernel build-option files (.config) into a canonical
// map and compares two of them.
package kconfig

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

const (
	// OptionPrefix is the prefix every kconfig symbol carries in a .config file.
	OptionPrefix = "CONFIG_"

	notSetPrefix = "# "
	notSetSuffix = " is not set"
)

// Configuration maps an option name to its value ("y", "m", "n" or a literal
// such as a quoted string or number).
type Configuration map[string]string

// ReadError reports that a configuration file could not be opened or read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read configuration %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// MalformedLineError reports a line that is neither ignorable nor a valid
// option assignment.
type MalformedLineError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Reason, e.Text)
}

// ParseFile parses the configuration at path on the host filesystem.
func ParseFile(path string) (Configuration, error) {
	return Parse(afero.NewOsFs(), path)
}

// Parse parses the configuration at path within fs.
func Parse(fs afero.Fs, path string) (Configuration, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	return Read(f, path)
}

// Read parses configuration text from r. name is only used in errors.
func Read(r io.Reader, name string) (Configuration, error) {
	cfg := make(Configuration)

	scanner := bufio.NewScanner(r)
	// Some options (CONFIG_CMDLINE, module signing keys) carry long values.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")

		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if !strings.HasSuffix(line, notSetSuffix) {
				continue
			}
			opt, reason := parseNotSet(line)
			if reason != "" {
				return nil, &MalformedLineError{Path: name, Line: lineNo, Text: line, Reason: reason}
			}
			cfg[opt] = "n"
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &MalformedLineError{Path: name, Line: lineNo, Text: line, Reason: "missing '=' separator"}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, &MalformedLineError{Path: name, Line: lineNo, Text: line, Reason: "empty option name"}
		}
		cfg[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, &ReadError{Path: name, Err: err}
	}

	return cfg, nil
}

// parseNotSet extracts the option name from "# CONFIG_FOO is not set".
// The second return value is a non-empty reason when the line is malformed.
func parseNotSet(line string) (string, string) {
	if !strings.HasPrefix(line, notSetPrefix) {
		return "", "'is not set' comment without '# ' prefix"
	}
	name := strings.TrimSuffix(strings.TrimPrefix(line, notSetPrefix), notSetSuffix)
	if !strings.HasPrefix(name, OptionPrefix) || len(name) == len(OptionPrefix) {
		return "", "'is not set' comment without " + OptionPrefix + " option"
	}
	if strings.ContainsAny(name, " \t=") {
		return "", "'is not set' comment with invalid option name"
	}
	return name, ""
}

// Keys returns the option names in sorted order.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Serialize writes the canonical text form of c: one option per line, sorted
// by name, disabled CONFIG_ options as "is not set" comments.
func (c Configuration) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, k := range c.Keys() {
		v := c[k]
		var err error
		if v == "n" && strings.HasPrefix(k, OptionPrefix) {
			_, err = fmt.Fprintf(bw, "%s%s%s\n", notSetPrefix, k, notSetSuffix)
		} else {
			_, err = fmt.Fprintf(bw, "%s=%s\n", k, v)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
