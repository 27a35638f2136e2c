// Package label names builds. It turns a configuration file path into a
// configuration identifier and a build's (parent, configuration, kind) triple
// into a string that is safe to use as a git branch name, and back.
package label

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind distinguishes clean builds from incremental ones.
type Kind string

const (
	Clean       Kind = "clean"
	Incremental Kind = "incremental"
)

const (
	// Separator joins the path segments of a configuration identifier.
	Separator = "|"

	// NoParent is the parent of every clean build.
	NoParent = "--"

	// GeneratedPrefix marks configuration files written by a config
	// generator; everything after the first '-' is a uniqueness suffix.
	GeneratedPrefix = "___config"

	cleanSuffix       = "-cb"
	incrementalSuffix = "-ib"
	tokenSeparator    = "-"
	parentSeparator   = "+"
)

// Scheme selects how incremental labels embed their parent.
type Scheme string

const (
	// Strict joins parent and configuration with '+', which configuration
	// identifiers may not contain. Parents of any shape decode exactly.
	Strict Scheme = "strict"

	// Legacy joins with '-' and assumes the parent is exactly two
	// '-'-separated tokens ("<config>-cb"). Kept to read old lineages.
	Legacy Scheme = "legacy"
)

// Label is the decoded identity of one build attempt.
type Label struct {
	Parent   string
	ConfigID string
	Kind     Kind
}

// PathError reports a configuration path that cannot be turned into an
// identifier.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("cannot derive configuration identifier from %q: %s", e.Path, e.Reason)
}

// FormatError reports a string that is not a build label.
type FormatError struct {
	Label  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid build label %q: %s", e.Label, e.Reason)
}

// Codec encodes and decodes labels for one scheme.
type Codec struct {
	Scheme Scheme
}

// NewCodec returns a codec for scheme; an empty scheme means Strict.
func NewCodec(scheme Scheme) (Codec, error) {
	switch scheme {
	case "":
		return Codec{Scheme: Strict}, nil
	case Strict, Legacy:
		return Codec{Scheme: scheme}, nil
	default:
		return Codec{}, fmt.Errorf("unknown label scheme %q (must be strict or legacy)", scheme)
	}
}

// ConfigID derives the configuration identifier for an absolute path:
// the parent directory's segments and the (possibly shortened) file name,
// joined with Separator.
//
//	/root/configs/___config_FOO-xyz -> root|configs|FOO
//	/root/configs/bar               -> root|configs|bar
func (c Codec) ConfigID(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", &PathError{Path: path, Reason: "path is not absolute"}
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "/" {
		return "", &PathError{Path: path, Reason: "path has no file name"}
	}

	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	file := segments[len(segments)-1]
	segments = segments[:len(segments)-1]

	name := file
	if strings.HasPrefix(file, GeneratedPrefix) {
		rest := strings.TrimPrefix(strings.TrimPrefix(file, GeneratedPrefix), "_")
		name, _, _ = strings.Cut(rest, tokenSeparator)
		if name == "" {
			return "", &PathError{Path: path, Reason: "generated configuration name is empty"}
		}
	}
	segments = append(segments, name)

	for _, s := range segments {
		if err := c.checkSegment(s); err != "" {
			return "", &PathError{Path: path, Reason: fmt.Sprintf("segment %q %s", s, err)}
		}
	}

	return strings.Join(segments, Separator), nil
}

// checkSegment returns a non-empty reason when s cannot be part of an
// identifier that ends up inside a git ref name.
func (c Codec) checkSegment(s string) string {
	switch {
	case strings.Contains(s, Separator):
		return "contains the separator " + Separator
	case c.Scheme == Strict && strings.Contains(s, parentSeparator):
		return "contains the reserved character " + parentSeparator
	case strings.HasPrefix(s, "."):
		return "starts with '.'"
	case strings.HasSuffix(s, ".lock"):
		return "ends with .lock"
	case strings.Contains(s, ".."):
		return "contains '..'"
	case strings.Contains(s, "@{"):
		return "contains '@{'"
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Sprintf("contains %q", r)
		}
	}
	return ""
}

// Encode renders l as a branch name. It fails when the result would not
// decode back to l, which under the legacy scheme happens for parents that
// are not exactly two '-'-separated tokens.
func (c Codec) Encode(l Label) (string, error) {
	s, err := c.encode(l)
	if err != nil {
		return "", err
	}
	want := l
	if want.Kind == Clean {
		want.Parent = NoParent
	}
	if got, err := c.Decode(s); err != nil || got != want {
		return "", fmt.Errorf("%s label %q would not decode to parent %q and configuration %q", c.Scheme, s, want.Parent, want.ConfigID)
	}
	return s, nil
}

func (c Codec) encode(l Label) (string, error) {
	if l.ConfigID == "" {
		return "", fmt.Errorf("cannot encode label without configuration identifier")
	}
	switch l.Kind {
	case Clean:
		return l.ConfigID + cleanSuffix, nil
	case Incremental:
		if l.Parent == "" || l.Parent == NoParent {
			return "", fmt.Errorf("incremental build of %s needs a parent", l.ConfigID)
		}
		if c.Scheme == Legacy {
			return l.Parent + tokenSeparator + l.ConfigID + incrementalSuffix, nil
		}
		if strings.Contains(l.ConfigID, parentSeparator) {
			return "", fmt.Errorf("configuration identifier %q contains %q", l.ConfigID, parentSeparator)
		}
		return l.Parent + parentSeparator + l.ConfigID + incrementalSuffix, nil
	default:
		return "", fmt.Errorf("unknown build kind %q", l.Kind)
	}
}

// CleanLabel is shorthand for encoding a clean build of configID.
func (c Codec) CleanLabel(configID string) string {
	return configID + cleanSuffix
}

// Decode parses a branch name produced by Encode.
func (c Codec) Decode(s string) (Label, error) {
	switch {
	case strings.HasSuffix(s, incrementalSuffix):
		body := strings.TrimSuffix(s, incrementalSuffix)
		if c.Scheme == Legacy {
			return decodeLegacy(s, body)
		}
		i := strings.LastIndex(body, parentSeparator)
		if i < 0 {
			return Label{}, &FormatError{Label: s, Reason: "incremental label without " + parentSeparator + " separator"}
		}
		parent, configID := body[:i], body[i+1:]
		if parent == "" || configID == "" {
			return Label{}, &FormatError{Label: s, Reason: "empty parent or configuration"}
		}
		return Label{Parent: parent, ConfigID: configID, Kind: Incremental}, nil

	case strings.HasSuffix(s, cleanSuffix):
		configID := strings.TrimSuffix(s, cleanSuffix)
		if configID == "" {
			return Label{}, &FormatError{Label: s, Reason: "empty configuration"}
		}
		return Label{Parent: NoParent, ConfigID: configID, Kind: Clean}, nil

	default:
		return Label{}, &FormatError{Label: s, Reason: "missing " + cleanSuffix + " or " + incrementalSuffix + " suffix"}
	}
}

// decodeLegacy splits "<p1>-<p2>-<config...>": the parent is always the
// first two tokens.
func decodeLegacy(s, body string) (Label, error) {
	tokens := strings.SplitN(body, tokenSeparator, 3)
	if len(tokens) < 3 || tokens[0] == "" || tokens[1] == "" || tokens[2] == "" {
		return Label{}, &FormatError{Label: s, Reason: "legacy incremental label needs a two-token parent and a configuration"}
	}
	return Label{
		Parent:   tokens[0] + tokenSeparator + tokens[1],
		ConfigID: tokens[2],
		Kind:     Incremental,
	}, nil
}

// ParentConfigID returns the configuration identifier of l's parent, or
// NoParent for clean builds.
func (c Codec) ParentConfigID(l Label) string {
	if l.Kind == Clean {
		return NoParent
	}
	parent, err := c.Decode(l.Parent)
	if err != nil {
		return l.Parent
	}
	return parent.ConfigID
}
