package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReportFormat selects how the report is rendered
type ReportFormat string

const (
	ReportCSV   ReportFormat = "csv"
	ReportTable ReportFormat = "table"
)

// Config represents the complete buildlineage configuration
type Config struct {
	WorkDir    string        `yaml:"workdir"`
	ConfigsDir string        `yaml:"configs_dir"`
	BaseConfig string        `yaml:"base_config"`
	Build      BuildConfig   `yaml:"build"`
	Lineage    LineageConfig `yaml:"lineage"`
	Labels     LabelsConfig  `yaml:"labels"`
	Report     ReportConfig  `yaml:"report"`
	Source     SourceConfig  `yaml:"source"`
}

// BuildConfig configures the build tool invocation
type BuildConfig struct {
	Command     []string `yaml:"command"`
	Jobs        int      `yaml:"jobs"`
	TimeWrapper *string  `yaml:"time_wrapper"`
}

// LineageConfig configures the version-controlled build tree
type LineageConfig struct {
	Backend        string `yaml:"backend"`
	DefaultBranch  string `yaml:"default_branch"`
	CommitterName  string `yaml:"committer_name"`
	CommitterEmail string `yaml:"committer_email"`
	IncludeIgnored *bool  `yaml:"include_ignored"`
	SkipExisting   bool   `yaml:"skip_existing"`
}

// LabelsConfig configures branch naming
type LabelsConfig struct {
	Scheme string `yaml:"scheme"`
}

// ReportConfig configures the report output
type ReportConfig struct {
	Format ReportFormat `yaml:"format"`
	Output string       `yaml:"output"`
}

// SourceConfig configures source tree acquisition
type SourceConfig struct {
	Version     string `yaml:"version"`
	Mirror      string `yaml:"mirror"`
	Archive     string `yaml:"archive"`
	DownloadDir string `yaml:"download_dir"`
}

const (
	DefaultTimeWrapper = "/usr/bin/time"
	DefaultMirror      = "https://cdn.kernel.org/pub/linux/kernel"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.WorkDir = os.ExpandEnv(c.WorkDir)
	c.ConfigsDir = os.ExpandEnv(c.ConfigsDir)
	c.BaseConfig = os.ExpandEnv(c.BaseConfig)
	for i, arg := range c.Build.Command {
		c.Build.Command[i] = os.ExpandEnv(arg)
	}
	if c.Build.TimeWrapper != nil {
		w := os.ExpandEnv(*c.Build.TimeWrapper)
		c.Build.TimeWrapper = &w
	}
	c.Lineage.CommitterName = os.ExpandEnv(c.Lineage.CommitterName)
	c.Lineage.CommitterEmail = os.ExpandEnv(c.Lineage.CommitterEmail)
	c.Report.Output = os.ExpandEnv(c.Report.Output)
	c.Source.Version = os.ExpandEnv(c.Source.Version)
	c.Source.Mirror = os.ExpandEnv(c.Source.Mirror)
	c.Source.DownloadDir = os.ExpandEnv(c.Source.DownloadDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.BaseConfig == "" {
		c.BaseConfig = "config"
	}
	if len(c.Build.Command) == 0 {
		c.Build.Command = []string{"make"}
	}
	if c.Build.Jobs == 0 {
		c.Build.Jobs = 16
	}
	if c.Build.TimeWrapper == nil {
		w := DefaultTimeWrapper
		c.Build.TimeWrapper = &w
	}
	if c.Lineage.Backend == "" {
		c.Lineage.Backend = "git"
	}
	if c.Lineage.DefaultBranch == "" {
		c.Lineage.DefaultBranch = "master"
	}
	if c.Lineage.CommitterName == "" {
		c.Lineage.CommitterName = "Tux"
	}
	if c.Lineage.CommitterEmail == "" {
		c.Lineage.CommitterEmail = "tux@localhost"
	}
	if c.Lineage.IncludeIgnored == nil {
		include := true
		c.Lineage.IncludeIgnored = &include
	}
	if c.Labels.Scheme == "" {
		c.Labels.Scheme = "strict"
	}
	if c.Report.Format == "" {
		c.Report.Format = ReportCSV
	}
	if c.Source.Mirror == "" {
		c.Source.Mirror = DefaultMirror
	}
	if c.Source.Archive == "" {
		c.Source.Archive = "tar.xz"
	}
	if c.Source.DownloadDir == "" && c.WorkDir != "" {
		c.Source.DownloadDir = filepath.Dir(c.WorkDir)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("workdir is required")
	}
	if c.ConfigsDir == "" {
		return fmt.Errorf("configs_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.WorkDir) {
		return fmt.Errorf("workdir must be an absolute path: %s", c.WorkDir)
	}
	if !filepath.IsAbs(c.ConfigsDir) {
		return fmt.Errorf("configs_dir must be an absolute path: %s", c.ConfigsDir)
	}
	if c.Source.DownloadDir != "" && !filepath.IsAbs(c.Source.DownloadDir) {
		return fmt.Errorf("source.download_dir must be an absolute path: %s", c.Source.DownloadDir)
	}
	if isWithin(c.ConfigsDir, c.WorkDir) {
		return fmt.Errorf("configs_dir must not be inside workdir: checking out build branches would change it")
	}

	if _, err := filepath.Match(c.BaseConfig, "config"); err != nil {
		return fmt.Errorf("invalid base_config pattern %q: %w", c.BaseConfig, err)
	}

	if len(c.Build.Command) == 0 || c.Build.Command[0] == "" {
		return fmt.Errorf("build.command must not be empty")
	}
	if c.Build.Jobs < 0 {
		return fmt.Errorf("build.jobs must not be negative: %d", c.Build.Jobs)
	}

	switch c.Lineage.Backend {
	case "git", "go-git":
		// valid
	default:
		return fmt.Errorf("invalid lineage.backend: %s (must be git or go-git)", c.Lineage.Backend)
	}
	if strings.ContainsAny(c.Lineage.DefaultBranch, " ~^:?*[\\") {
		return fmt.Errorf("invalid lineage.default_branch: %q", c.Lineage.DefaultBranch)
	}

	switch c.Labels.Scheme {
	case "strict", "legacy":
		// valid
	default:
		return fmt.Errorf("invalid labels.scheme: %s (must be strict or legacy)", c.Labels.Scheme)
	}

	switch c.Report.Format {
	case ReportCSV, ReportTable:
		// valid
	default:
		return fmt.Errorf("invalid report.format: %s (must be csv or table)", c.Report.Format)
	}

	switch c.Source.Archive {
	case "tar.gz", "tar.xz":
		// valid
	default:
		return fmt.Errorf("invalid source.archive: %s (must be tar.gz or tar.xz)", c.Source.Archive)
	}
	if c.Source.Mirror != "" && !strings.HasPrefix(c.Source.Mirror, "https://") && !strings.HasPrefix(c.Source.Mirror, "http://") {
		return fmt.Errorf("source.mirror must be an http(s) URL: %s", c.Source.Mirror)
	}

	return nil
}

// TimeWrapperPath returns the timing wrapper, or "" when disabled
func (c *Config) TimeWrapperPath() string {
	if c.Build.TimeWrapper == nil {
		return DefaultTimeWrapper
	}
	return *c.Build.TimeWrapper
}

// IncludeIgnored reports whether ignored build products are committed
func (c *Config) IncludeIgnored() bool {
	return c.Lineage.IncludeIgnored == nil || *c.Lineage.IncludeIgnored
}

// SourceDir returns where the extracted source tree lives for the
// configured version
func (c *Config) SourceDir() string {
	return filepath.Join(c.Source.DownloadDir, "linux-"+c.Source.Version)
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
