package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/schaermu/buildlineage/internal/builder"
	"github.com/schaermu/buildlineage/internal/config"
	"github.com/schaermu/buildlineage/internal/experiment"
	"github.com/schaermu/buildlineage/internal/kconfig"
	"github.com/schaermu/buildlineage/internal/label"
	"github.com/schaermu/buildlineage/internal/lineage"
	"github.com/schaermu/buildlineage/internal/report"
	"github.com/schaermu/buildlineage/internal/source"
	"github.com/schaermu/buildlineage/internal/workdir"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// Command flags
	dryRun       bool
	noReport     bool
	reportFormat string
	reportOutput string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildlineage",
	Short: "Measure clean and incremental kernel builds across configurations",
	Long: `buildlineage builds a kernel source tree once per configuration from a pristine
checkout, and once more incrementally on top of the base configuration's build.

Every build attempt is committed to its own git branch in the source tree, so
the full history of builds can be inspected and reported on later.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the build experiment and print the report",
	Long: `Run discovers the configuration groups, builds the base configuration of each
group from the pristine tree, then builds every variant both from the pristine
tree and incrementally on top of the base build.

A failing build is recorded like any other; the run only stops when the
lineage cannot be updated or the build tool cannot be started.`,
	RunE: runExperiment,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the report for the builds recorded in the work tree",
	RunE:  runReport,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and unpack the configured kernel release",
	RunE:  runFetch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "buildlineage %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/buildlineage/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the config is read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Run command flags
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be built without building")
	runCmd.Flags().BoolVar(&noReport, "no-report", false, "do not print the report after the run")

	// Report flags, shared with run
	for _, cmd := range []*cobra.Command{runCmd, reportCmd} {
		cmd.Flags().StringVar(&reportFormat, "format", "", "report format (csv, table); overrides report.format")
		cmd.Flags().StringVarP(&reportOutput, "output", "o", "", "report file; overrides report.output")
	}

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(versionCmd)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	wd, store, codec, err := openLineage(cfg)
	if err != nil {
		return err
	}

	executor := builder.NewExecutor(builder.NewExecRunner(), builder.Options{
		Command:     cfg.Build.Command,
		Jobs:        cfg.Build.Jobs,
		TimeWrapper: cfg.TimeWrapperPath(),
	}, logger)

	engine := experiment.NewEngine(experiment.Options{
		ConfigsDir:   cfg.ConfigsDir,
		BaseConfig:   cfg.BaseConfig,
		SkipExisting: cfg.Lineage.SkipExisting,
		DryRun:       dryRun,
	}, wd, store, executor, codec, logger)

	summary, err := engine.Run(ctx)
	if err != nil {
		logger.Error("experiment failed", "error", err)
		return err
	}
	if summary.Failed() > 0 {
		logger.Warn("some builds failed", "failed", summary.Failed())
	}

	if dryRun || noReport {
		return nil
	}
	return writeReport(ctx, cmd, cfg, wd, store, codec, logger)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	wd, store, codec, err := openLineage(cfg)
	if err != nil {
		return err
	}
	return writeReport(ctx, cmd, cfg, wd, store, codec, logger)
}

func writeReport(ctx context.Context, cmd *cobra.Command, cfg *config.Config, wd workdir.Dir, store lineage.Store, codec label.Codec, logger *slog.Logger) error {
	cache, err := kconfig.NewCache(0)
	if err != nil {
		return err
	}

	rows, err := report.NewGenerator(store, wd, codec, cache, logger).Generate(ctx)
	if err != nil {
		logger.Error("report failed", "error", err)
		return err
	}

	format := string(cfg.Report.Format)
	if reportFormat != "" {
		format = reportFormat
	}
	output := cfg.Report.Output
	if reportOutput != "" {
		output = reportOutput
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		w = f
	}

	if err := report.Write(w, format, rows); err != nil {
		return err
	}
	if output != "" {
		logger.Info("report written", "path", output, "rows", len(rows))
	}
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Source.Version == "" {
		return fmt.Errorf("source.version is required to fetch")
	}

	url, err := source.URL(cfg.Source.Mirror, cfg.Source.Version, cfg.Source.Archive)
	if err != nil {
		return err
	}

	logger.Info("downloading source", "url", url, "dir", cfg.Source.DownloadDir)
	archive, err := source.Download(ctx, http.DefaultClient, url, cfg.Source.DownloadDir)
	if err != nil {
		logger.Error("download failed", "error", err)
		return err
	}

	logger.Info("extracting source", "archive", archive)
	top, err := source.Extract(archive, cfg.Source.DownloadDir)
	if err != nil {
		logger.Error("extraction failed", "error", err)
		return err
	}

	want := cfg.SourceDir()
	if filepath.Clean(top) != filepath.Clean(want) {
		return fmt.Errorf("archive unpacked to %s, expected %s", top, want)
	}

	logger.Info("source ready", "dir", top)
	if filepath.Clean(want) != filepath.Clean(cfg.WorkDir) {
		logger.Warn("fetched tree is not the configured workdir", "source", want, "workdir", cfg.WorkDir)
	}
	return nil
}

func openLineage(cfg *config.Config) (workdir.Dir, lineage.Store, label.Codec, error) {
	codec, err := label.NewCodec(label.Scheme(cfg.Labels.Scheme))
	if err != nil {
		return workdir.Dir{}, nil, label.Codec{}, err
	}

	wd := workdir.New(cfg.WorkDir)
	store, err := lineage.New(cfg.Lineage.Backend, wd, lineage.Options{
		DefaultBranch:  cfg.Lineage.DefaultBranch,
		CommitterName:  cfg.Lineage.CommitterName,
		CommitterEmail: cfg.Lineage.CommitterEmail,
		IncludeIgnored: cfg.IncludeIgnored(),
	})
	if err != nil {
		return workdir.Dir{}, nil, label.Codec{}, err
	}
	return wd, store, codec, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr; stdout carries the report.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "buildlineage", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"workdir", cfg.WorkDir,
		"configs_dir", cfg.ConfigsDir,
		"backend", cfg.Lineage.Backend,
		"scheme", cfg.Labels.Scheme)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
