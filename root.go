package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/stridekit/fitsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a valid
// effective config, such as writing or repairing the config file itself.
const skipConfigAnnotation = "fitsync/skip-config"

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	DataDir    string
	APIURL     string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is attached to every command's context by the root pre-run.
type CLIContext struct {
	Flags     CLIFlags
	Overrides config.CLIOverrides
	Logger    *slog.Logger
	Cfg       *config.Resolved // nil for commands annotated with skipConfigAnnotation
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("fitsync: command context has no CLIContext")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "fitsync",
		Short:   "Offline-first sync for StrideKit",
		Long:    "Edit StrideKit settings offline and sync queued changes when the backend is reachable.",
		Version: version,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := &CLIContext{
				Flags:     flags,
				Overrides: cliOverrides(cmd, flags),
			}

			if cmd.Annotations[skipConfigAnnotation] != "true" {
				cfg, err := config.Resolve(config.ReadEnvOverrides(), cc.Overrides)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}

				cc.Cfg = cfg
			}

			cc.Logger = buildLogger(cc.Cfg, flags, os.Stderr)

			if cc.Cfg != nil {
				config.WarnIneffective(cc.Cfg, cc.Logger)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.DataDir, "data-dir", "", "directory for the local database and device id")
	pf.StringVar(&flags.APIURL, "api-url", "", "backend base URL")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newRegisterCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSettingsCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newNudgeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// cliOverrides converts explicitly set flags into config overrides. Flags
// left at their defaults do not override the file or environment.
func cliOverrides(cmd *cobra.Command, flags CLIFlags) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flags.DataDir
	}

	if cmd.Flags().Changed("api-url") {
		cli.APIURL = &flags.APIURL
	}

	return cli
}

// buildLogger creates the process logger. The config file sets the baseline
// level and format; --verbose and --quiet override the level because CLI
// flags always win.
func buildLogger(cfg *config.Resolved, flags CLIFlags, out *os.File) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		level = config.ParseLogLevel(cfg.LogLevel)
		format = cfg.LogFormat
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, out) {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	return slog.New(slog.NewTextHandler(out, opts))
}

// useJSONLogs resolves the "auto" log format: text for an interactive
// terminal, JSON when stderr is redirected to a file or a log collector.
func useJSONLogs(format string, out *os.File) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	fd := out.Fd()

	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
