package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/config"
	"github.com/tonimelisma/cloudlink/internal/metrics"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath  string
	flagCredentials string
	flagBaseURL     string
	flagJSON        bool
	flagVerbose     bool
	flagQuiet       bool
)

// CLIFlags captures the output-shaping persistent flags.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

// CLIContext carries everything a subcommand needs once configuration has
// been resolved. It travels on the command's context.
type CLIContext struct {
	Cfg     *config.Resolved
	Flags   CLIFlags
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Out     io.Writer
}

type cliContextKey struct{}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// mustCLIContext returns the CLIContext installed by the root pre-run.
// Subcommands only run after that hook, so a missing value is a bug.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cloudlink: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudlink",
		Short:   "Authenticated cloud API transport toolkit",
		Long:    "Exercise service-account authentication, batching, streaming, resumable uploads and polling against a cloud REST API.",
		Version: version,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagCredentials, "credentials", "", "service-account JSON file")
	cmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "API base URL")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newStreamCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newPollCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newFetchManyCmd())

	return cmd
}

// loadConfig resolves the effective configuration and installs a
// CLIContext on the command.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath:      flagConfigPath,
		CredentialsFile: flagCredentials,
		BaseURL:         flagBaseURL,
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet}

	cc := &CLIContext{
		Cfg:     resolved,
		Flags:   flags,
		Logger:  buildLogger(os.Stderr, resolved.LogLevel, resolved.LogFormat, flags),
		Metrics: metrics.New(),
		Out:     cmd.OutOrStdout(),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger from the configured level and format.
// --verbose and --quiet override the config file. The "auto" format picks
// text on a terminal and JSON otherwise.
func buildLogger(w io.Writer, level, format string, flags CLIFlags) *slog.Logger {
	lvl := slog.LevelInfo

	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	if flags.Verbose {
		lvl = slog.LevelDebug
	}

	if flags.Quiet {
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if format == "auto" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
