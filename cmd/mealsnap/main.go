package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/meal-snap/internal/logging"
	"github.com/tendant/meal-snap/pkg/mealupload"
	"github.com/tendant/meal-snap/pkg/mealupload/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		// Pipeline errors have already been reported with their category.
		var pe *mealupload.Error
		if !errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	baseURL    string
	user       string
	redisURL   string
	verbose    bool
	logFormat  string
}

// NewRootCommand builds the mealsnap command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mealsnap",
		Short: "Meal Snap - photo meal analysis client",
		Long: `Meal Snap command line client.

Uploads a meal photo through the direct-upload pipeline, runs the
analysis and shows the estimated macros and remaining weekly quota.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "config file (optional)")
	pf.StringVar(&flags.baseURL, "base-url", "", "control-plane URL (overrides config)")
	pf.StringVarP(&flags.user, "user", "u", "", "caller identity sent with every request")
	pf.StringVar(&flags.redisURL, "redis-url", "", "share the quota snapshot through Redis")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(NewAnalyzeCommand(flags))
	rootCmd.AddCommand(NewQuotaCommand(flags))

	return rootCmd
}

// load reads the configuration and applies the command-line overrides.
func (f *globalFlags) load(cmd *cobra.Command, extra ...config.Option) (*config.Config, *slog.Logger, error) {
	var opts []config.Option
	if f.baseURL != "" {
		opts = append(opts, config.WithBaseURL(f.baseURL))
	}
	if f.user != "" {
		opts = append(opts, config.WithIdentity(f.user))
	}
	if f.redisURL != "" {
		opts = append(opts, config.WithRedisURL(f.redisURL))
	}
	if f.verbose {
		opts = append(opts, config.WithLogLevel("debug"))
	}
	if f.logFormat != "" {
		opts = append(opts, config.WithLogFormat(f.logFormat))
	}

	cfg, err := config.Load(f.configFile, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), level, cfg.LogFormat)
	return cfg, logger, nil
}
