package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nbpilot/internal/config"
	"nbpilot/internal/logging"
	"nbpilot/internal/orchestrator"
)

var (
	// Global flags
	verbose bool
	dataDir string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nbpilot",
	Short: "nbpilot - multi-account NotebookLM session manager",
	Long: `nbpilot keeps an authenticated NotebookLM browser session alive across a
pool of Google accounts.

It rotates accounts by quota and health, re-authenticates automatically when a
session expires, and serves notebook sessions over a small HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (default ~/.nbpilot)")
}

// loadConfig reads <data-dir>/config.yaml, falling back to defaults when the
// file does not exist, and initializes categorized logging.
func loadConfig() (*config.Config, error) {
	dir := dataDir
	if dir == "" {
		dir = config.DefaultDataDir()
	}

	cfg, err := config.Load(config.Path(dir))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Logging.Options()); err != nil {
		logger.Warn("categorized logging disabled", zap.Error(err))
	}
	return cfg, nil
}

// withService opens the Service for one command and closes it afterwards.
func withService(ctx context.Context, fn func(*config.Config, *orchestrator.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := orchestrator.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer func() {
		if err := svc.Close(ctx); err != nil {
			logger.Warn("service close failed", zap.Error(err))
		}
	}()

	return fn(cfg, svc)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
