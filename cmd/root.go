package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/masking"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/watermark"
	"github.com/andresmejia3/veil/internal/worker"
)

var (
	// cfg is the loaded configuration shared by subcommands
	cfg *config.Config
	// cfgPath is the --config override
	cfgPath string
	// logger and logSink are built from cfg.Logging
	logger  *zap.Logger
	logSink *logging.Sink
	// ledger is nil when no DSN is configured
	ledger store.Ledger
	// jobs runs every pipeline started by this process
	jobs *pipeline.Manager
	// verbose forces debug logging
	verbose bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "veil",
	Short:   "Video redaction and secure delivery",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, _, _, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, logSink, err = logging.New(logging.Options{
			Level:  level,
			Format: cfg.Logging.Format,
			Dir:    cfg.Paths.LogDir,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if cfg.Ledger.DSN != "" {
			// Use the command's context (which will be cancellable) for the connection
			ledger, err = store.Open(cmd.Context(), cfg.Ledger.DSN)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
		}

		jobs = pipeline.NewManager(nil, cfg.Jobs.MaxConcurrent, cfg.Jobs.SecondsPerMB, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

// shutdown releases everything PersistentPreRunE acquired. Running jobs are
// cancelled before the ledger closes underneath them.
func shutdown() {
	if jobs != nil {
		jobs.Shutdown()
		jobs = nil
	}
	if ledger != nil {
		if err := ledger.Close(); err != nil && logger != nil {
			logger.Warn("closing ledger", zap.Error(err))
		}
		ledger = nil
	}
	if logSink != nil {
		_ = logger.Sync()
		_ = logSink.Close()
		logSink = nil
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRun is skipped when RunE fails.
	shutdown()
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// shownError marks an error whose details were already printed.
type shownError struct{ error }

func (e shownError) Unwrap() error { return e.error }

// showError prints err in the standard error box and marks it as shown.
func showError(context string, err error) error {
	utils.ShowError(context, err, nil)
	return shownError{err}
}

// reportError prints err unless a command already did.
func reportError(err error) {
	var shown shownError
	if errors.As(err, &shown) {
		return
	}
	utils.ShowError("Command failed", err, nil)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ~/.config/veil/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newPipelines wires the configured collaborators into a Pipelines value.
func newPipelines() (*pipeline.Pipelines, error) {
	strategy, err := container.StrategyByName(cfg.Encryption.Cipher)
	if err != nil {
		return nil, err
	}
	codec, err := container.NewCodec(container.NewGCM(strategy), cfg.Encryption.TagLength, cfg.Encryption.ChunkSize)
	if err != nil {
		return nil, err
	}
	logger.Debug("cipher selected",
		zap.String("strategy", strategy.Name()),
		zap.Bool("hardware_aes", container.HardwareAES()))
	if !strategy.ConstantTime() {
		logger.Warn("GHASH strategy is not constant-time", zap.String("strategy", strategy.Name()))
	}

	p := &pipeline.Pipelines{
		Masker: masking.NewProcessor(logger),
		Watermarker: watermark.New(watermark.Options{
			Text:     cfg.Export.WatermarkText,
			Image:    cfg.Export.WatermarkImage,
			Opacity:  cfg.Export.WatermarkOpacity,
			Location: watermark.Location(cfg.Export.WatermarkLocation),
		}, cfg.Paths.OutputDir, logger),
		Detector: worker.NewDetector(worker.Options{
			Command:   cfg.Detect.Command,
			Threshold: cfg.Detect.Threshold,
			Classes:   cfg.Detect.Classes,
		}, logger),
		Codec:     codec,
		OutputDir: cfg.Paths.OutputDir,
		Logger:    logger,
	}
	if ledger != nil {
		p.Ledger = ledger
	}
	return p, nil
}

// requireLedger fails commands that only make sense with a ledger.
func requireLedger() error {
	if ledger == nil {
		return fmt.Errorf("no ledger configured: set [ledger] dsn in %s or POSTGRES_HOST", configLabel())
	}
	return nil
}

func configLabel() string {
	if cfgPath != "" {
		return cfgPath
	}
	if p, err := config.DefaultConfigPath(); err == nil {
		return p
	}
	return "the config file"
}
