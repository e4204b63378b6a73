package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/masking"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Export.WatermarkImage, err = expandPath(c.Export.WatermarkImage); err != nil {
		return fmt.Errorf("export.watermark_image: %w", err)
	}

	c.Export.MaskingRange = strings.ToLower(strings.TrimSpace(c.Export.MaskingRange))
	c.Export.MaskingTool = strings.ToLower(strings.TrimSpace(c.Export.MaskingTool))
	c.Encryption.Cipher = strings.ToLower(strings.TrimSpace(c.Encryption.Cipher))
	if c.Encryption.Cipher == "" {
		c.Encryption.Cipher = "auto"
	}
	if c.Encryption.ChunkSize <= 0 {
		c.Encryption.ChunkSize = 4096
	}
	if c.Jobs.MaxConcurrent <= 0 {
		c.Jobs.MaxConcurrent = 1
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	if strings.TrimSpace(c.Ledger.DSN) == "" {
		c.Ledger.DSN = dsnFromEnv()
	} else if !isPostgresDSN(c.Ledger.DSN) {
		if c.Ledger.DSN, err = expandPath(c.Ledger.DSN); err != nil {
			return fmt.Errorf("ledger.dsn: %w", err)
		}
	}
	return nil
}

// Validate ensures the configuration is usable. Every failure is tagged ErrConfig.
func (c *Config) Validate() error {
	if _, err := c.MaskingPolicy(); err != nil {
		return err
	}
	if !container.ValidTagLength(c.Encryption.TagLength) {
		return failure.Wrap(failure.ErrConfig, "encryption.tag_length",
			fmt.Sprintf("%d is not one of 4, 8, 12, 13, 14, 15, 16", c.Encryption.TagLength), nil)
	}
	if _, err := container.StrategyByName(c.Encryption.Cipher); err != nil {
		return failure.Wrap(failure.ErrConfig, "encryption.cipher", "", err)
	}
	if c.Encryption.PlayDays < 0 || c.Encryption.PlayCount < 0 {
		return failure.Wrap(failure.ErrConfig, "encryption", "play_days and play_count must be non-negative", nil)
	}
	if c.Export.WatermarkOpacity < 0 || c.Export.WatermarkOpacity > 100 {
		return failure.Wrap(failure.ErrConfig, "export.watermark_opacity", "must be between 0 and 100", nil)
	}
	if c.Export.WatermarkLocation < 1 || c.Export.WatermarkLocation > 5 {
		return failure.Wrap(failure.ErrConfig, "export.watermark_location", "must be between 1 and 5", nil)
	}
	if c.Detect.Threshold < 0 || c.Detect.Threshold > 1 {
		return failure.Wrap(failure.ErrConfig, "detect.threshold", "must be between 0 and 1", nil)
	}
	if c.Jobs.SecondsPerMB < 0 {
		return failure.Wrap(failure.ErrConfig, "jobs.seconds_per_mb", "must be non-negative", nil)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return failure.Wrap(failure.ErrConfig, "logging.format", fmt.Sprintf("unsupported format %q", c.Logging.Format), nil)
	}
	return nil
}

// MaskingPolicy parses the export section into a typed policy.
func (c *Config) MaskingPolicy() (masking.Policy, error) {
	rng, err := masking.ParseRange(c.Export.MaskingRange)
	if err != nil {
		return masking.Policy{}, failure.Wrap(failure.ErrConfig, "export.masking_range", "", err)
	}
	tool, err := masking.ParseTool(c.Export.MaskingTool)
	if err != nil {
		return masking.Policy{}, failure.Wrap(failure.ErrConfig, "export.masking_tool", "", err)
	}
	if c.Export.MaskingStrength < 0 || c.Export.MaskingStrength > masking.MaxStrength {
		return masking.Policy{}, failure.Wrap(failure.ErrConfig, "export.masking_strength",
			fmt.Sprintf("must be between 0 and %d", masking.MaxStrength), nil)
	}
	return masking.Policy{Range: rng, Tool: tool, Strength: c.Export.MaskingStrength}, nil
}

// LedgerIsPostgres reports whether the ledger DSN selects PostgreSQL.
func (c *Config) LedgerIsPostgres() bool {
	return isPostgresDSN(c.Ledger.DSN)
}

func isPostgresDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// dsnFromEnv builds a PostgreSQL connection string from POSTGRES_* variables.
func dsnFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
