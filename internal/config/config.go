package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains directory configuration.
type Paths struct {
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
}

// Export contains the masking and watermark policy applied on export.
type Export struct {
	MaskingRange      string `toml:"masking_range"`
	MaskingTool       string `toml:"masking_tool"`
	MaskingStrength   int    `toml:"masking_strength"`
	AllMasking        bool   `toml:"all_masking"`
	Watermark         bool   `toml:"watermark"`
	WatermarkText     string `toml:"watermark_text"`
	WatermarkImage    string `toml:"watermark_image"`
	WatermarkOpacity  int    `toml:"watermark_opacity"`
	WatermarkLocation int    `toml:"watermark_location"`
}

// Encryption contains secure container settings.
type Encryption struct {
	TagLength int    `toml:"tag_length"`
	ChunkSize int    `toml:"chunk_size"`
	PlayDays  int    `toml:"play_days"`
	PlayCount int    `toml:"play_count"`
	Cipher    string `toml:"cipher"`
}

// Detect contains the external detector invocation.
type Detect struct {
	Command   []string `toml:"command"`
	Threshold float64  `toml:"threshold"`
	Classes   []int    `toml:"classes"`
}

// Jobs contains job scheduling settings.
type Jobs struct {
	MaxConcurrent int     `toml:"max_concurrent"`
	SecondsPerMB  float64 `toml:"seconds_per_mb"`
}

// Logging contains logger settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Ledger contains DRM ledger storage settings. An empty DSN disables the ledger.
type Ledger struct {
	DSN string `toml:"dsn"`
}

// Config is the root configuration document.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Export     Export     `toml:"export"`
	Encryption Encryption `toml:"encryption"`
	Detect     Detect     `toml:"detect"`
	Jobs       Jobs       `toml:"jobs"`
	Logging    Logging    `toml:"logging"`
	Ledger     Ledger     `toml:"ledger"`
}

// DefaultConfigPath returns ~/.config/veil/config.toml expanded.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/veil/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. The returned config has all path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Write encodes cfg as TOML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("veil.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the output and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
