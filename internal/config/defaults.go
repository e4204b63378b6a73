package config

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: "~/Videos/veil",
			LogDir:    "~/.local/share/veil/logs",
		},
		Export: Export{
			MaskingRange:      "none",
			MaskingTool:       "mosaic",
			MaskingStrength:   3,
			WatermarkOpacity:  100,
			WatermarkLocation: 4,
		},
		Encryption: Encryption{
			TagLength: 16,
			ChunkSize: 4096,
			PlayDays:  30,
			PlayCount: 99,
			Cipher:    "auto",
		},
		Detect: Detect{
			Command:   []string{"python3", "-u", "python/detector.py"},
			Threshold: 0.3,
		},
		Jobs: Jobs{
			MaxConcurrent: 2,
			SecondsPerMB:  60.0 / 400.0,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}
