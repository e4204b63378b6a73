package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/masking"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/utils"
)

// maskFlags are the policy overrides shared by mask, export and batch. Unset
// flags fall back to the [export] section of the config.
type maskFlags struct {
	Range     string
	Tool      string
	Strength  int
	All       bool
	Watermark bool
	LogPath   string
}

func (f *maskFlags) register(cmd *cobra.Command, withLog bool) {
	cmd.Flags().StringVarP(&f.Range, "range", "r", "", "Masking range: none, background, selected, unselected")
	cmd.Flags().StringVarP(&f.Tool, "tool", "t", "", "Masking tool: mosaic, blur")
	cmd.Flags().IntVarP(&f.Strength, "strength", "s", 0, "Masking strength (higher is stronger)")
	cmd.Flags().BoolVar(&f.All, "all", false, "Mask every frame entirely when no range is selected")
	cmd.Flags().BoolVarP(&f.Watermark, "watermark", "w", false, "Stamp the configured watermark after masking")
	if withLog {
		cmd.Flags().StringVar(&f.LogPath, "log", "", "Detection log to use instead of the one found next to the video")
	}
}

// options merges the flags that were set on cmd over the configured policy.
func (f *maskFlags) options(cmd *cobra.Command) (pipeline.MaskOptions, error) {
	policy, err := cfg.MaskingPolicy()
	if err != nil {
		return pipeline.MaskOptions{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("range") {
		if policy.Range, err = masking.ParseRange(f.Range); err != nil {
			return pipeline.MaskOptions{}, failure.Wrap(failure.ErrConfig, "--range", "", err)
		}
	}
	if flags.Changed("tool") {
		if policy.Tool, err = masking.ParseTool(f.Tool); err != nil {
			return pipeline.MaskOptions{}, failure.Wrap(failure.ErrConfig, "--tool", "", err)
		}
	}
	if flags.Changed("strength") {
		if f.Strength < 0 || f.Strength > masking.MaxStrength {
			return pipeline.MaskOptions{}, failure.Wrap(failure.ErrConfig, "--strength",
				fmt.Sprintf("must be between 0 and %d", masking.MaxStrength), nil)
		}
		policy.Strength = f.Strength
	}
	opts := pipeline.MaskOptions{
		Policy:     policy,
		AllMasking: cfg.Export.AllMasking,
		Watermark:  cfg.Export.Watermark,
		LogPath:    f.LogPath,
	}
	if flags.Changed("all") {
		opts.AllMasking = f.All
	}
	if flags.Changed("watermark") {
		opts.Watermark = f.Watermark
	}
	return opts, nil
}

// checkInput reports a missing or unreadable input video.
func checkInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return showError("Input file does not exist", failure.Wrap(failure.ErrInput, "input", path, err))
	}
	if info.IsDir() {
		err := failure.Wrap(failure.ErrInput, "input", fmt.Sprintf("%s is a directory", path), nil)
		return showError("Input must be a video file", err)
	}
	return nil
}

var (
	maskInput string
	maskOpts  maskFlags
)

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Mask a video using its detection log, without encrypting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts, err := maskOpts.options(cmd)
		if err != nil {
			return err
		}
		return runMask(cmd.Context(), maskInput, opts)
	},
}

func init() {
	maskCmd.Flags().StringVarP(&maskInput, "input", "i", "", "Path to input video")
	maskOpts.register(maskCmd, true)
	maskCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(maskCmd)
}

func runMask(ctx context.Context, input string, opts pipeline.MaskOptions) error {
	if err := checkInput(input); err != nil {
		return err
	}
	p, err := newPipelines()
	if err != nil {
		return err
	}

	v, err := submit(ctx, "mask", "Masking", utils.FileSizeMB(input), func(ctx context.Context, r *pipeline.Runner) (string, error) {
		return p.Mask(ctx, r, input, opts)
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Masked video written to %s\n", v.Result)
	return nil
}
