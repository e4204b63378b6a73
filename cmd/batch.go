package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/utils"
)

var batchOpts maskFlags

var batchCmd = &cobra.Command{
	Use:   "batch <video>...",
	Short: "Detect, mask and watermark several videos in one job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts, err := batchOpts.options(cmd)
		if err != nil {
			return err
		}
		return runBatch(cmd.Context(), args, opts)
	},
}

func init() {
	batchOpts.register(batchCmd, false)
	rootCmd.AddCommand(batchCmd)
}

func runBatch(ctx context.Context, inputs []string, opts pipeline.MaskOptions) error {
	var sizeMB float64
	for _, in := range inputs {
		if err := checkInput(in); err != nil {
			return err
		}
		sizeMB += utils.FileSizeMB(in)
	}
	p, err := newPipelines()
	if err != nil {
		return err
	}

	v, err := submit(ctx, "batch", "Batch", sizeMB, func(ctx context.Context, r *pipeline.Runner) (string, error) {
		return p.Batch(ctx, r, inputs, opts)
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ %d videos processed:\n", len(inputs))
	for _, out := range strings.Split(v.Result, ", ") {
		fmt.Printf("   %s\n", out)
	}
	return nil
}
