package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/utils"
)

// keyEnv supplies the hex key when --key is not given.
const keyEnv = "VEIL_KEY"

var (
	exportInput  string
	exportOutput string
	exportKey    string
	exportDays   int
	exportCount  int
	exportOpts   maskFlags
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Mask, watermark and encrypt a video into a secure deliverable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts, err := exportOpts.options(cmd)
		if err != nil {
			return err
		}
		key, err := resolveKey(exportKey)
		if err != nil {
			return err
		}
		req := pipeline.ExportRequest{
			Input:       exportInput,
			MaskOptions: opts,
			Key:         key,
			PlayDays:    cfg.Encryption.PlayDays,
			PlayCount:   cfg.Encryption.PlayCount,
			Output:      exportOutput,
		}
		if cmd.Flags().Changed("days") {
			req.PlayDays = exportDays
		}
		if cmd.Flags().Changed("count") {
			req.PlayCount = exportCount
		}
		if req.PlayDays < 0 || req.PlayCount < 0 {
			return failure.Wrap(failure.ErrConfig, "export", "--days and --count must be non-negative", nil)
		}
		return runExport(cmd.Context(), req)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportInput, "input", "i", "", "Path to input video")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Path to the deliverable (default: <output_dir>/<name>.veil)")
	exportCmd.Flags().StringVarP(&exportKey, "key", "k", "", "Hex AES key (16, 24 or 32 bytes; default: $"+keyEnv+")")
	exportCmd.Flags().IntVar(&exportDays, "days", 0, "Days the deliverable may be played (default from config)")
	exportCmd.Flags().IntVar(&exportCount, "count", 0, "Number of allowed plays (default from config)")
	exportOpts.register(exportCmd, true)
	exportCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(exportCmd)
}

// resolveKey decodes the --key flag, falling back to $VEIL_KEY.
func resolveKey(flag string) ([]byte, error) {
	if flag == "" {
		flag = os.Getenv(keyEnv)
	}
	if flag == "" {
		return nil, failure.Wrap(failure.ErrConfig, "key", "pass --key or set "+keyEnv, nil)
	}
	return container.ParseKey(flag)
}

func runExport(ctx context.Context, req pipeline.ExportRequest) error {
	if err := checkInput(req.Input); err != nil {
		return err
	}
	p, err := newPipelines()
	if err != nil {
		return err
	}

	v, err := submit(ctx, "export", "Exporting", utils.FileSizeMB(req.Input), func(ctx context.Context, r *pipeline.Runner) (string, error) {
		return p.Export(ctx, r, req)
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Deliverable written to %s\n", v.Result)
	if ledger == nil {
		fmt.Println("ℹ️  No ledger configured; the export was not recorded.")
	}
	return nil
}
