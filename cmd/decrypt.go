package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/utils"
)

var (
	decryptInput  string
	decryptOutput string
	decryptKey    string
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Authenticate and decrypt a deliverable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		key, err := resolveKey(decryptKey)
		if err != nil {
			return err
		}
		return runDecrypt(cmd.Context(), pipeline.DecryptRequest{Input: decryptInput, Output: decryptOutput, Key: key})
	},
}

func init() {
	decryptCmd.Flags().StringVarP(&decryptInput, "input", "i", "", "Path to the "+container.Extension+" deliverable")
	decryptCmd.Flags().StringVarP(&decryptOutput, "output", "o", "", "Path to the decrypted video (default: <name>_decrypted.mp4)")
	decryptCmd.Flags().StringVarP(&decryptKey, "key", "k", "", "Hex AES key (default: $"+keyEnv+")")
	decryptCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(decryptCmd)
}

func runDecrypt(ctx context.Context, req pipeline.DecryptRequest) error {
	if err := checkInput(req.Input); err != nil {
		return err
	}
	if !strings.EqualFold(filepath.Ext(req.Input), container.Extension) {
		fmt.Printf("⚠️  %s does not have the %s extension, trying anyway\n", filepath.Base(req.Input), container.Extension)
	}
	// Safety Check: Prevent overwriting the deliverable with its own plaintext
	if req.Output != "" {
		inAbs, _ := filepath.Abs(req.Input)
		outAbs, _ := filepath.Abs(req.Output)
		if inAbs == outAbs {
			return failure.Wrap(failure.ErrConfig, "decrypt", "input and output paths must be different", nil)
		}
	}
	p, err := newPipelines()
	if err != nil {
		return err
	}

	var meta *container.Metadata
	v, err := submit(ctx, "decrypt", "Decrypting", utils.FileSizeMB(req.Input), func(ctx context.Context, r *pipeline.Runner) (string, error) {
		out, m, err := p.Decrypt(ctx, r, req)
		meta = m
		return out, err
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Decrypted video written to %s\n", v.Result)
	if meta != nil {
		printMetadata(meta)
	}
	return nil
}

func printMetadata(meta *container.Metadata) {
	date := meta.PlayDate
	if date == "" {
		date = "-"
	}
	fmt.Printf("   Play until: %s\n   Play count: %d\n", date, meta.PlayCount)
}
