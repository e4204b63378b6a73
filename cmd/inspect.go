package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.veil>",
	Short: "Show the usage rights of a deliverable and its ledger entry",
	Long: "Reads the metadata block appended to a deliverable without decrypting it. " +
		"The block is not authenticated, so treat it as informational; the ledger row is authoritative.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runInspect(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(ctx context.Context, path string) error {
	if err := checkInput(path); err != nil {
		return err
	}
	summary, err := container.Inspect(path, cfg.Encryption.TagLength)
	if err != nil {
		return showError("Not a readable deliverable", err)
	}
	hash, err := utils.HashFile(path)
	if err != nil {
		return showError("Failed to hash deliverable", err)
	}

	pairs := [][2]string{
		{"File", filepath.Base(path)},
		{"Size", strconv.FormatInt(summary.Size, 10) + " bytes"},
		{"Payload", strconv.FormatInt(summary.PayloadSize, 10) + " bytes"},
		{"SHA-256", hash},
	}
	if m := summary.Metadata; m != nil {
		pairs = append(pairs,
			[2]string{"Play until", orDash(m.PlayDate)},
			[2]string{"Play count", strconv.Itoa(m.PlayCount)},
		)
	} else {
		pairs = append(pairs, [2]string{"Metadata", "none"})
	}
	fmt.Println(renderPairs(pairs))

	if ledger == nil {
		fmt.Println("ℹ️  No ledger configured.")
		return nil
	}
	rec, err := ledger.Get(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("❌ This deliverable is not recorded in the ledger.")
		return nil
	}
	if err != nil {
		return showError("Ledger lookup failed", err)
	}
	fmt.Println(renderPairs([][2]string{
		{"Ledger seq", strconv.FormatInt(rec.Seq, 10)},
		{"Original", filepath.Join(rec.OriginalPath, rec.OriginalName)},
		{"Masked", rec.MaskedName + " (" + rec.MaskingStatus + ")"},
		{"Encrypted", rec.EncryptedName + " (" + rec.EncryptedStatus + ")"},
		{"Play until", formatDate(rec.PlayDate)},
		{"Play count", strconv.Itoa(rec.PlayCount)},
		{"Recorded", formatDate(rec.CreatedAt)},
	}))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(store.DateLayout)
}
