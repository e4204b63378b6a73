package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/failure"
)

var (
	grantDays  int
	grantCount int
)

var grantCmd = &cobra.Command{
	Use:   "grant <sha256>",
	Short: "Renew the play window and count recorded for a deliverable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("days") {
			grantDays = cfg.Encryption.PlayDays
		}
		if !cmd.Flags().Changed("count") {
			grantCount = cfg.Encryption.PlayCount
		}
		return runGrant(cmd.Context(), args[0], grantDays, grantCount)
	},
}

func init() {
	grantCmd.Flags().IntVar(&grantDays, "days", 0, "Days from now the deliverable may be played (default from config)")
	grantCmd.Flags().IntVar(&grantCount, "count", 0, "Number of allowed plays (default from config)")
	rootCmd.AddCommand(grantCmd)
}

func runGrant(ctx context.Context, hash string, days, count int) error {
	if err := requireLedger(); err != nil {
		return err
	}
	if days < 0 || count < 0 {
		return failure.Wrap(failure.ErrConfig, "grant", "--days and --count must be non-negative", nil)
	}

	until := time.Now().AddDate(0, 0, days)
	n, err := ledger.Grant(ctx, hash, until, count)
	if err != nil {
		return showError("Failed to update ledger", err)
	}
	if n == 0 {
		return fmt.Errorf("no ledger record for %s", hash)
	}

	fmt.Printf("✅ %s may be played until %s, %d times\n", shortHash(hash), until.Format("2006-01-02"), count)
	return nil
}
