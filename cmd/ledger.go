package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the DRM ledger of exported deliverables",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every recorded deliverable, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLedgerList(cmd.Context())
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerListCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerList(ctx context.Context) error {
	if err := requireLedger(); err != nil {
		return err
	}
	records, err := ledger.List(ctx)
	if err != nil {
		return showError("Failed to list ledger records", err)
	}

	if len(records) == 0 {
		fmt.Println("No deliverables recorded in the ledger.")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			strconv.FormatInt(r.Seq, 10),
			r.OriginalName,
			r.EncryptedName,
			shortHash(r.FileHash),
			formatDate(r.PlayDate),
			strconv.Itoa(r.PlayCount),
			formatDate(r.CreatedAt),
		})
	}
	fmt.Println(renderTable(
		[]string{"SEQ", "ORIGINAL", "DELIVERABLE", "HASH", "PLAY UNTIL", "PLAYS", "RECORDED"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
