package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetLedger bool
	resetFiles  bool
	resetLogs   bool
	resetYes    bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Ledger, Output Files, Logs)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetLedger && !resetFiles && !resetLogs {
			resetLedger = true
			resetFiles = true
			resetLogs = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetLedger {
			if ledger == nil {
				fmt.Println("ℹ️  No ledger configured, skipping.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP the ledger table?") {
				fmt.Println("🗑️  Clearing Ledger...")
				if err := ledger.Reset(cmd.Context()); err != nil {
					return showError("Failed to reset ledger", err)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", cfg.Paths.OutputDir)) {
				fmt.Println("🗑️  Clearing Output Files (Masked Videos, Deliverables)...")
				clearDir(cfg.Paths.OutputDir)
			}
		}

		if resetLogs {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all logs in %s?", cfg.Paths.LogDir)) {
				fmt.Println("🗑️  Clearing Logs...")
				// The current run's daily file is open; it is recreated on next start.
				clearDir(cfg.Paths.LogDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetLedger, "ledger", false, "Clear the DRM ledger")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated files in the output directory")
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Clear log files")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// clearDir removes the contents of dir but keeps dir itself.
func clearDir(dir string) {
	if strings.TrimSpace(dir) == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to read %s: %v\n", dir, err)
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
		}
	}
}
