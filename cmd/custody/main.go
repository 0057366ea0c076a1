package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toole-brendan/handreceipt-custody/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "custody",
		Short: "Offline-capable asset custody engine",
		Long: `custody tracks physical assets on a device that is frequently offline.
Scans are verified cryptographically, committed locally, and reconciled
with the remote custody authority whenever connectivity allows.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.SyncCmd())
	rootCmd.AddCommand(cli.ScanCmd())
	rootCmd.AddCommand(cli.QueueCmd())
	rootCmd.AddCommand(cli.ConflictsCmd())
	rootCmd.AddCommand(cli.StatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
