package cli

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/toole-brendan/handreceipt-custody/internal/db"
)

// StatusCmd returns the status command: a summary of local engine state.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine state: queue depth, conflicts, last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Store.Stats()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-26s %d\n", k, stats[k])
			}

			lastSync, err := app.Store.GetState(db.StateLastSync)
			if err != nil {
				return err
			}
			if lastSync == "" {
				fmt.Println("last_sync                  never")
			} else if ts, err := strconv.ParseInt(lastSync, 10, 64); err == nil {
				fmt.Printf("last_sync                  %s\n",
					time.Unix(ts, 0).Format(time.RFC3339))
			}

			root, err := app.Store.GetState(db.StateTrustedRoot)
			if err != nil {
				return err
			}
			if root == "" {
				root = "(none)"
			}
			fmt.Printf("trusted_root               %s\n", root)

			dirty, err := app.Engine.Dirty()
			if err != nil {
				return err
			}
			fmt.Printf("unsynced_changes           %t\n", dirty)

			next, err := app.Store.DequeueNextOperation()
			if err != nil {
				return err
			}
			if next != nil {
				fmt.Printf("next_operation             %s (%s, priority %d)\n",
					next.ID, next.Type, next.Priority)
			}
			return nil
		},
	}
}
