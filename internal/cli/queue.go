package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

// QueueCmd returns the queue command: inspect pending deliveries.
func QueueCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued custody operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			statuses := []models.OperationStatus{
				models.OperationStatusPending,
				models.OperationStatusInFlight,
				models.OperationStatusFailed,
			}
			if all {
				statuses = append(statuses, models.OperationStatusAcknowledged)
			}

			total := 0
			for _, status := range statuses {
				ops, err := app.Store.ListOperationsByStatus(status)
				if err != nil {
					return err
				}
				for _, op := range ops {
					fmt.Printf("%s  %-12s %-11s prio=%-2d retries=%d  asset=%s  %s\n",
						op.ID, op.Type, op.Status, op.Priority, op.RetryCount,
						op.AssetID, op.CreatedAtTime().Format(time.RFC3339))
					total++
				}
			}
			if total == 0 {
				fmt.Println("Queue is empty.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include acknowledged operations")
	return cmd
}
