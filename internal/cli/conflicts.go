package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

// ConflictsCmd returns the conflicts command group.
func ConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve custody conflicts",
	}
	cmd.AddCommand(conflictsListCmd())
	cmd.AddCommand(conflictsResolveCmd())
	cmd.AddCommand(conflictsIgnoreCmd())
	return cmd
}

func conflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			conflicts, err := app.Store.ListUnresolvedConflicts()
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("No unresolved conflicts.")
				return nil
			}

			for _, c := range conflicts {
				fmt.Printf("%s  %-20s asset=%s  %s\n", c.ID, c.Data.Kind, c.AssetID,
					c.CreatedAtTime().Format(time.RFC3339))
				if c.Data.Detail != "" {
					fmt.Printf("    %s\n", c.Data.Detail)
				}
				if c.ResolutionType == models.ResolutionManualOverride {
					fmt.Println("    requires manual override")
				}
			}
			return nil
		},
	}
}

func conflictsResolveCmd() *cobra.Command {
	var resolution string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with an explicit decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			var res models.ResolutionType
			switch resolution {
			case "local":
				res = models.ResolutionLocalWins
			case "remote":
				res = models.ResolutionRemoteWins
			case "override":
				res = models.ResolutionManualOverride
			default:
				return fmt.Errorf("unknown resolution %q (want local, remote, or override)", resolution)
			}

			if err := app.Resolver.Resolve(args[0], res, nil); err != nil {
				return err
			}
			fmt.Printf("Conflict %s resolved (%s)\n", args[0], res)
			return nil
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "local, remote, or override")
	cmd.MarkFlagRequired("resolution")
	return cmd
}

func conflictsIgnoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ignore <conflict-id>",
		Short: "Close a conflict without changing asset state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Resolver.Ignore(args[0]); err != nil {
				return err
			}
			fmt.Printf("Conflict %s ignored\n", args[0])
			return nil
		},
	}
}
