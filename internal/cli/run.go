package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toole-brendan/handreceipt-custody/internal/sync/scheduler"
)

// RunCmd returns the run command: the long-lived background sync daemon.
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync daemon",
		Long: `Run starts the periodic sync scheduler and blocks until interrupted.
Pending operations drain whenever the authority is reachable; local scans
keep committing regardless.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sched := scheduler.New(app.Engine, scheduler.Config{
				SyncInterval: app.Cfg.SyncInterval,
			})
			sched.Start(ctx)

			fmt.Printf("custody daemon running (data dir %s, authority %s)\n",
				app.Cfg.DataDir, app.Cfg.RemoteURL)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Println("shutting down")
			cancel()
			sched.Stop()
			return nil
		},
	}
}
