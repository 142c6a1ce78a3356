package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradesim/internal/notify"
	"tradesim/internal/store"
	"tradesim/internal/trading"
)

func newRunCmd(app *App) *cobra.Command {
	var (
		webhookURL string
		memStore   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st store.Store
			var err error
			if memStore || app.Config.Store.Driver == "memory" {
				st = store.NewMemoryStore()
			} else {
				st, err = store.NewSQLiteStore(app.Config.Store.Path)
				if err != nil {
					return err
				}
			}
			defer st.Close()

			channels := []notify.Channel{notify.NewLogChannel(app.Logger)}
			if webhookURL != "" {
				channels = append(channels, notify.NewWebhookChannel(webhookURL))
			}
			notifier := notify.NewDispatcher(app.Logger, channels...)

			svc := trading.NewService(app.Config, st, notifier, app.Logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc.Start(ctx)
			app.Logger.Info().Msg("Simulation core running, press Ctrl+C to stop")

			<-ctx.Done()
			app.Logger.Info().Msg("Shutting down")
			svc.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&webhookURL, "webhook", "", "webhook URL for event notifications")
	cmd.Flags().BoolVar(&memStore, "mem-store", false, "use the in-memory store instead of SQLite")
	return cmd
}
