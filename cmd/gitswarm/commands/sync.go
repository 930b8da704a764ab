package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Flush queued events to the server and pull deltas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		if e.cfg.ServerURL == "" {
			return printer.Fail(model.Validation("server_url", "no server configured"))
		}

		flusher := syncer.NewFlusher(e.store, e.cfg.ServerURL, e.cfg.APIKey)
		pushed, err := flusher.Flush(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Info("pushed %d events\n", pushed)

		// Inbound deltas land in the activity log; the server stays
		// authoritative for governance state, which config --pull
		// refreshes explicitly.
		poller := syncer.NewPoller(e.store, e.cfg.ServerURL, e.cfg.APIKey, syncer.ApplierFunc(
			func(ctx context.Context, cat model.SyncCategory, item syncer.PullItem) error {
				e.coord.Activity().Record(ctx, "", "sync_"+item.EventType, "sync", string(cat), item.Payload)
				return nil
			}))
		pulled, err := poller.PollOnce(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("sync complete: %d pushed, %d pulled\n", pushed, pulled)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
