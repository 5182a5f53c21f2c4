package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/dealroom/internal/engine"
	"github.com/alfredjeanlab/dealroom/internal/reconcile"
	"github.com/alfredjeanlab/dealroom/internal/ui"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Follow the notification feed and unread counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		router := &engine.Router{
			Escrow:     rt.escrows(),
			Disputes:   rt.disputes(),
			Deliveries: rt.deliveries(),
			Logger:     logger,
		}
		deltas := make(chan reconcile.Delta, 64)
		feed, err := engine.OpenFeed(ctx, engine.FeedOptions{
			Identity:  rt.identity(),
			API:       rt.api,
			Channels:  rt.channels,
			Publisher: rt.bus,
			Reconcile: rt.reconcileOptions(),
			Observers: []engine.Observer{router},
			OnDelta: func(d reconcile.Delta) {
				select {
				case deltas <- d:
				default:
				}
			},
			Logger:  logger,
			Metrics: meters,
		})
		if err != nil {
			return err
		}
		defer feed.Close()

		for {
			select {
			case <-ctx.Done():
				return nil
			case d := <-deltas:
				renderFeedDelta(feed, d)
			}
		}
	},
}

func renderFeedDelta(feed *engine.Feed, d reconcile.Delta) {
	if jsonOutput {
		printJSON(d)
		return
	}
	if d.Reset {
		fmt.Println(ui.RenderMuted(fmt.Sprintf("── notifications (%d unread) ──", feed.Unread())))
		for _, n := range feed.Items() {
			fmt.Println(formatNotification(n))
		}
	}
	for _, n := range d.Alerts {
		fmt.Println(formatNotification(n))
	}
	if d.CountersChanged {
		fmt.Println(ui.RenderMuted(fmt.Sprintf("unread messages: %d", feed.TotalUnread())))
	}
}
