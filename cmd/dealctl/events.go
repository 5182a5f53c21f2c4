package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/dealroom/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events [topic]",
	Short: "Print events other dealroom processes publish over NATS",
	Long: `Subscribe to the event bus and print each event as JSON. The topic may use
NATS wildcards; it defaults to every dealroom topic.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.NATSURL == "" {
			return errors.New("events requires nats_url (DEALROOM_NATS_URL)")
		}
		topic := events.TopicAll
		if len(args) == 1 {
			topic = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sub, err := events.NewNATSSubscriber(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer sub.Close()

		ch, cancel, err := sub.Subscribe(topic)
		if err != nil {
			return err
		}
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case data, ok := <-ch:
				if !ok {
					return nil
				}
				fmt.Println(string(data))
			}
		}
	},
}
