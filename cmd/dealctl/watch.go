package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/engine"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/presence"
	"github.com/alfredjeanlab/dealroom/internal/reconcile"
	"github.com/alfredjeanlab/dealroom/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Follow a chat room and send lines from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		tracker := presence.New(rt.bus, logger)
		tracker.StartReaper(nil)
		defer tracker.Stop()

		deltas := make(chan reconcile.Delta, 64)
		room, err := engine.OpenRoom(ctx, engine.RoomOptions{
			RoomID:    args[0],
			Identity:  rt.identity(),
			API:       rt.api,
			Channels:  rt.channels,
			Reconcile: rt.reconcileOptions(),
			Presence:  tracker,
			OnDelta: func(d reconcile.Delta) {
				select {
				case deltas <- d:
				default:
					logger.Debug("watch: display lagging, dropping delta")
				}
			},
			OnRejected: printRejection,
			Logger:     logger,
			Metrics:    meters,
		})
		if err != nil {
			return err
		}
		defer room.Close()

		lines := make(chan string)
		go readLines(ctx, lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case d := <-deltas:
				renderRoomDelta(room, d)
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				sendLine(ctx, room, line)
			}
		}
	},
}

func readLines(ctx context.Context, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

func sendLine(ctx context.Context, room *engine.Room, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if line == "/read" {
		if err := room.MarkAllRead(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return
	}
	_ = room.SetTyping(ctx, true)
	_, err := room.Send(ctx, line)
	_ = room.SetTyping(ctx, false)

	var rej *model.ModerationRejection
	switch {
	case errors.As(err, &rej):
		printRejection(rej)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Debug("watch: send failed", zap.Error(err))
	}
}

func renderRoomDelta(room *engine.Room, d reconcile.Delta) {
	if d.Reset {
		fmt.Println(ui.RenderMuted(fmt.Sprintf("── %s (%d unread) ──", room.ID(), room.Unread())))
		for _, m := range room.Messages() {
			fmt.Println(formatMessage(m))
		}
		return
	}
	for _, m := range d.Added {
		fmt.Println(formatMessage(m))
	}
	for _, m := range d.Updated {
		if m.Flagged {
			fmt.Println(formatMessage(m))
		}
	}
	if len(d.Removed) > 0 {
		fmt.Println(ui.RenderMuted(fmt.Sprintf("(%d unsent message(s) withdrawn)", len(d.Removed))))
	}
	if _, typing := room.Presence(); len(typing) > 0 {
		fmt.Println(ui.RenderMuted(strings.Join(typing, ", ") + " typing…"))
	}
}
