package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func formatMessage(m model.Message) string {
	var body string
	if m.File != nil {
		body = fmt.Sprintf("[%s, %s]", m.File.Name, humanize.IBytes(uint64(m.File.Size)))
	} else {
		// time, sender and separators take the rest of the line
		body = ui.Truncate(m.DisplayBody(), ui.Width()-len(m.SenderID)-8)
	}
	line := fmt.Sprintf("%s %s: %s", ui.RenderMuted(m.CreatedAt.Local().Format("15:04")), ui.RenderAccent(m.SenderID), body)
	switch {
	case m.Pending:
		line += " " + ui.RenderPending("(sending)")
	case m.Flagged && m.ModerationReason != "":
		line += " " + ui.RenderAlert("("+m.ModerationReason+")")
	}
	return line
}

func formatNotification(n model.Notification) string {
	mark := " "
	if !n.Read {
		mark = ui.RenderAccent("•")
	}
	title := n.Title
	if title == "" {
		title = string(n.Type)
	}
	line := fmt.Sprintf("%s %s %s", mark, ui.RenderMuted(humanize.Time(n.CreatedAt)), title)
	switch n.Type {
	case model.NotifyDisputeOpened, model.NotifyPaymentRequired:
		line = ui.RenderAlert(line)
	case model.NotifyPayoutReleased, model.NotifyDeliveryConfirmed:
		line = ui.RenderOK(line)
	}
	return line
}

func printRejection(rej *model.ModerationRejection) {
	fmt.Fprintln(os.Stderr, ui.RenderAlert("message rejected: "+rej.Reason))
	for _, v := range rej.Violations {
		fmt.Fprintf(os.Stderr, "  - %s\n", v)
	}
}
