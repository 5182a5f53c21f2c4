// Package ui renders dealctl output: ANSI colors for message and
// notification states, and terminal detection.
package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent  = 74  // blue: sender names, ids
	colorMuted   = 245 // gray: timestamps, system lines
	colorPending = 179 // amber: optimistic messages awaiting the server
	colorAlert   = 167 // red: flags, disputes, rejections
	colorOK      = 114 // green: confirmations, payouts
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderPending returns s styled as not yet confirmed.
func RenderPending(s string) string { return paint(colorPending, s) }

// RenderAlert returns s styled as needing attention.
func RenderAlert(s string) string { return paint(colorAlert, s) }

// RenderOK returns s styled as settled.
func RenderOK(s string) string { return paint(colorOK, s) }

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
