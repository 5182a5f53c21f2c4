package channel

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of one socket attempt.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Session describes one connection attempt. A new Session (with a new ID)
// replaces the previous one on every attempt; sessions are never reused.
type Session struct {
	ID              string
	StreamID        string
	State           State
	AttemptCount    int
	OpenedAt        time.Time
	LastHeartbeatAt time.Time
}

func newSession(streamID string, attempt int) Session {
	return Session{
		ID:           uuid.NewString(),
		StreamID:     streamID,
		State:        StateConnecting,
		AttemptCount: attempt,
	}
}

// lastSign is the most recent sign of life from the peer.
func (s Session) lastSign() time.Time {
	if s.LastHeartbeatAt.After(s.OpenedAt) {
		return s.LastHeartbeatAt
	}
	return s.OpenedAt
}

// ChatStream is the stream id for a chat room.
func ChatStream(roomID string) string {
	return "chat/" + roomID
}

// NotificationStream is the stream id for a user's notification feed.
func NotificationStream(userID string) string {
	return "notifications/" + userID
}

// streamKind is the metric label for a stream id.
func streamKind(streamID string) string {
	kind, _, _ := strings.Cut(streamID, "/")
	return kind
}
