package model

import "time"

// Role is the side a participant plays in an engagement.
type Role string

const (
	// RoleProducer is the delivering party (developer).
	RoleProducer Role = "producer"
	// RoleConsumer is the receiving party (investor).
	RoleConsumer Role = "consumer"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks whether the role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleProducer, RoleConsumer:
		return true
	}
	return false
}

// Identity is who a stream is opened for. Token is an opaque bearer
// credential supplied by the host application.
type Identity struct {
	UserID string
	Token  string
}

// FileRef points at a chat attachment.
type FileRef struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is a single chat message in a room.
type Message struct {
	ID               string    `json:"id,omitempty"`
	RoomID           string    `json:"room_id"`
	SenderID         string    `json:"sender_id"`
	SenderRole       Role      `json:"sender_role,omitempty"`
	Body             string    `json:"body,omitempty"`
	File             *FileRef  `json:"file,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Read             bool      `json:"read"`
	Flagged          bool      `json:"flagged"`
	ModerationReason string    `json:"moderation_reason,omitempty"`

	// LocalID and Pending are set on optimistic messages that have not yet
	// been echoed by the server.
	LocalID string `json:"-"`
	Pending bool   `json:"-"`
}

// RedactedBody is what a flagged message renders as.
const RedactedBody = "[message removed by moderation]"

// DisplayBody returns the body with moderation applied.
func (m *Message) DisplayBody() string {
	if m.Flagged {
		return RedactedBody
	}
	return m.Body
}

// Before reports whether m sorts before o: by created_at, then id.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
