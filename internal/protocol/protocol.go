// Package protocol decodes the tagged JSON frames exchanged over chat and
// notification sockets into typed events, validating required fields at the
// boundary so consumers never null-check payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Type is the "type" tag of a frame.
type Type string

// Inbound frame types.
const (
	TypeConnection     Type = "connection"
	TypeChatMessage    Type = "chat_message"
	TypeTyping         Type = "typing"
	TypeMessageRead    Type = "message_read"
	TypeMessageFlagged Type = "message_flagged"
	TypeUserJoined     Type = "user_joined"
	TypeUserLeft       Type = "user_left"
	TypeError          Type = "error"
	TypeUnreadCount    Type = "chat_unread_count"
	TypeNotification   Type = "notification"
	TypeBroadcast      Type = "broadcast"
	TypePong           Type = "pong"
)

// Outbound-only frame types.
const (
	TypePing Type = "ping"
)

// ErrUnknownType is returned (wrapped) for frames whose tag is not handled.
var ErrUnknownType = errors.New("unknown frame type")

// Event is implemented by every decoded inbound frame.
type Event interface {
	Type() Type
}

type Connection struct {
	Message string `json:"message,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

type ChatMessage struct {
	Data model.Message `json:"data"`
}

type Typing struct {
	UserID   string `json:"user_id" validate:"required"`
	IsTyping bool   `json:"is_typing"`
}

type MessageRead struct {
	MessageID string `json:"message_id" validate:"required"`
	ReaderID  string `json:"user_id,omitempty"`
}

type MessageFlagged struct {
	MessageID string `json:"message_id" validate:"required"`
	Reason    string `json:"reason"`
}

type UserJoined struct {
	UserID string `json:"user_id" validate:"required"`
}

type UserLeft struct {
	UserID string `json:"user_id" validate:"required"`
}

// Error is a server-side rejection delivered over the socket, typically a
// moderation verdict on the last message sent.
type Error struct {
	Detail     string   `json:"detail" validate:"required"`
	Violations []string `json:"violations,omitempty"`
}

type UnreadCount struct {
	RoomID           string `json:"room_id"`
	RoomUnreadCount  int    `json:"room_unread_count" validate:"min=0"`
	TotalUnreadCount int    `json:"total_unread_count" validate:"min=0"`
}

// NotificationEvent carries a normalised notification. Broadcast is set for
// frames that arrived tagged "broadcast".
type NotificationEvent struct {
	Data      model.Notification
	Broadcast bool
}

type Pong struct {
	At time.Time `json:"timestamp,omitempty"`
}

func (Connection) Type() Type     { return TypeConnection }
func (ChatMessage) Type() Type    { return TypeChatMessage }
func (Typing) Type() Type         { return TypeTyping }
func (MessageRead) Type() Type    { return TypeMessageRead }
func (MessageFlagged) Type() Type { return TypeMessageFlagged }
func (UserJoined) Type() Type     { return TypeUserJoined }
func (UserLeft) Type() Type       { return TypeUserLeft }
func (Error) Type() Type          { return TypeError }
func (UnreadCount) Type() Type    { return TypeUnreadCount }
func (Pong) Type() Type           { return TypePong }

func (n NotificationEvent) Type() Type {
	if n.Broadcast {
		return TypeBroadcast
	}
	return TypeNotification
}

// ModerationRejection converts a socket error frame into the error taxonomy.
func (e Error) ModerationRejection(input string) *model.ModerationRejection {
	return &model.ModerationRejection{Reason: e.Detail, Violations: e.Violations, Input: input}
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PeekType returns the tag of raw without decoding the body.
func PeekType(raw []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decoding frame: %w", err)
	}
	return env.Type, nil
}

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch env.Type {
	case TypeChatMessage:
		var ev ChatMessage
		if err := json.Unmarshal(env.Data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
		}
		if err := validateMessage(&ev.Data); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeNotification, TypeBroadcast:
		n, err := DecodeNotification(env.Data)
		if err != nil {
			return nil, err
		}
		return NotificationEvent{Data: *n, Broadcast: env.Type == TypeBroadcast}, nil
	case TypeConnection:
		return decodeFlat[Connection](raw)
	case TypeTyping:
		return decodeFlat[Typing](raw)
	case TypeMessageRead:
		return decodeFlat[MessageRead](raw)
	case TypeMessageFlagged:
		return decodeFlat[MessageFlagged](raw)
	case TypeUserJoined:
		return decodeFlat[UserJoined](raw)
	case TypeUserLeft:
		return decodeFlat[UserLeft](raw)
	case TypeError:
		return decodeFlat[Error](raw)
	case TypeUnreadCount:
		return decodeFlat[UnreadCount](raw)
	case TypePong:
		return decodeFlat[Pong](raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// decodeFlat handles frames whose fields sit beside the type tag.
func decodeFlat[T Event](raw []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ev.Type(), err)
	}
	if err := validate(&ev); err != nil {
		return nil, fmt.Errorf("%s: %w", ev.Type(), err)
	}
	return ev, nil
}

func validateMessage(m *model.Message) error {
	var ve model.ValidationError
	if m.ID == "" {
		ve.Add("data.id", "is required")
	}
	if m.SenderID == "" {
		ve.Add("data.sender_id", "is required")
	}
	if m.CreatedAt.IsZero() {
		ve.Add("data.created_at", "is required")
	}
	if m.Body == "" && m.File == nil {
		ve.Add("data.body", "body or file is required")
	}
	return ve.Err()
}
