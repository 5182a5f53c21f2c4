package protocol

import (
	"errors"
	"testing"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

func TestDecode_FrameTypes(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want Type
	}{
		{"Connection", `{"type":"connection","message":"connected"}`, TypeConnection},
		{"ChatMessage", `{"type":"chat_message","data":{"id":"m1","room_id":"r1","sender_id":"u1","body":"hi","created_at":"2026-01-15T10:00:00Z"}}`, TypeChatMessage},
		{"Typing", `{"type":"typing","user_id":"u2","is_typing":true}`, TypeTyping},
		{"Read", `{"type":"message_read","message_id":"m1"}`, TypeMessageRead},
		{"Flagged", `{"type":"message_flagged","message_id":"m1","reason":"contact details"}`, TypeMessageFlagged},
		{"Joined", `{"type":"user_joined","user_id":"u2"}`, TypeUserJoined},
		{"Left", `{"type":"user_left","user_id":"u2"}`, TypeUserLeft},
		{"Error", `{"type":"error","detail":"blocked","violations":["phone number"]}`, TypeError},
		{"Unread", `{"type":"chat_unread_count","room_id":"r1","room_unread_count":3,"total_unread_count":7}`, TypeUnreadCount},
		{"Notification", `{"type":"notification","data":{"id":"n1","type":"chat_room_created","details":{"room_id":"r9"}}}`, TypeNotification},
		{"Broadcast", `{"type":"broadcast","data":{"id":"n2","type":"broadcast","message":"maintenance tonight"}}`, TypeBroadcast},
		{"Pong", `{"type":"pong"}`, TypePong},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if ev.Type() != tc.want {
				t.Errorf("Type() = %q, want %q", ev.Type(), tc.want)
			}
		})
	}
}

func TestDecode_RequiredFields(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"ReadWithoutID", `{"type":"message_read"}`},
		{"FlagWithoutID", `{"type":"message_flagged","reason":"x"}`},
		{"TypingWithoutUser", `{"type":"typing","is_typing":true}`},
		{"NegativeUnread", `{"type":"chat_unread_count","room_id":"r1","room_unread_count":-1,"total_unread_count":0}`},
		{"MessageWithoutSender", `{"type":"chat_message","data":{"id":"m1","body":"x","created_at":"2026-01-15T10:00:00Z"}}`},
		{"MessageWithoutBody", `{"type":"chat_message","data":{"id":"m1","sender_id":"u1","created_at":"2026-01-15T10:00:00Z"}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if model.KindOf(err) != model.KindValidation {
				t.Errorf("KindOf() = %q, want validation (err=%v)", model.KindOf(err), err)
			}
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecode_ChatMessageFields(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"chat_message","data":{"id":"m1","room_id":"r1","sender_id":"u1","sender_role":"producer","body":"hi","created_at":"2026-01-15T10:00:00Z","flagged":true,"moderation_reason":"spam"}}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	msg := ev.(ChatMessage).Data
	if msg.SenderRole != model.RoleProducer || !msg.Flagged || msg.ModerationReason != "spam" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"pong","extra":1}`))
	if err != nil || typ != TypePong {
		t.Fatalf("PeekType() = %q, %v", typ, err)
	}
}

func TestOutbound_Encode(t *testing.T) {
	for _, tc := range []struct {
		frame Outbound
		want  string
	}{
		{Ping(), `{"type":"ping"}`},
		{TypingFrame(false), `{"type":"typing","is_typing":false}`},
		{ReadFrame("m1"), `{"type":"message_read","message_id":"m1"}`},
	} {
		got, err := tc.frame.Encode()
		if err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
		if string(got) != tc.want {
			t.Errorf("Encode() = %s, want %s", got, tc.want)
		}
	}
}
