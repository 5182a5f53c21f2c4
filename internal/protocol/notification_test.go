package protocol

import (
	"encoding/json"
	"testing"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

func TestDecodeNotification_MergesDetailsAndMetadata(t *testing.T) {
	raw := `{
		"id": 42,
		"type": "bid_received",
		"title": "New bid",
		"details": {"bid_id": 7, "amount": "1500.50"},
		"metadata": {"item_id": "item-1", "amount": 1},
		"created_at": "2026-01-15T10:00:00Z"
	}`
	n, err := DecodeNotification([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeNotification() error: %v", err)
	}
	if n.ID != "42" {
		t.Errorf("ID = %q, want 42", n.ID)
	}
	p, ok := n.Payload.(model.BidReceived)
	if !ok {
		t.Fatalf("Payload = %T, want model.BidReceived", n.Payload)
	}
	if p.ItemID != "item-1" || p.BidID != "7" {
		t.Errorf("unexpected ids: %+v", p)
	}
	if p.Amount.String() != "1500.5" {
		t.Errorf("Amount = %s, want 1500.5 (details win over metadata)", p.Amount)
	}
}

func TestDecodeNotification_RequiredFieldsPerKind(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"ChatRoomCreatedOK", `{"id":"1","type":"chat_room_created","metadata":{"room_id":"r1"}}`, false},
		{"ChatRoomCreatedMissingRoom", `{"id":"1","type":"chat_room_created","metadata":{}}`, true},
		{"BidAcceptedMissingBid", `{"id":"1","type":"bid_accepted","details":{"item_id":"i1"}}`, true},
		{"PaymentRequiredZeroAmount", `{"id":"1","type":"payment_required","details":{"item_id":"i1","amount":0}}`, true},
		{"PaymentRequiredOK", `{"id":"1","type":"payment_required","details":{"item_id":"i1","amount":250}}`, false},
		{"BroadcastFromMessage", `{"id":"1","type":"broadcast","message":"hello all"}`, false},
		{"BroadcastEmpty", `{"id":"1","type":"broadcast"}`, true},
		{"DisputeResolvedOK", `{"id":"1","type":"dispute_resolved","details":{"transaction_id":"tx1","dispute_id":"d1"}}`, false},
		{"MissingID", `{"type":"broadcast","message":"x"}`, true},
		{"UnknownKind", `{"id":"1","type":"bid_exploded"}`, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeNotification([]byte(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Fatalf("DecodeNotification() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeNotifications_SkipsInvalid(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"1","type":"broadcast","message":"a"}`),
		json.RawMessage(`{"id":"2","type":"chat_room_created"}`),
		json.RawMessage(`{"id":"3","type":"new_chat_message","details":{"room_id":"r1","sender_id":"u1"},"is_read":true}`),
	}
	got, errs := DecodeNotifications(raws)
	if len(got) != 2 || len(errs) != 1 {
		t.Fatalf("got %d notifications and %d errors, want 2 and 1", len(got), len(errs))
	}
	if !got[1].Read {
		t.Error("is_read should map onto Read")
	}
}
