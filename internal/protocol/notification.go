package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// wireNotification is the loosely typed shape notifications arrive in. The
// per-kind fields may sit under "details", under "metadata", or both.
type wireNotification struct {
	ID        flexID                 `json:"id"`
	Type      model.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Details   map[string]any         `json:"details"`
	Metadata  map[string]any         `json:"metadata"`
	Read      bool                   `json:"read"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt time.Time              `json:"created_at"`
}

// DecodeNotification normalises one notification into its canonical
// per-kind payload. Fields in "details" win over the same key in
// "metadata"; top-level message text fills a missing broadcast message.
func DecodeNotification(raw []byte) (*model.Notification, error) {
	var w wireNotification
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding notification: %w", err)
	}

	var ve model.ValidationError
	if w.ID == "" {
		ve.Add("id", "is required")
	}
	if !w.Type.IsValid() {
		ve.Add("type", "invalid value %q", w.Type)
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(w.Details)+len(w.Metadata)+1)
	for k, v := range w.Metadata {
		merged[k] = v
	}
	for k, v := range w.Details {
		merged[k] = v
	}
	normalizeIDs(merged)
	if _, ok := merged["message"]; !ok && w.Message != "" {
		merged["message"] = w.Message
	}

	payload, err := decodePayload(w.Type, merged)
	if err != nil {
		return nil, fmt.Errorf("notification %s: %w", w.ID, err)
	}

	return &model.Notification{
		ID:        string(w.ID),
		Type:      w.Type,
		Title:     w.Title,
		Message:   w.Message,
		Payload:   payload,
		Read:      w.Read || w.IsRead,
		CreatedAt: w.CreatedAt,
	}, nil
}

// DecodeNotifications normalises a snapshot list. Entries that fail
// validation are returned separately so one bad row does not hide the feed.
func DecodeNotifications(raws []json.RawMessage) ([]model.Notification, []error) {
	out := make([]model.Notification, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		n, err := DecodeNotification(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, *n)
	}
	return out, errs
}

func decodePayload(t model.NotificationType, fields map[string]any) (model.Payload, error) {
	switch t {
	case model.NotifyBidReceived:
		return payloadAs[model.BidReceived](fields)
	case model.NotifyBidAccepted:
		return payloadAs[model.BidAccepted](fields)
	case model.NotifyBidRejected:
		return payloadAs[model.BidRejected](fields)
	case model.NotifyPaymentRequired:
		return payloadAs[model.PaymentRequired](fields)
	case model.NotifyChatRoomCreated:
		return payloadAs[model.ChatRoomCreated](fields)
	case model.NotifyNewChatMessage:
		return payloadAs[model.NewChatMessage](fields)
	case model.NotifyBroadcast:
		return payloadAs[model.Broadcast](fields)
	case model.NotifyDeliverySubmitted:
		return payloadAs[model.DeliverySubmitted](fields)
	case model.NotifyDeliveryConfirmed:
		return payloadAs[model.DeliveryConfirmed](fields)
	case model.NotifyDisputeOpened:
		return payloadAs[model.DisputeOpened](fields)
	case model.NotifyDisputeResolved:
		return payloadAs[model.DisputeResolved](fields)
	case model.NotifyPayoutReleased:
		return payloadAs[model.PayoutReleased](fields)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// flexID accepts identifiers sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// normalizeIDs rewrites numeric *_id fields as strings.
func normalizeIDs(fields map[string]any) {
	for k, v := range fields {
		if !strings.HasSuffix(k, "_id") && k != "id" {
			continue
		}
		if f, ok := v.(float64); ok {
			fields[k] = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
}

func payloadAs[T model.Payload](fields map[string]any) (model.Payload, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", p.NotificationType(), err)
	}
	if err := validate(&p); err != nil {
		return nil, err
	}
	return p, nil
}
