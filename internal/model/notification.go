package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationType tags a notification. The set is closed.
type NotificationType string

const (
	NotifyBidReceived       NotificationType = "bid_received"
	NotifyBidAccepted       NotificationType = "bid_accepted"
	NotifyBidRejected       NotificationType = "bid_rejected"
	NotifyPaymentRequired   NotificationType = "payment_required"
	NotifyChatRoomCreated   NotificationType = "chat_room_created"
	NotifyNewChatMessage    NotificationType = "new_chat_message"
	NotifyBroadcast         NotificationType = "broadcast"
	NotifyDeliverySubmitted NotificationType = "delivery_submitted"
	NotifyDeliveryConfirmed NotificationType = "delivery_confirmed"
	NotifyDisputeOpened     NotificationType = "dispute_opened"
	NotifyDisputeResolved   NotificationType = "dispute_resolved"
	NotifyPayoutReleased    NotificationType = "payout_released"
)

// IsValid checks whether the notification type is a known value.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotifyBidReceived, NotifyBidAccepted, NotifyBidRejected,
		NotifyPaymentRequired, NotifyChatRoomCreated, NotifyNewChatMessage,
		NotifyBroadcast, NotifyDeliverySubmitted, NotifyDeliveryConfirmed,
		NotifyDisputeOpened, NotifyDisputeResolved, NotifyPayoutReleased:
		return true
	}
	return false
}

// Notification is one entry of a user's notification feed. Payload holds
// the canonical, validated body for Type.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title,omitempty"`
	Message   string           `json:"message,omitempty"`
	Payload   Payload          `json:"payload,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// Payload is implemented by every per-kind notification body.
type Payload interface {
	NotificationType() NotificationType
}

// BidRef identifies the bid a bid_* notification is about.
type BidRef struct {
	ItemID    string `json:"item_id" validate:"required"`
	ItemTitle string `json:"item_title,omitempty"`
	BidID     string `json:"bid_id" validate:"required"`
}

type BidReceived struct {
	BidRef
	BidderID string          `json:"bidder_id,omitempty"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
}

type BidAccepted struct {
	BidRef
	RoomID string `json:"room_id,omitempty"`
}

type BidRejected struct {
	BidRef
	Reason string `json:"reason,omitempty"`
}

type PaymentRequired struct {
	ItemID        string          `json:"item_id" validate:"required"`
	ItemTitle     string          `json:"item_title,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
}

type ChatRoomCreated struct {
	RoomID string `json:"room_id" validate:"required"`
	ItemID string `json:"item_id,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

type NewChatMessage struct {
	RoomID    string `json:"room_id" validate:"required"`
	SenderID  string `json:"sender_id" validate:"required"`
	MessageID string `json:"message_id,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

type Broadcast struct {
	Message  string `json:"message" validate:"required"`
	Severity string `json:"severity,omitempty"`
}

type DeliverySubmitted struct {
	RoomID        string `json:"room_id" validate:"required"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type DeliveryConfirmed struct {
	RoomID        string `json:"room_id,omitempty"`
	TransactionID string `json:"transaction_id" validate:"required"`
}

type DisputeOpened struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	DisputeID     string `json:"dispute_id" validate:"required"`
	OpenerRole    Role   `json:"opener_role,omitempty"`
}

type DisputeResolved struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	DisputeID     string `json:"dispute_id" validate:"required"`
	Outcome       string `json:"outcome,omitempty"`
}

type PayoutReleased struct {
	TransactionID string          `json:"transaction_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
}

func (BidReceived) NotificationType() NotificationType       { return NotifyBidReceived }
func (BidAccepted) NotificationType() NotificationType       { return NotifyBidAccepted }
func (BidRejected) NotificationType() NotificationType       { return NotifyBidRejected }
func (PaymentRequired) NotificationType() NotificationType   { return NotifyPaymentRequired }
func (ChatRoomCreated) NotificationType() NotificationType   { return NotifyChatRoomCreated }
func (NewChatMessage) NotificationType() NotificationType    { return NotifyNewChatMessage }
func (Broadcast) NotificationType() NotificationType         { return NotifyBroadcast }
func (DeliverySubmitted) NotificationType() NotificationType { return NotifyDeliverySubmitted }
func (DeliveryConfirmed) NotificationType() NotificationType { return NotifyDeliveryConfirmed }
func (DisputeOpened) NotificationType() NotificationType     { return NotifyDisputeOpened }
func (DisputeResolved) NotificationType() NotificationType   { return NotifyDisputeResolved }
func (PayoutReleased) NotificationType() NotificationType    { return NotifyPayoutReleased }
