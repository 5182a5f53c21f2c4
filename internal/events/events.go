// Package events carries state changes of the collaboration core to
// presentation and to other processes. Components publish typed events on a
// topic; nothing in the core keeps global mutable state for consumers.
package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Event topic constants
const (
	TopicRoomUnread  = "dealroom.unread.room"
	TopicTotalUnread = "dealroom.unread.total"

	TopicNotificationAlert = "dealroom.notification.alert"

	TopicDeliveryReviewable = "dealroom.delivery.reviewable"
	TopicDeliveryCommitted  = "dealroom.delivery.committed"

	TopicEscrowProcessed = "dealroom.escrow.processed"
	TopicPayoutReleased  = "dealroom.escrow.payout"

	TopicDisputeOpened   = "dealroom.dispute.opened"
	TopicDisputeResolved = "dealroom.dispute.resolved"

	TopicPresenceChanged = "dealroom.presence.changed"

	// TopicAll matches every topic above.
	TopicAll = "dealroom.>"
)

// Event types

type RoomUnreadChanged struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
	// Authoritative is set when the value came from a server counter event
	// rather than local derivation.
	Authoritative bool `json:"authoritative,omitempty"`
}

type TotalUnreadChanged struct {
	Count         int  `json:"count"`
	Authoritative bool `json:"authoritative,omitempty"`
}

// NotificationAlert is emitted once per newly seen notification id.
type NotificationAlert struct {
	Notification model.Notification `json:"notification"`
}

type DeliveryReviewable struct {
	RoomID string `json:"room_id"`
}

type DeliveryCommitted struct {
	RoomID   string          `json:"room_id"`
	Artifact *model.Artifact `json:"artifact"`
}

type EscrowProcessed struct {
	Transaction model.EscrowTransaction `json:"transaction"`
	Method      model.PaymentMethod     `json:"method"`
}

type PayoutReleased struct {
	Payout model.Payout `json:"payout"`
}

type DisputeOpened struct {
	Dispute model.Dispute `json:"dispute"`
}

type DisputeResolved struct {
	TransactionID string    `json:"transaction_id"`
	DisputeID     string    `json:"dispute_id"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

type PresenceChanged struct {
	RoomID string   `json:"room_id"`
	Online []string `json:"online"`
	Typing []string `json:"typing"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
