// Package client provides the interface the collaboration core uses to reach
// the marketplace API and an HTTP/JSON implementation of it. Every failure is
// mapped onto the model error taxonomy.
package client

import (
	"context"
	"io"

	"github.com/shopspring/decimal"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// API is the external collaborator behind snapshot fetches and mutating
// calls. It is implemented by HTTPClient.
type API interface {
	// Snapshots (idempotent reads)
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	ListNotifications(ctx context.Context) ([]model.Notification, error)
	RoomUnreadCount(ctx context.Context, roomID string) (int, error)
	TotalUnreadCount(ctx context.Context) (int, error)
	GetDelivery(ctx context.Context, roomID string) (*model.DeliveryRecord, error)

	// Chat
	SendMessage(ctx context.Context, req *SendMessageRequest) (*model.Message, error)
	UploadFile(ctx context.Context, req *UploadFileRequest) (*model.Message, error)
	MarkRead(ctx context.Context, roomID, messageID string) error
	MarkNotificationRead(ctx context.Context, notificationID string) error

	// Delivery
	SubmitReferenceLink(ctx context.Context, req *ReferenceLinkRequest) (*model.DeliveryRecord, error)
	RequestUploadHandle(ctx context.Context, req *UploadHandleRequest) (*model.UploadHandle, error)
	CommitUpload(ctx context.Context, req *CommitUploadRequest) (*model.Artifact, error)

	// Escrow
	CreatePaymentSession(ctx context.Context, req *PaymentSessionRequest) (*model.PaymentSession, error)
	VerifyPaymentSession(ctx context.Context, sessionID string) (*model.PaymentSession, error)
	ConfirmDelivery(ctx context.Context, transactionID string) error
	OpenDispute(ctx context.Context, req *OpenDisputeRequest) (*model.Dispute, error)
	ConfirmPayout(ctx context.Context, req *PayoutRequest) (*model.Payout, error)

	// Lifecycle
	Close() error
}

// SendMessageRequest holds parameters for sending a chat message.
type SendMessageRequest struct {
	RoomID         string `json:"-"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"-"`
}

// UploadFileRequest holds a chat attachment. Size is the declared length of
// Body and is checked against the attachment ceiling before any request.
type UploadFileRequest struct {
	RoomID      string
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ReferenceLinkRequest submits the reference link of a delivery. Credential
// is the auxiliary token for private references.
type ReferenceLinkRequest struct {
	RoomID     string `json:"-"`
	URL        string `json:"url"`
	Credential string `json:"credential,omitempty"`
}

// UploadHandleRequest asks for a write handle for an artifact.
type UploadHandleRequest struct {
	RoomID      string `json:"-"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// CommitUploadRequest records artifact metadata after a successful transfer.
type CommitUploadRequest struct {
	RoomID      string   `json:"-"`
	ObjectKey   string   `json:"object_key"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	ContentType string   `json:"content_type,omitempty"`
	Structure   []string `json:"structure,omitempty"`
}

// PaymentSessionRequest creates a hosted or alternate payment session.
type PaymentSessionRequest struct {
	TransactionID  string              `json:"transaction_id"`
	ItemID         string              `json:"item_id"`
	Amount         decimal.Decimal     `json:"amount"`
	Fee            decimal.Decimal     `json:"fee"`
	Total          decimal.Decimal     `json:"total"`
	Method         model.PaymentMethod `json:"method"`
	Country        string              `json:"country,omitempty"`
	IdempotencyKey string              `json:"-"`
}

// OpenDisputeRequest opens a dispute on a transaction.
type OpenDisputeRequest struct {
	TransactionID string     `json:"-"`
	OpenerRole    model.Role `json:"opener_role"`
	Reason        string     `json:"reason"`
	Notes         string     `json:"notes,omitempty"`
}

// PayoutRequest releases escrowed funds for a transaction.
type PayoutRequest struct {
	TransactionID  string `json:"-"`
	IdempotencyKey string `json:"-"`
}
