package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngagementStage is where a producer/consumer engagement currently sits.
type EngagementStage string

const (
	EngagementPending   EngagementStage = "pending"
	EngagementActive    EngagementStage = "active"
	EngagementDelivered EngagementStage = "delivered"
	EngagementCompleted EngagementStage = "completed"
	EngagementCancelled EngagementStage = "cancelled"
)

// IsValid checks whether the engagement stage is a known value.
func (s EngagementStage) IsValid() bool {
	switch s {
	case EngagementPending, EngagementActive, EngagementDelivered, EngagementCompleted, EngagementCancelled:
		return true
	}
	return false
}

// PaymentMethod selects the payment flow.
type PaymentMethod string

const (
	// PaymentHosted redirects to a hosted checkout page.
	PaymentHosted PaymentMethod = "hosted"
	// PaymentAlternate is a secondary flow the user acknowledges manually.
	PaymentAlternate PaymentMethod = "alternate"
)

// IsValid checks whether the payment method is a known value.
func (m PaymentMethod) IsValid() bool {
	return m == PaymentHosted || m == PaymentAlternate
}

// EscrowStages are the monotonic stage marks of one payment attempt.
type EscrowStages struct {
	Modal     bool `json:"modal"`
	Escrow    bool `json:"escrow"`
	Fees      bool `json:"fees"`
	Processed bool `json:"processed"`
}

// EscrowTransaction is one payment-to-delivery lifecycle.
type EscrowTransaction struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Amount     decimal.Decimal `json:"amount"`
	Fee        decimal.Decimal `json:"fee"`
	Total      decimal.Decimal `json:"total"`
	Stages     EscrowStages    `json:"stages"`
	Engagement EngagementStage `json:"engagement"`
	Confirmed  bool            `json:"confirmed"`
	DisputeRef string          `json:"dispute_ref,omitempty"`
}

// Item is the marketplace listing a payment is made for.
type Item struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Auction        bool             `json:"auction"`
	CurrentBid     *decimal.Decimal `json:"current_bid,omitempty"`
	FixedPrice     *decimal.Decimal `json:"fixed_price,omitempty"`
	EstimatedPrice *decimal.Decimal `json:"estimated_price,omitempty"`
}

// PaymentSessionStatus is reported by the payment collaborator.
type PaymentSessionStatus string

const (
	SessionCreated  PaymentSessionStatus = "created"
	SessionPaid     PaymentSessionStatus = "paid"
	SessionExpired  PaymentSessionStatus = "expired"
	SessionCanceled PaymentSessionStatus = "canceled"
)

// PaymentSession is the handle returned by create-payment-session.
type PaymentSession struct {
	ID            string               `json:"id"`
	TransactionID string               `json:"transaction_id"`
	Method        PaymentMethod        `json:"method"`
	RedirectURL   string               `json:"redirect_url,omitempty"`
	Instructions  string               `json:"instructions,omitempty"`
	Status        PaymentSessionStatus `json:"status"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
}

// Payout is the receipt of a released payment.
type Payout struct {
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	ReleasedAt    time.Time       `json:"released_at"`
}
