package model

import "time"

// DisputeStatus is the lifecycle of a dispute.
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
)

// IsValid checks whether the dispute status is a known value.
func (s DisputeStatus) IsValid() bool {
	return s == DisputeStatusOpen || s == DisputeStatusResolved
}

// Dispute is an arbitration request against a transaction.
type Dispute struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	OpenerRole    Role          `json:"opener_role"`
	Reason        string        `json:"reason"`
	Notes         string        `json:"notes,omitempty"`
	Status        DisputeStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}
