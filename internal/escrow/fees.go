package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/alfredjeanlab/dealroom/internal/config"
)

// FeePolicy computes the platform fee: max(0, amount*Percent + Fixed).
type FeePolicy struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// DefaultFeePolicy is 6% plus 30.
var DefaultFeePolicy = FeePolicy{
	Percent: decimal.RequireFromString("0.06"),
	Fixed:   decimal.NewFromInt(30),
}

// FeePolicyFromConfig reads the fee settings of cfg.
func FeePolicyFromConfig(cfg *config.Config) FeePolicy {
	return FeePolicy{Percent: cfg.FeePercent, Fixed: cfg.FixedFee}
}

// Quote is an amount with its fee and total.
type Quote struct {
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Total  decimal.Decimal `json:"total"`
}

// Compute returns the quote for amount. The fee is rounded to cents.
func (p FeePolicy) Compute(amount decimal.Decimal) Quote {
	fee := amount.Mul(p.Percent).Add(p.Fixed).Round(2)
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	return Quote{Amount: amount, Fee: fee, Total: amount.Add(fee)}
}
