package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// AmountSource names where a payment amount came from.
type AmountSource string

const (
	SourceExplicit AmountSource = "explicit"
	SourceMetadata AmountSource = "metadata"
	SourceItem     AmountSource = "item"
)

// Resolution is the outcome of ResolveAmount. Disagreeing lists the lower
// precedence sources that carried a different amount.
type Resolution struct {
	Amount      decimal.Decimal
	Source      AmountSource
	Disagreeing []AmountSource
}

// ResolveAmount picks the payment amount: an explicit amount wins over
// notification metadata, which wins over the item's own price (current bid
// for auctions, else fixed price, else estimated price). The winning value
// must be positive; a zero or negative winner is not skipped in favour of a
// lower source.
func ResolveAmount(explicit, metadata *decimal.Decimal, item *model.Item) (Resolution, error) {
	type candidate struct {
		source AmountSource
		amount *decimal.Decimal
	}
	candidates := []candidate{
		{SourceExplicit, explicit},
		{SourceMetadata, metadata},
		{SourceItem, itemAmount(item)},
	}

	var res Resolution
	found := false
	for _, c := range candidates {
		if c.amount == nil {
			continue
		}
		if !found {
			res.Amount, res.Source, found = *c.amount, c.source, true
			continue
		}
		if !c.amount.Equal(res.Amount) {
			res.Disagreeing = append(res.Disagreeing, c.source)
		}
	}
	if !found {
		return Resolution{}, model.NewValidationError("amount", "could not be resolved")
	}
	if err := model.ValidateAmount(res.Amount); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func itemAmount(item *model.Item) *decimal.Decimal {
	if item == nil {
		return nil
	}
	if item.Auction && item.CurrentBid != nil {
		return item.CurrentBid
	}
	if item.FixedPrice != nil {
		return item.FixedPrice
	}
	return item.EstimatedPrice
}
