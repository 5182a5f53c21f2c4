package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/dealroom/internal/escrow"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

var feesCmd = &cobra.Command{
	Use:   "fees <amount>",
	Short: "Show the service fee and total for an amount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return model.NewValidationError("amount", "not a number: %q", args[0])
		}
		if err := model.ValidateAmount(amount); err != nil {
			return err
		}
		q := escrow.FeePolicyFromConfig(cfg).Compute(amount)
		if jsonOutput {
			printJSON(q)
			return nil
		}
		fmt.Printf("Amount:  %s\n", q.Amount.StringFixed(2))
		fmt.Printf("Fee:     %s\n", q.Fee.StringFixed(2))
		fmt.Printf("Total:   %s\n", q.Total.StringFixed(2))
		return nil
	},
}
