package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/dealroom/internal/escrow"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/ui"
)

var payCmd = &cobra.Command{
	Use:   "pay <item-id>",
	Short: "Fund escrow for an item",
	Long: `Open a payment for an item, show the fee breakdown and request a payment
session. Hosted sessions print a checkout URL and wait for confirmation;
alternate sessions print instructions to acknowledge.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amountStr, _ := cmd.Flags().GetString("amount")
		method, _ := cmd.Flags().GetString("method")
		country, _ := cmd.Flags().GetString("country")
		txID, _ := cmd.Flags().GetString("transaction")

		target := escrow.Target{Item: model.Item{ID: args[0]}, TransactionID: txID, Country: country}
		if amountStr != "" {
			amount, err := decimal.NewFromString(amountStr)
			if err != nil {
				return model.NewValidationError("amount", "not a number: %q", amountStr)
			}
			target.Amount = &amount
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		w, err := rt.escrows().Open(ctx, target)
		if err != nil {
			return err
		}
		if w.Stage() == escrow.StageProcessed {
			fmt.Println(ui.RenderOK("Transaction " + w.Transaction().ID + " is already processed."))
			return nil
		}
		q, err := w.Quote()
		if err != nil {
			return err
		}
		fmt.Printf("Amount:  %s\nFee:     %s\nTotal:   %s\n", q.Amount.StringFixed(2), q.Fee.StringFixed(2), q.Total.StringFixed(2))

		session, err := w.Submit(ctx, model.PaymentMethod(method))
		if err != nil {
			return err
		}
		if session.RedirectURL != "" {
			fmt.Println("Checkout: " + ui.RenderAccent(session.RedirectURL))
		}
		if session.Instructions != "" {
			fmt.Println(session.Instructions)
		}

		fmt.Print("Press Enter once payment is done (Ctrl-C to cancel): ")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil || ctx.Err() != nil {
			_ = w.Cancel()
			return nil
		}
		if session.Method == model.PaymentAlternate {
			err = w.AcknowledgeAlternate(ctx)
		} else {
			var verified *model.PaymentSession
			if verified, err = w.Verify(ctx); err == nil && verified.Status != model.SessionPaid {
				return fmt.Errorf("payment session %s is %s", verified.ID, verified.Status)
			}
			if err == nil {
				err = w.ConfirmRedirect(ctx)
			}
		}
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderOK("Escrow funded for transaction " + w.Transaction().ID))
		return nil
	},
}

func init() {
	payCmd.Flags().String("amount", "", "amount to pay (defaults to the notification or item price)")
	payCmd.Flags().String("method", string(model.PaymentHosted), "payment method (hosted or alternate)")
	payCmd.Flags().String("country", "", "ISO country code for hosted checkout availability")
	payCmd.Flags().String("transaction", "", "resume a known transaction id")
}
