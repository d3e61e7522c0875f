// Package lightning defines the payment collaborator contract: invoice
// issuance and the stream of settlement notifications. The node backing
// these interfaces (LND or compatible) lives outside this repository; a
// fake implementation is used in tests.
package lightning

import (
	"context"
	"fmt"
	"log/slog"
)

// Invoice is an issued payment request.
type Invoice struct {
	// Bolt11 is the encoded payment request handed to the requester.
	Bolt11 string

	// PaymentHash identifies the payment; it becomes the job's
	// payment-proof hash once settled.
	PaymentHash string

	// AmountMsat is the invoiced amount.
	AmountMsat int64
}

// Issuer creates invoices.
type Issuer interface {
	// Issue creates an invoice for the given amount. The memo travels
	// with the invoice for the payer's benefit only.
	Issue(ctx context.Context, amountMsat int64, memo string) (Invoice, error)
}

// Settlement is a notification that an issued invoice was paid.
type Settlement struct {
	PaymentHash string
	AmountMsat  int64
}

// Settlements streams settled payments.
type Settlements interface {
	// Subscribe returns a channel of settlements. The channel closes
	// when the subscription ends.
	Subscribe(ctx context.Context) (<-chan Settlement, error)
}

// Handler consumes one settlement.
type Handler func(ctx context.Context, paymentHash string, amountMsat int64) error

// Route drains the settlement stream into handle until ctx is cancelled
// or the stream closes. Handler errors are logged, not fatal: one bad
// settlement must not stall the stream behind it.
func Route(ctx context.Context, subs Settlements, handle Handler) error {
	ch, err := subs.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe settlements: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handle(ctx, s.PaymentHash, s.AmountMsat); err != nil {
				slog.Error("settlement handling failed",
					"payment_hash", s.PaymentHash,
					"amount_msat", s.AmountMsat,
					"error", err,
				)
			}
		}
	}
}
