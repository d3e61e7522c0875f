// Package ledger is the accounting surface for pre-paid balances and
// settled payments. Admission-path money movement (atomic debit plus job
// insert) lives in the store; this service covers everything around it:
// deposits, operator credits, and balance inspection.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/dvm/internal/store"
)

// Service provides account operations on top of the durable store.
type Service struct {
	store *store.Store
}

// New creates a Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Deposit credits an account from a settled inbound payment (a zap
// receipt). The settlement record and the credit commit together;
// replaying the same payment hash is rejected and credits nothing.
func (s *Service) Deposit(ctx context.Context, account, paymentHash string, amountMsat int64, memo string) error {
	err := s.store.SettleAndCredit(ctx, store.Payment{
		PaymentHash: paymentHash,
		Account:     account,
		AmountMsat:  amountMsat,
		Request:     memo,
	})
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	slog.Info("balance deposit",
		"account", account,
		"amount_msat", amountMsat,
		"payment_hash", paymentHash,
	)
	return nil
}

// Credit adds funds to an account without a payment record. Operator
// use only.
func (s *Service) Credit(ctx context.Context, account string, amountMsat int64) error {
	if err := s.store.Credit(ctx, account, amountMsat); err != nil {
		return err
	}
	slog.Info("balance credit", "account", account, "amount_msat", amountMsat)
	return nil
}

// Balance returns the account's balance in msat. Unknown accounts have a
// zero balance, not an error.
func (s *Service) Balance(ctx context.Context, account string) (int64, error) {
	b, err := s.store.GetBalance(ctx, account)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.BalanceMsat, nil
}
