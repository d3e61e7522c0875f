package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Balance is a pre-paid account row. The schema guarantees the balance
// never goes negative.
type Balance struct {
	Account     string
	BalanceMsat int64
	CreatedAt   time.Time
}

// Payment is a settled payment row. A payment funds at most one job; the
// payment hash shares an identity space with jobs.payment_hash.
type Payment struct {
	PaymentHash string
	Account     string
	AmountMsat  int64
	Request     string
	ResultID    *string
	CreatedAt   time.Time
}

// EnsureAccount creates a zero-balance account if one does not exist.
func (s *Store) EnsureAccount(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (account) VALUES (?)
		ON CONFLICT(account) DO NOTHING
	`, account)
	if err != nil {
		return fmt.Errorf("ensure account: %w", joinStorage(err))
	}
	return nil
}

// GetBalance returns the account row. Returns ErrNotFound if the account
// has never been credited.
func (s *Store) GetBalance(ctx context.Context, account string) (Balance, error) {
	var (
		b       Balance
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account, balance_msat, created_at FROM balances WHERE account = ?
	`, account).Scan(&b.Account, &b.BalanceMsat, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", joinStorage(err))
	}
	b.CreatedAt = time.Unix(created, 0).UTC()
	return b, nil
}

// Credit atomically increments an account's balance, creating the account
// if needed. Never fails except on storage faults.
func (s *Store) Credit(ctx context.Context, account string, amountMsat int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	defer tx.Rollback()

	if err := creditTx(ctx, tx, account, amountMsat); err != nil {
		return fmt.Errorf("credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credit: commit: %w", joinStorage(err))
	}
	return nil
}

// Debit atomically decrements an account's balance. Returns
// ErrInsufficientFunds, with no state change, if the balance cannot cover
// the amount. The guarded UPDATE re-checks the balance inside the
// statement, so concurrent debits can never both pass a stale check.
func (s *Store) Debit(ctx context.Context, account string, amountMsat int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	defer tx.Rollback()

	if err := debitTx(ctx, tx, account, amountMsat); err != nil {
		return fmt.Errorf("debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("debit: commit: %w", joinStorage(err))
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, account string, amountMsat int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account, balance_msat) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET balance_msat = balance_msat + ?
	`, account, amountMsat, amountMsat)
	if err != nil {
		return joinStorage(err)
	}
	return nil
}

func debitTx(ctx context.Context, tx *sql.Tx, account string, amountMsat int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET balance_msat = balance_msat - ?
		WHERE account = ? AND balance_msat >= ?
	`, amountMsat, account, amountMsat)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return joinStorage(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return joinStorage(err)
	}
	if n != 1 {
		return ErrInsufficientFunds
	}
	return nil
}

// RecordSettlement records a settled payment. Returns ErrDuplicatePayment
// if the hash was already recorded - this is what prevents one Lightning
// payment from funding two jobs.
func (s *Store) RecordSettlement(ctx context.Context, p Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_hash, account, amount_msat, request)
		VALUES (?, ?, ?, ?)
	`, p.PaymentHash, p.Account, p.AmountMsat, p.Request)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("record settlement: %w", joinStorage(err))
	}
	return nil
}

// SettleAndCredit records a settlement and credits the linked account in
// one transaction. Used for balance deposits (zap receipts).
func (s *Store) SettleAndCredit(ctx context.Context, p Payment) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("settle and credit: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (payment_hash, account, amount_msat, request)
		VALUES (?, ?, ?, ?)
	`, p.PaymentHash, p.Account, p.AmountMsat, p.Request)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("settle and credit: %w", joinStorage(err))
	}

	if err := creditTx(ctx, tx, p.Account, p.AmountMsat); err != nil {
		return fmt.Errorf("settle and credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settle and credit: commit: %w", joinStorage(err))
	}
	return nil
}

// GetSettlement returns a settled payment by hash. Returns ErrNotFound if
// no settlement with that hash exists.
func (s *Store) GetSettlement(ctx context.Context, paymentHash string) (Payment, error) {
	var (
		p        Payment
		resultID sql.NullString
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, account, amount_msat, request, result_id, created_at
		FROM payments WHERE payment_hash = ?
	`, paymentHash).Scan(&p.PaymentHash, &p.Account, &p.AmountMsat, &p.Request, &resultID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get settlement: %w", joinStorage(err))
	}
	if resultID.Valid {
		p.ResultID = &resultID.String
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

// SetSettlementResult links the published result identifier to the
// settlement that funded it.
func (s *Store) SetSettlementResult(ctx context.Context, paymentHash, resultID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET result_id = ? WHERE payment_hash = ?
	`, resultID, paymentHash)
	if err != nil {
		return fmt.Errorf("set settlement result: %w", joinStorage(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return joinStorage(err)
	}
	if n != 1 {
		return fmt.Errorf("settlement %s: %w", paymentHash, ErrNotFound)
	}
	return nil
}
