package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dvm/internal/job"
)

// ParkedSubmission is a submission waiting on an issued invoice. It is
// written when the invoice goes out and deleted once the settled payment
// has admitted the job, so a settlement arriving after a restart can
// still be matched to its request.
type ParkedSubmission struct {
	PaymentHash string
	Requester   string
	Params      job.Params
	Encrypted   bool
	CreatedAt   time.Time
}

// ParkSubmission records a submission keyed by the payment hash of its
// invoice. Parking the same hash again overwrites the previous row; the
// invoice is derived from the request, so the payload is identical.
func (s *Store) ParkSubmission(ctx context.Context, p ParkedSubmission) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("park submission: encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_submissions (payment_hash, requester, params, encrypted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(payment_hash) DO UPDATE SET
			requester = excluded.requester,
			params    = excluded.params,
			encrypted = excluded.encrypted
	`, p.PaymentHash, p.Requester, string(params), boolToInt(p.Encrypted))
	if err != nil {
		return fmt.Errorf("park submission: %w", joinStorage(err))
	}
	return nil
}

// GetParkedSubmission retrieves a parked submission by payment hash.
// Returns ErrNotFound if absent.
func (s *Store) GetParkedSubmission(ctx context.Context, paymentHash string) (ParkedSubmission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, requester, params, encrypted, created_at
		FROM pending_submissions WHERE payment_hash = ?
	`, paymentHash)

	var (
		p         ParkedSubmission
		params    string
		encrypted int
		created   int64
	)
	err := row.Scan(&p.PaymentHash, &p.Requester, &params, &encrypted, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ParkedSubmission{}, ErrNotFound
	}
	if err != nil {
		return ParkedSubmission{}, fmt.Errorf("get parked submission: %w", joinStorage(err))
	}

	if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
		return ParkedSubmission{}, fmt.Errorf("get parked submission: decode params: %w", err)
	}
	p.Encrypted = encrypted != 0
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

// DeleteParkedSubmission removes a parked submission once its payment
// has admitted the job. Deleting an absent row is a no-op.
func (s *Store) DeleteParkedSubmission(ctx context.Context, paymentHash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_submissions WHERE payment_hash = ?`, paymentHash)
	if err != nil {
		return fmt.Errorf("delete parked submission: %w", joinStorage(err))
	}
	return nil
}
