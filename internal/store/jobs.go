package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dvm/internal/job"
)

const jobColumns = `id, request_hash, payment_hash, requester, url, function,
	input, checksum, time_budget_ms, status, trigger_kind, funding,
	amount_msat, encrypted, scheduled_at, result, failure, created_at, updated_at`

// InsertJob inserts an admitted job in awaiting_trigger state.
//
// Uniqueness of request_hash and payment_hash is enforced by the schema;
// violations surface as ErrDuplicateJob / ErrDuplicatePayment. A
// non-future scheduled_at surfaces as ErrPastSchedule. On success the
// job's ID and timestamps are populated.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	defer tx.Rollback()

	if err := insertJobTx(ctx, tx, j); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert job: commit: %w", joinStorage(err))
	}
	return nil
}

// InsertJobLinked inserts the job and its event link in one transaction.
// Either the job exists with its link, or nothing happened; an attested
// job can never be admitted without the row that lets its attestation
// find it.
func (s *Store) InsertJobLinked(ctx context.Context, j *job.Job, eventID int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("insert linked job: %w", err)
	}
	defer tx.Rollback()

	if err := insertJobTx(ctx, tx, j); err != nil {
		return fmt.Errorf("insert linked job: %w", err)
	}

	if err := linkJobTx(ctx, tx, j.ID, eventID); err != nil {
		return fmt.Errorf("insert linked job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert linked job: commit: %w", joinStorage(err))
	}
	return nil
}

// DebitAndInsertJob atomically debits the requester's balance and inserts
// the job. Either the job exists and the balance reflects the debit, or
// neither happened. Returns ErrInsufficientFunds without any state change
// when the balance cannot cover the amount.
func (s *Store) DebitAndInsertJob(ctx context.Context, account string, j *job.Job) error {
	return s.debitAndInsert(ctx, account, j, 0)
}

// DebitAndInsertJobLinked is DebitAndInsertJob with the event link in
// the same transaction.
func (s *Store) DebitAndInsertJobLinked(ctx context.Context, account string, j *job.Job, eventID int64) error {
	return s.debitAndInsert(ctx, account, j, eventID)
}

func (s *Store) debitAndInsert(ctx context.Context, account string, j *job.Job, eventID int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("debit and insert job: %w", err)
	}
	defer tx.Rollback()

	if err := debitTx(ctx, tx, account, j.AmountMsat); err != nil {
		return fmt.Errorf("debit and insert job: %w", err)
	}

	if err := insertJobTx(ctx, tx, j); err != nil {
		return fmt.Errorf("debit and insert job: %w", err)
	}

	if eventID != 0 {
		if err := linkJobTx(ctx, tx, j.ID, eventID); err != nil {
			return fmt.Errorf("debit and insert job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("debit and insert job: commit: %w", joinStorage(err))
	}
	return nil
}

func insertJobTx(ctx context.Context, tx *sql.Tx, j *job.Job) error {
	var scheduledAt any
	if j.ScheduledAt != nil {
		scheduledAt = j.ScheduledAt.Unix()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs
		(request_hash, payment_hash, requester, url, function, input,
		 checksum, time_budget_ms, status, trigger_kind, funding,
		 amount_msat, encrypted, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.RequestHash,
		j.PaymentHash,
		j.Requester,
		j.Params.URL,
		j.Params.Function,
		j.Params.Input,
		j.Params.Checksum,
		j.Params.Time,
		string(job.StatusAwaitingTrigger),
		string(j.Trigger),
		string(j.Funding),
		j.AmountMsat,
		boolToInt(j.Encrypted),
		scheduledAt,
	)
	if err != nil {
		return mapJobInsertErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return joinStorage(err)
	}
	j.ID = id
	j.Status = job.StatusAwaitingTrigger

	// Read back the schema-assigned timestamps.
	row := tx.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM jobs WHERE id = ?`, id)
	var created, updated int64
	if err := row.Scan(&created, &updated); err != nil {
		return joinStorage(err)
	}
	j.CreatedAt = time.Unix(created, 0).UTC()
	j.UpdatedAt = time.Unix(updated, 0).UTC()
	return nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
func (s *Store) GetJob(ctx context.Context, id int64) (job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobByPaymentHash retrieves a job by its payment-proof hash.
// Returns ErrNotFound if absent.
func (s *Store) GetJobByPaymentHash(ctx context.Context, hash string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE payment_hash = ?`, hash)
	return scanJob(row)
}

// GetJobByRequestHash retrieves a job by its canonical request hash.
// Returns ErrNotFound if absent.
func (s *Store) GetJobByRequestHash(ctx context.Context, hash string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE request_hash = ?`, hash)
	return scanJob(row)
}

// ClaimForExecution transitions a job awaiting_trigger -> executing.
//
// This is the sole mutual-exclusion point for exactly-once execution: the
// conditional UPDATE succeeds for at most one caller; every racer that
// observes the state already changed gets claimed=false and must no-op.
func (s *Store) ClaimForExecution(ctx context.Context, id int64) (claimed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?
		WHERE id = ? AND status = ?
	`, string(job.StatusExecuting), id, string(job.StatusAwaitingTrigger))
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, joinStorage(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, joinStorage(err))
	}
	return n == 1, nil
}

// CompleteJob records the executor's output and moves the job to its
// terminal completed state. The result is attached exactly once; a second
// call is rejected because the job is no longer executing.
func (s *Store) CompleteJob(ctx context.Context, id int64, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?
		WHERE id = ? AND status = ?
	`, string(job.StatusCompleted), result, id, string(job.StatusExecuting))
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, joinStorage(err))
	}
	return requireOneRow(res, id)
}

// FailJob records the failure reason and moves the job to failed.
func (s *Store) FailJob(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failure = ?
		WHERE id = ? AND status = ?
	`, string(job.StatusFailed), reason, id, string(job.StatusExecuting))
	if err != nil {
		return fmt.Errorf("fail job %d: %w", id, joinStorage(err))
	}
	return requireOneRow(res, id)
}

// FailAndRefundJob atomically records the failure, moves the job to
// refunded, and credits the debited amount back to the account. Used for
// pre-paid jobs only; pay-per-use failures keep the payment.
func (s *Store) FailAndRefundJob(ctx context.Context, id int64, account string, amountMsat int64, reason string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("refund job %d: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failure = ?
		WHERE id = ? AND status = ?
	`, string(job.StatusRefunded), reason, id, string(job.StatusExecuting))
	if err != nil {
		return fmt.Errorf("refund job %d: %w", id, joinStorage(err))
	}
	if err := requireOneRow(res, id); err != nil {
		return err
	}

	if err := creditTx(ctx, tx, account, amountMsat); err != nil {
		return fmt.Errorf("refund job %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("refund job %d: commit: %w", id, joinStorage(err))
	}
	return nil
}

// DueScheduledJobs returns scheduled jobs still awaiting their trigger
// whose run date is at or before now. Used on startup so that schedules
// that passed while the process was down fire immediately instead of
// being lost.
func (s *Store) DueScheduledJobs(ctx context.Context, now time.Time) ([]job.Job, error) {
	return s.scheduledJobs(ctx, `AND scheduled_at <= ?`, now.Unix())
}

// PendingScheduledJobs returns every scheduled job still awaiting its
// trigger, due or not. Used to seed the schedule wheel on startup.
func (s *Store) PendingScheduledJobs(ctx context.Context) ([]job.Job, error) {
	return s.scheduledJobs(ctx, ``)
}

func (s *Store) scheduledJobs(ctx context.Context, extra string, args ...any) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? AND trigger_kind = ? ` + extra + `
		ORDER BY scheduled_at ASC, id ASC`
	queryArgs := append([]any{
		string(job.StatusAwaitingTrigger),
		string(job.TriggerScheduled),
	}, args...)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("scheduled jobs: %w", joinStorage(err))
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled jobs: %w", joinStorage(err))
	}
	return jobs, nil
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return joinStorage(err)
	}
	if n != 1 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var (
		j           job.Job
		status      string
		trigger     string
		funding     string
		encrypted   int
		scheduledAt sql.NullInt64
		result      sql.NullString
		failure     sql.NullString
		created     int64
		updated     int64
	)

	err := row.Scan(
		&j.ID,
		&j.RequestHash,
		&j.PaymentHash,
		&j.Requester,
		&j.Params.URL,
		&j.Params.Function,
		&j.Params.Input,
		&j.Params.Checksum,
		&j.Params.Time,
		&status,
		&trigger,
		&funding,
		&j.AmountMsat,
		&encrypted,
		&scheduledAt,
		&result,
		&failure,
		&created,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("scan job: %w", joinStorage(err))
	}

	j.Status = job.Status(status)
	j.Trigger = job.Trigger(trigger)
	j.Funding = job.Funding(funding)
	j.Encrypted = encrypted != 0
	if scheduledAt.Valid {
		t := time.Unix(scheduledAt.Int64, 0).UTC()
		j.ScheduledAt = &t
		j.Params.Schedule = &job.Schedule{RunDate: scheduledAt.Int64}
	}
	if result.Valid {
		j.Result = &result.String
	}
	if failure.Valid {
		j.Failure = &failure.String
	}
	j.CreatedAt = time.Unix(created, 0).UTC()
	j.UpdatedAt = time.Unix(updated, 0).UTC()
	return j, nil
}
