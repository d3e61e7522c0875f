package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Event is an announced oracle event. Outcome and Signature are nil until
// attested; the schema guarantees they are set at most once.
type Event struct {
	ID         int64
	Name       string
	IsEnum     bool
	Outcome    *string
	Signature  []byte
	AttestedAt *time.Time
	Nonces     [][]byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InsertEvent creates an oracle event with its nonces (one per outcome
// position, in index order). Returns ErrDuplicateEventName if the name is
// taken.
func (s *Store) InsertEvent(ctx context.Context, name string, isEnum bool, nonces [][]byte) (int64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (name, is_enum) VALUES (?, ?)
	`, name, boolToInt(isEnum))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateEventName
		}
		return 0, fmt.Errorf("insert event: %w", joinStorage(err))
	}

	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", joinStorage(err))
	}

	for i, nonce := range nonces {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_nonces (event_id, idx, nonce) VALUES (?, ?, ?)
		`, eventID, i, nonce)
		if err != nil {
			return 0, fmt.Errorf("insert event nonce %d: %w", i, joinStorage(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert event: commit: %w", joinStorage(err))
	}
	return eventID, nil
}

// GetEventByName returns the event and its nonces in index order.
// Returns ErrUnknownEvent if no event with that name exists.
func (s *Store) GetEventByName(ctx context.Context, name string) (Event, error) {
	var (
		e          Event
		isEnum     int
		outcome    sql.NullString
		signature  []byte
		attestedAt sql.NullInt64
		created    int64
		updated    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_enum, outcome, signature, attested_at, created_at, updated_at
		FROM events WHERE name = ?
	`, name).Scan(&e.ID, &e.Name, &isEnum, &outcome, &signature, &attestedAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrUnknownEvent
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", joinStorage(err))
	}

	e.IsEnum = isEnum != 0
	if outcome.Valid {
		e.Outcome = &outcome.String
	}
	e.Signature = signature
	if attestedAt.Valid {
		t := time.Unix(attestedAt.Int64, 0).UTC()
		e.AttestedAt = &t
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.UpdatedAt = time.Unix(updated, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT nonce FROM event_nonces WHERE event_id = ? ORDER BY idx ASC
	`, e.ID)
	if err != nil {
		return Event{}, fmt.Errorf("get event nonces: %w", joinStorage(err))
	}
	defer rows.Close()

	for rows.Next() {
		var nonce []byte
		if err := rows.Scan(&nonce); err != nil {
			return Event{}, fmt.Errorf("scan nonce: %w", joinStorage(err))
		}
		e.Nonces = append(e.Nonces, nonce)
	}
	if err := rows.Err(); err != nil {
		return Event{}, fmt.Errorf("get event nonces: %w", joinStorage(err))
	}
	return e, nil
}

// AttestEvent records the signed outcome for an event, exactly once.
//
// The guarded UPDATE only matches an unattested row; when it matches
// nothing the name is disambiguated into ErrAlreadyAttested or
// ErrUnknownEvent. The schema's write-once trigger backstops any path
// that tries to update an attested row directly.
func (s *Store) AttestEvent(ctx context.Context, name, outcome string, signature []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET outcome = ?, signature = ?, attested_at = ?
		WHERE name = ? AND outcome IS NULL
	`, outcome, signature, at.Unix(), name)
	if err != nil {
		if isTriggerAbort(err, "already attested") {
			return ErrAlreadyAttested
		}
		return fmt.Errorf("attest event: %w", joinStorage(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attest event: %w", joinStorage(err))
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("attest event: %w", joinStorage(err))
	}
	if exists == 0 {
		return ErrUnknownEvent
	}
	return ErrAlreadyAttested
}

// LinkJobToEvent records that a job waits on an event's attestation.
// A job links to exactly one event; a second link returns
// ErrDuplicateLink.
func (s *Store) LinkJobToEvent(ctx context.Context, jobID, eventID int64) error {
	if err := linkJobTx(ctx, s.db, jobID, eventID); err != nil {
		return err
	}
	return nil
}

// execer covers both *sql.DB and *sql.Tx so the link insert can run
// standalone or inside the admission transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func linkJobTx(ctx context.Context, ex execer, jobID, eventID int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO event_jobs (job_id, event_id) VALUES (?, ?)
	`, jobID, eventID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLink
		}
		return fmt.Errorf("link job to event: %w", joinStorage(err))
	}
	return nil
}

// UnfiredAttestedJobs returns jobs still awaiting their trigger whose
// gating event has already attested, in link-creation order. Covers
// attestations recorded by another process (the operator CLI) and
// crashes between the attestation write and the fan-out.
func (s *Store) UnfiredAttestedJobs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id
		FROM jobs j
		JOIN event_jobs ej ON ej.job_id = j.id
		JOIN events e ON e.id = ej.event_id
		WHERE j.status = 'awaiting_trigger' AND e.outcome IS NOT NULL
		ORDER BY ej.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("unfired attested jobs: %w", joinStorage(err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", joinStorage(err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unfired attested jobs: %w", joinStorage(err))
	}
	return ids, nil
}

// JobsForEvent returns the IDs of all jobs gated by the event, in
// link-creation order. Attestation fan-out iterates this deterministically.
func (s *Store) JobsForEvent(ctx context.Context, eventID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM event_jobs
		WHERE event_id = ?
		ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("jobs for event: %w", joinStorage(err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", joinStorage(err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs for event: %w", joinStorage(err))
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
