package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

// ClaimedJob is a job a worker has taken exclusive ownership of, joined
// with its bound record as of claim time.
type ClaimedJob struct {
	Job    domain.DeliveryJob
	Record domain.DeliveryRecord
}

// ClaimDue atomically claims up to limit due jobs for the given worker.
// FOR UPDATE SKIP LOCKED keeps concurrent pollers from fighting over the
// same rows, and the claimed_at predicate lets claims lost to a crashed
// worker be retaken after the stale window.
func (s *Store) ClaimDue(ctx context.Context, workerID string, limit int) ([]*ClaimedJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT j.id
			FROM delivery_jobs j
			JOIN delivery_records r ON r.id = j.record_id
			WHERE NOT j.disabled
			  AND j.run_at <= NOW()
			  AND r.state = 'pending'
			  AND (j.claimed_at IS NULL OR j.claimed_at < NOW() - ($3 || ' seconds')::interval)
			ORDER BY j.run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_jobs j
		SET claimed_by = $1, claimed_at = NOW(), attempts = j.attempts + 1
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.record_id, j.run_at, j.attempts, COALESCE(j.last_error, ''),
		          COALESCE(j.claimed_by, ''), j.claimed_at, j.disabled`,
		workerID, limit, int(staleClaimAfter.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		var j domain.DeliveryJob
		if err := rows.Scan(&j.ID, &j.RecordID, &j.RunAt, &j.Attempts,
			&j.LastError, &j.ClaimedBy, &j.ClaimedAt, &j.Disabled); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ClaimedJob, 0, len(jobs))
	for _, j := range jobs {
		rec, err := s.Get(ctx, j.RecordID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// record deleted underneath the job; drop the claim
				s.DisableJob(ctx, j.ID)
				continue
			}
			return nil, err
		}
		out = append(out, &ClaimedJob{Job: j, Record: *rec})
	}
	return out, nil
}

// Reschedule releases a claimed job and moves its next run into the
// future after a failed attempt.
func (s *Store) Reschedule(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET run_at = $2, last_error = $3, claimed_by = NULL, claimed_at = NULL
		WHERE id = $1`,
		jobID, runAt, lastError)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// DisableJob takes a job out of rotation permanently. Called when the
// bound record reaches a terminal state.
func (s *Store) DisableJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET disabled = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("disable job: %w", err)
	}
	return nil
}

// CurrentState returns just the record's state. Workers call this
// immediately before the mailer call so a cancellation issued after
// claim is still observed.
func (s *Store) CurrentState(ctx context.Context, recordID string) (domain.DeliveryState, error) {
	var state domain.DeliveryState
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM delivery_records WHERE id = $1`, recordID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("current state: %w", err)
	}
	return state, nil
}

// MarkSent finalizes a successful delivery. The state predicate makes
// repeated claims for the same job a no-op once the record is terminal.
func (s *Store) MarkSent(ctx context.Context, recordID string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = 'sent', sent_at = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`,
		recordID, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkFailed finalizes a failed delivery with an operator-visible error.
func (s *Store) MarkFailed(ctx context.Context, recordID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`,
		recordID, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, recordID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE delivery_records
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'
		RETURNING retry_count`, recordID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotPending
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// EnsureTrackingID assigns candidate as the record's tracking id if none
// is set yet, and returns whichever id the record ends up with. The id
// is assigned at most once over the record's lifetime.
func (s *Store) EnsureTrackingID(ctx context.Context, recordID, candidate string) (string, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records SET tracking_id = $2, updated_at = NOW()
		WHERE id = $1 AND (tracking_id IS NULL OR tracking_id = '')`,
		recordID, candidate)
	if err != nil {
		return "", fmt.Errorf("assign tracking id: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return candidate, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(tracking_id, '') FROM delivery_records WHERE id = $1`,
		recordID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read tracking id: %w", err)
	}
	return existing, nil
}

// SweepAbandoned force-fails pending records whose schedule time is more
// than grace in the past and whose job was never claimed. Returns how
// many records were failed.
func (s *Store) SweepAbandoned(ctx context.Context, grace time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE delivery_records r
		SET state = 'failed',
		    error_message = 'abandoned: no worker claimed the delivery within the grace period',
		    updated_at = NOW()
		FROM delivery_jobs j
		WHERE j.record_id = r.id
		  AND r.state = 'pending'
		  AND r.scheduled_at < NOW() - ($1 || ' seconds')::interval
		  AND NOT j.disabled
		  AND j.claimed_at IS NULL
		RETURNING r.id`, int(grace.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE delivery_jobs SET disabled = TRUE WHERE record_id = ANY($1)`,
			pq.Array(ids))
		if err != nil {
			return 0, fmt.Errorf("disable abandoned jobs: %w", err)
		}
	}

	return int64(len(ids)), tx.Commit()
}
