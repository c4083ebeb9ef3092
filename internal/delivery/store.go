package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("delivery record not found")
	// ErrNotPending is returned when a mutation requires a pending record.
	ErrNotPending = errors.New("delivery record is not pending")
	// ErrPastSchedule is returned when scheduledAt is not strictly in the future.
	ErrPastSchedule = errors.New("scheduled time must be in the future")
	// ErrNoRecipients is returned when the to-list is empty.
	ErrNoRecipients = errors.New("at least one recipient is required")
	// ErrDeleteRestricted is returned when deleting a non-pending record
	// without elevated privilege.
	ErrDeleteRestricted = errors.New("only pending records can be deleted")
)

// claims older than this are considered lost (worker crash) and may be
// re-claimed on a later poll
const staleClaimAfter = 10 * time.Minute

// Store persists delivery records and their jobs in Postgres. All state
// transitions are conditional single-row updates so claims stay exclusive
// across processes.
type Store struct {
	db *sql.DB
}

// NewStore creates a delivery store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ValidateScheduleTime rejects schedule times that are not strictly in
// the future.
func ValidateScheduleTime(t time.Time) error {
	if !t.After(time.Now()) {
		return ErrPastSchedule
	}
	return nil
}

// NormalizeRecipients trims, lowercases and deduplicates an address list,
// preserving first-seen order.
func NormalizeRecipients(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// Create validates and persists a new pending record plus its bound job.
func (s *Store) Create(ctx context.Context, rec *domain.DeliveryRecord) error {
	rec.To = NormalizeRecipients(rec.To)
	rec.Cc = NormalizeRecipients(rec.Cc)
	rec.Bcc = NormalizeRecipients(rec.Bcc)

	if len(rec.To) == 0 {
		return ErrNoRecipients
	}
	if err := ValidateScheduleTime(rec.ScheduledAt); err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.State = domain.DeliveryPending
	rec.RetryCount = 0
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_records
			(id, advisory_ref, recipients_to, recipients_cc, recipients_bcc,
			 subject, operator_message, scheduled_at, state, retry_count,
			 created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $11)`,
		rec.ID, rec.AdvisoryRef, pq.Array(rec.To), pq.Array(rec.Cc), pq.Array(rec.Bcc),
		rec.Subject, rec.OperatorMessage, rec.ScheduledAt, rec.State,
		rec.CreatedBy, now)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_jobs (id, record_id, run_at, attempts, disabled)
		VALUES ($1, $2, $3, 0, FALSE)`,
		uuid.New().String(), rec.ID, rec.ScheduledAt)
	if err != nil {
		return fmt.Errorf("insert delivery job: %w", err)
	}

	return tx.Commit()
}

const recordColumns = `
	id, advisory_ref, recipients_to, recipients_cc, recipients_bcc,
	subject, operator_message, scheduled_at, state, retry_count,
	COALESCE(error_message, ''), sent_at, COALESCE(tracking_id, ''),
	created_by, created_at, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	err := row.Scan(
		&rec.ID, &rec.AdvisoryRef,
		pq.Array(&rec.To), pq.Array(&rec.Cc), pq.Array(&rec.Bcc),
		&rec.Subject, &rec.OperatorMessage, &rec.ScheduledAt, &rec.State,
		&rec.RetryCount, &rec.ErrorMessage, &rec.SentAt, &rec.TrackingID,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get fetches a single record by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery record: %w", err)
	}
	return rec, nil
}

// UpdateParams carries the caller-mutable fields of a pending record.
// Nil fields are left unchanged.
type UpdateParams struct {
	To              []string
	Cc              []string
	Bcc             []string
	Subject         *string
	OperatorMessage *string
	ScheduledAt     *time.Time
}

// Update mutates a pending record. Non-pending records are rejected; a
// new schedule time must be strictly future and also advances the job.
func (s *Store) Update(ctx context.Context, id string, p UpdateParams) (*domain.DeliveryRecord, error) {
	if p.ScheduledAt != nil {
		if err := ValidateScheduleTime(*p.ScheduledAt); err != nil {
			return nil, err
		}
	}
	if p.To != nil {
		p.To = NormalizeRecipients(p.To)
		if len(p.To) == 0 {
			return nil, ErrNoRecipients
		}
	}
	if p.Cc != nil {
		p.Cc = NormalizeRecipients(p.Cc)
	}
	if p.Bcc != nil {
		p.Bcc = NormalizeRecipients(p.Bcc)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records SET
			recipients_to   = COALESCE($2, recipients_to),
			recipients_cc   = COALESCE($3, recipients_cc),
			recipients_bcc  = COALESCE($4, recipients_bcc),
			subject         = COALESCE($5, subject),
			operator_message = COALESCE($6, operator_message),
			scheduled_at    = COALESCE($7, scheduled_at),
			updated_at      = NOW()
		WHERE id = $1 AND state = 'pending'`,
		id, toArray(p.To), toArray(p.Cc), toArray(p.Bcc),
		p.Subject, p.OperatorMessage, p.ScheduledAt)
	if err != nil {
		return nil, fmt.Errorf("update delivery record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish missing from non-pending for the caller.
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM delivery_records WHERE id = $1`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check delivery record state: %w", err)
		}
		return nil, ErrNotPending
	}

	if p.ScheduledAt != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE delivery_jobs SET run_at = $2
			WHERE record_id = $1 AND NOT disabled`,
			id, *p.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("advance delivery job: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("reload delivery record: %w", err)
	}
	return rec, tx.Commit()
}

// toArray converts a nil-able slice into a driver value where nil means
// "leave unchanged" for the COALESCE update above.
func toArray(v []string) interface{} {
	if v == nil {
		return nil
	}
	return pq.Array(v)
}

// Cancel transitions a pending record to cancelled and disables its job.
// A worker that has already claimed the job re-checks the record state
// before sending, so cancellation is observed mid-flight.
func (s *Store) Cancel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records SET state = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("cancel delivery record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM delivery_records WHERE id = $1`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check delivery record state: %w", err)
		}
		return ErrNotPending
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE delivery_jobs SET disabled = TRUE WHERE record_id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable delivery job: %w", err)
	}

	return tx.Commit()
}

// Delete removes a record. Ordinary callers may only delete pending
// records; elevated callers may delete terminal ones as well.
func (s *Store) Delete(ctx context.Context, id string, elevated bool) error {
	var res sql.Result
	var err error
	if elevated {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM delivery_records WHERE id = $1`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM delivery_records WHERE id = $1 AND state = 'pending'`, id)
	}
	if err != nil {
		return fmt.Errorf("delete delivery record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrDeleteRestricted
	}
	return nil
}

// ListFilter selects and pages delivery records.
type ListFilter struct {
	State domain.DeliveryState
	Page  int
	Limit int
}

// List returns records newest-first with the total match count.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*domain.DeliveryRecord, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Page < 1 {
		f.Page = 1
	}

	where := ""
	args := []interface{}{}
	if f.State != "" {
		where = "WHERE state = $1"
		args = append(args, f.State)
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_records `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count delivery records: %w", err)
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM delivery_records %s
		ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list delivery records: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan delivery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ListDue returns pending records whose schedule time has passed. Used
// by the management API; workers claim jobs instead.
func (s *Store) ListDue(ctx context.Context, limit int) ([]*domain.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM delivery_records
		WHERE state = 'pending' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due records: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
