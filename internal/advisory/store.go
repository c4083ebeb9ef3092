// Package advisory resolves advisory references against the advisory
// store the dashboard writes to. Advisories are authored upstream with
// a loose schema, so documents come back as generic maps.
package advisory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

// ErrNotFound is returned when the referenced advisory does not exist.
// Workers treat it as non-retryable.
var ErrNotFound = errors.New("advisory not found")

// Lookup resolves an advisory reference to its document.
type Lookup interface {
	Get(ctx context.Context, ref string) (domain.AdvisoryView, error)
}

// Store reads advisory documents from Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates an advisory store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get fetches the advisory document for ref.
func (s *Store) Get(ctx context.Context, ref string) (domain.AdvisoryView, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM advisories WHERE ref = $1`, ref).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get advisory %s: %w", ref, err)
	}

	var view domain.AdvisoryView
	if err := json.Unmarshal(doc, &view); err != nil {
		return nil, fmt.Errorf("decode advisory %s: %w", ref, err)
	}
	return view, nil
}
