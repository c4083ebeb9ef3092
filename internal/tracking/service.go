// Package tracking owns engagement tracking: identifier issuance, event
// ingestion with deduplication, per-record metrics, analytics queries and
// retention. Beacon and link hits must never surface errors to mail
// clients, so ingestion failures degrade to "not accepted".
package tracking

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/inteldesk/advisory-notifier/internal/domain"
	"github.com/inteldesk/advisory-notifier/internal/pkg/logger"
)

// Service issues tracking identifiers and records engagement events.
type Service struct {
	db      *sql.DB
	baseURL string
}

// NewService creates a tracking service. baseURL is the public origin
// the pixel and link URLs are built on.
func NewService(db *sql.DB, baseURL string) *Service {
	return &Service{db: db, baseURL: strings.TrimRight(baseURL, "/")}
}

// Issued is the result of issuing a tracking identifier: the id itself,
// the beacon URL to embed, and a rewriter for outbound links.
type Issued struct {
	TrackingID  string
	BeaconURL   string
	RewriteLink func(rawURL, linkID string) string
}

// Issue creates a tracking record for one email/recipient pair and
// returns the handles the renderer embeds. Identifier uniqueness is
// enforced by the store's primary key; collisions retry with a fresh id.
func (s *Service) Issue(ctx context.Context, emailID, recipientEmail string, opts domain.TrackingOptions) (*Issued, error) {
	var trackingID string
	for attempt := 0; ; attempt++ {
		trackingID = generateTrackingID(emailID, recipientEmail)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tracking_records
				(tracking_id, email_id, recipient_email,
				 track_opens, track_clicks, track_device, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
			trackingID, emailID, recipientEmail,
			opts.TrackOpens, opts.TrackClicks, opts.TrackDevice)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < 3 {
			continue
		}
		return nil, fmt.Errorf("insert tracking record: %w", err)
	}

	return &Issued{
		TrackingID:  trackingID,
		BeaconURL:   s.beaconURL(trackingID),
		RewriteLink: s.linkRewriter(trackingID),
	}, nil
}

// HandlesFor rebuilds the embed handles for an already-issued id, e.g.
// when a retry re-renders a record that was assigned its tracking id on
// an earlier attempt.
func (s *Service) HandlesFor(trackingID string) *Issued {
	return &Issued{
		TrackingID:  trackingID,
		BeaconURL:   s.beaconURL(trackingID),
		RewriteLink: s.linkRewriter(trackingID),
	}
}

func (s *Service) beaconURL(trackingID string) string {
	return fmt.Sprintf("%s/track/pixel?t=%s&r=%s",
		s.baseURL, url.QueryEscape(trackingID), cacheBuster())
}

func (s *Service) linkRewriter(trackingID string) func(rawURL, linkID string) string {
	return func(rawURL, linkID string) string {
		return fmt.Sprintf("%s/track/link?t=%s&u=%s&l=%s&r=%s",
			s.baseURL, url.QueryEscape(trackingID),
			url.QueryEscape(rawURL), url.QueryEscape(linkID), cacheBuster())
	}
}

// generateTrackingID builds an unguessable, URL-safe identifier:
// et_<16 hex of sha256(emailId:recipient:unixms:random)>_<unixms base36>.
func generateTrackingID(emailID, recipientEmail string) string {
	ts := time.Now().UnixMilli()
	nonce := make([]byte, 8)
	rand.Read(nonce)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s",
		emailID, recipientEmail, ts, hex.EncodeToString(nonce))))
	return fmt.Sprintf("et_%s_%s",
		hex.EncodeToString(sum[:])[:16], strconv.FormatInt(ts, 36))
}

func cacheBuster() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// EventInput is one inbound beacon or link hit.
type EventInput struct {
	TrackingID string
	Type       domain.EventType
	IPAddress  string
	UserAgent  string
	Referer    string
	LinkURL    string
	LinkID     string
}

// RecordEvent appends an engagement event. Unknown identifiers and
// disabled tracking options return accepted=false with no error — the
// HTTP layer always answers success-shaped regardless.
//
// Deduplication: the event hash covers (trackingId, type, ip, ua,
// hour bucket). A hash collision means a duplicate within the window;
// the event is still appended for audit completeness, without a hash,
// and the unique counters are not advanced.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (bool, error) {
	var opts domain.TrackingOptions
	err := s.db.QueryRowContext(ctx, `
		SELECT track_opens, track_clicks, track_device
		FROM tracking_records WHERE tracking_id = $1`, in.TrackingID).
		Scan(&opts.TrackOpens, &opts.TrackClicks, &opts.TrackDevice)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup tracking record: %w", err)
	}

	switch in.Type {
	case domain.EventOpen:
		if !opts.TrackOpens {
			return false, nil
		}
	case domain.EventClick:
		if !opts.TrackClicks {
			return false, nil
		}
	default:
		return false, fmt.Errorf("unknown event type %q", in.Type)
	}

	var device domain.DeviceInfo
	if opts.TrackDevice && in.UserAgent != "" {
		device = ParseUserAgent(in.UserAgent)
	}

	now := time.Now().UTC()
	hash := dedupHash(in.TrackingID, in.Type, in.IPAddress, in.UserAgent, now)

	duplicate, err := s.insertEvent(ctx, in, device, hash, now)
	if err != nil {
		return false, err
	}
	if err := s.updateMetrics(ctx, in.TrackingID, in.Type, duplicate, now); err != nil {
		return false, err
	}

	logger.Debug("tracking event recorded",
		"tracking_id", in.TrackingID, "type", string(in.Type),
		"duplicate", fmt.Sprintf("%v", duplicate))
	return true, nil
}

// dedupHash keys near-simultaneous identical events to the same hour
// bucket so client prefetch storms count once.
func dedupHash(trackingID string, typ domain.EventType, ip, ua string, at time.Time) string {
	bucket := at.Format("2006010215")
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s:%s:%s", trackingID, typ, ip, ua, bucket)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) insertEvent(ctx context.Context, in EventInput, device domain.DeviceInfo, hash string, now time.Time) (duplicate bool, err error) {
	const insert = `
		INSERT INTO tracking_events
			(id, tracking_id, event_type, occurred_at, ip_address, user_agent,
			 referer, device_type, device_os, device_browser,
			 link_url, link_id, dedup_hash, duplicate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = s.db.ExecContext(ctx, insert,
		uuid.New().String(), in.TrackingID, in.Type, now, in.IPAddress,
		in.UserAgent, in.Referer, device.Type, device.OS, device.Browser,
		in.LinkURL, in.LinkID, hash, false)
	if err == nil {
		return false, nil
	}
	if !isUniqueViolation(err) {
		return false, fmt.Errorf("insert tracking event: %w", err)
	}

	// Duplicate within the window: append without a hash so the raw log
	// stays complete while unique counters are left alone.
	_, err = s.db.ExecContext(ctx, insert,
		uuid.New().String(), in.TrackingID, in.Type, now, in.IPAddress,
		in.UserAgent, in.Referer, device.Type, device.OS, device.Browser,
		in.LinkURL, in.LinkID, nil, true)
	if err != nil {
		return false, fmt.Errorf("insert duplicate tracking event: %w", err)
	}
	return true, nil
}

func (s *Service) updateMetrics(ctx context.Context, trackingID string, typ domain.EventType, duplicate bool, now time.Time) error {
	uniqueInc := 1
	if duplicate {
		uniqueInc = 0
	}

	var query string
	switch typ {
	case domain.EventOpen:
		query = `
			UPDATE tracking_records SET
				open_count   = open_count + 1,
				unique_opens = unique_opens + $2,
				first_open_at = COALESCE(first_open_at, $3),
				last_open_at  = $3
			WHERE tracking_id = $1`
	case domain.EventClick:
		query = `
			UPDATE tracking_records SET
				click_count   = click_count + 1,
				unique_clicks = unique_clicks + $2,
				first_click_at = COALESCE(first_click_at, $3),
				last_click_at  = $3
			WHERE tracking_id = $1`
	}

	if _, err := s.db.ExecContext(ctx, query, trackingID, uniqueInc, now); err != nil {
		return fmt.Errorf("update tracking metrics: %w", err)
	}
	return nil
}

// PurgeResult reports what a retention sweep removed.
type PurgeResult struct {
	DeletedRecords int64 `json:"deleted_records"`
	DeletedEvents  int64 `json:"deleted_events"`
}

// PurgeExpired removes tracking data older than the retention window.
// Idempotent; events hanging off deleted records go with them.
func (s *Service) PurgeExpired(ctx context.Context, retentionDays int) (PurgeResult, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var out PurgeResult
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracking_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return out, fmt.Errorf("purge tracking events: %w", err)
	}
	out.DeletedEvents, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM tracking_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return out, fmt.Errorf("purge tracking records: %w", err)
	}
	out.DeletedRecords, _ = res.RowsAffected()

	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
