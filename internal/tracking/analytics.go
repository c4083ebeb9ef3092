package tracking

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

// Filter selects tracking records for analytics queries.
type Filter struct {
	TrackingID     string
	EmailID        string
	RecipientEmail string
	DateFrom       *time.Time
	DateTo         *time.Time
	Page           int
	Limit          int
}

// Aggregate is the engagement summary over a filtered record set.
// Rates are percentages rounded to two decimals.
type Aggregate struct {
	TotalEmails      int     `json:"total_emails"`
	TotalOpens       int     `json:"total_opens"`
	TotalClicks      int     `json:"total_clicks"`
	UniqueOpens      int     `json:"unique_opens"`
	UniqueClicks     int     `json:"unique_clicks"`
	EmailsOpened     int     `json:"emails_opened"`
	EmailsClicked    int     `json:"emails_clicked"`
	OpenRate         float64 `json:"open_rate"`
	ClickRate        float64 `json:"click_rate"`
	ClickThroughRate float64 `json:"click_through_rate"`
}

// Result is a page of tracking records plus the aggregate block over
// everything the filter matched (not just this page).
type Result struct {
	Records   []*domain.TrackingRecord `json:"records"`
	Total     int                      `json:"total"`
	Page      int                      `json:"page"`
	Limit     int                      `json:"limit"`
	Aggregate Aggregate                `json:"aggregate"`
}

// Query returns paginated tracking records and their aggregates.
func (s *Service) Query(ctx context.Context, f Filter) (*Result, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Page < 1 {
		f.Page = 1
	}

	where, args := buildWhere(f)

	agg, total, err := s.aggregate(ctx, where, args)
	if err != nil {
		return nil, err
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	query := fmt.Sprintf(`
		SELECT tracking_id, email_id, recipient_email,
		       track_opens, track_clicks, track_device,
		       open_count, unique_opens, click_count, unique_clicks,
		       first_open_at, last_open_at, first_click_at, last_click_at,
		       created_at
		FROM tracking_records %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracking records: %w", err)
	}
	defer rows.Close()

	var records []*domain.TrackingRecord
	for rows.Next() {
		var rec domain.TrackingRecord
		err := rows.Scan(
			&rec.TrackingID, &rec.EmailID, &rec.RecipientEmail,
			&rec.Options.TrackOpens, &rec.Options.TrackClicks, &rec.Options.TrackDevice,
			&rec.Metrics.OpenCount, &rec.Metrics.UniqueOpens,
			&rec.Metrics.ClickCount, &rec.Metrics.UniqueClicks,
			&rec.Metrics.FirstOpenAt, &rec.Metrics.LastOpenAt,
			&rec.Metrics.FirstClickAt, &rec.Metrics.LastClickAt,
			&rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan tracking record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Records:   records,
		Total:     total,
		Page:      f.Page,
		Limit:     f.Limit,
		Aggregate: agg,
	}, nil
}

// Events returns the raw event log for one tracking id, oldest first.
func (s *Service) Events(ctx context.Context, trackingID string) ([]*domain.TrackingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tracking_id, event_type, occurred_at, ip_address, user_agent,
		       COALESCE(referer, ''), COALESCE(device_type, ''),
		       COALESCE(device_os, ''), COALESCE(device_browser, ''),
		       COALESCE(link_url, ''), COALESCE(link_id, ''), duplicate
		FROM tracking_events
		WHERE tracking_id = $1
		ORDER BY occurred_at ASC`, trackingID)
	if err != nil {
		return nil, fmt.Errorf("query tracking events: %w", err)
	}
	defer rows.Close()

	var events []*domain.TrackingEvent
	for rows.Next() {
		var ev domain.TrackingEvent
		err := rows.Scan(&ev.ID, &ev.TrackingID, &ev.Type, &ev.Timestamp,
			&ev.IPAddress, &ev.UserAgent, &ev.Referer,
			&ev.Device.Type, &ev.Device.OS, &ev.Device.Browser,
			&ev.LinkURL, &ev.LinkID, &ev.Duplicate)
		if err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func buildWhere(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.TrackingID != "" {
		add("tracking_id = $%d", f.TrackingID)
	}
	if f.EmailID != "" {
		add("email_id = $%d", f.EmailID)
	}
	if f.RecipientEmail != "" {
		add("recipient_email = $%d", f.RecipientEmail)
	}
	if f.DateFrom != nil {
		add("created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at <= $%d", *f.DateTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *Service) aggregate(ctx context.Context, where string, args []interface{}) (Aggregate, int, error) {
	var agg Aggregate
	query := fmt.Sprintf(`
		SELECT COUNT(*),
		       COALESCE(SUM(open_count), 0),
		       COALESCE(SUM(click_count), 0),
		       COALESCE(SUM(unique_opens), 0),
		       COALESCE(SUM(unique_clicks), 0),
		       COUNT(*) FILTER (WHERE open_count > 0),
		       COUNT(*) FILTER (WHERE click_count > 0)
		FROM tracking_records %s`, where)

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&agg.TotalEmails, &agg.TotalOpens, &agg.TotalClicks,
		&agg.UniqueOpens, &agg.UniqueClicks,
		&agg.EmailsOpened, &agg.EmailsClicked)
	if err != nil {
		return agg, 0, fmt.Errorf("aggregate tracking records: %w", err)
	}

	agg.OpenRate = rate(agg.EmailsOpened, agg.TotalEmails)
	agg.ClickRate = rate(agg.EmailsClicked, agg.TotalEmails)
	agg.ClickThroughRate = rate(agg.EmailsClicked, agg.EmailsOpened)
	return agg, agg.TotalEmails, nil
}

// rate is a two-decimal percentage; zero denominators yield 0 rather
// than dividing.
func rate(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*100*100) / 100
}
