package domain

import (
	"time"
)

// EventType is the kind of engagement event recorded against a tracking id.
type EventType string

const (
	EventOpen  EventType = "open"
	EventClick EventType = "click"
)

// TrackingOptions toggles what gets recorded for a tracked email.
type TrackingOptions struct {
	TrackOpens  bool `json:"track_opens" db:"track_opens"`
	TrackClicks bool `json:"track_clicks" db:"track_clicks"`
	TrackDevice bool `json:"track_device" db:"track_device"`
}

// TrackingMetrics are the per-record aggregates maintained alongside the
// raw event log. Unique counters exclude deduplicated events.
type TrackingMetrics struct {
	OpenCount    int        `json:"open_count" db:"open_count"`
	UniqueOpens  int        `json:"unique_opens" db:"unique_opens"`
	ClickCount   int        `json:"click_count" db:"click_count"`
	UniqueClicks int        `json:"unique_clicks" db:"unique_clicks"`
	FirstOpenAt  *time.Time `json:"first_open_at,omitempty" db:"first_open_at"`
	LastOpenAt   *time.Time `json:"last_open_at,omitempty" db:"last_open_at"`
	FirstClickAt *time.Time `json:"first_click_at,omitempty" db:"first_click_at"`
	LastClickAt  *time.Time `json:"last_click_at,omitempty" db:"last_click_at"`
}

// TrackingRecord is the tracking state for one email sent to one recipient.
type TrackingRecord struct {
	TrackingID     string          `json:"tracking_id" db:"tracking_id"`
	EmailID        string          `json:"email_id" db:"email_id"`
	RecipientEmail string          `json:"recipient_email" db:"recipient_email"`
	Options        TrackingOptions `json:"options"`
	Metrics        TrackingMetrics `json:"metrics"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// DeviceInfo is the coarse classification parsed from a user agent.
type DeviceInfo struct {
	Type    string `json:"type" db:"device_type"` // desktop, mobile, tablet
	OS      string `json:"os" db:"device_os"`
	Browser string `json:"browser" db:"device_browser"`
}

// TrackingEvent is one beacon or link hit. Events are append-only; a
// duplicate within the dedup window is still appended (with no hash) but
// excluded from unique counters.
type TrackingEvent struct {
	ID         string     `json:"id" db:"id"`
	TrackingID string     `json:"tracking_id" db:"tracking_id"`
	Type       EventType  `json:"type" db:"event_type"`
	Timestamp  time.Time  `json:"timestamp" db:"occurred_at"`
	IPAddress  string     `json:"ip_address" db:"ip_address"`
	UserAgent  string     `json:"user_agent" db:"user_agent"`
	Referer    string     `json:"referer,omitempty" db:"referer"`
	Device     DeviceInfo `json:"device"`
	LinkURL    string     `json:"link_url,omitempty" db:"link_url"`
	LinkID     string     `json:"link_id,omitempty" db:"link_id"`
	DedupHash  string     `json:"-" db:"dedup_hash"`
	Duplicate  bool       `json:"duplicate" db:"duplicate"`
}
