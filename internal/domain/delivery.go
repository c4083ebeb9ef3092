package domain

import (
	"time"
)

// DeliveryState enumerates the lifecycle states of a delivery record.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryCancelled DeliveryState = "cancelled"
)

// DeliveryRecord is a scheduled advisory notification and its lifecycle
// state. scheduledAt is immutable once the record leaves pending; only
// pending records accept caller mutations.
type DeliveryRecord struct {
	ID              string        `json:"id" db:"id"`
	AdvisoryRef     string        `json:"advisory_ref" db:"advisory_ref"`
	To              []string      `json:"to" db:"recipients_to"`
	Cc              []string      `json:"cc" db:"recipients_cc"`
	Bcc             []string      `json:"bcc" db:"recipients_bcc"`
	Subject         string        `json:"subject" db:"subject"`
	OperatorMessage string        `json:"operator_message" db:"operator_message"`
	ScheduledAt     time.Time     `json:"scheduled_at" db:"scheduled_at"`
	State           DeliveryState `json:"state" db:"state"`
	RetryCount      int           `json:"retry_count" db:"retry_count"`
	ErrorMessage    string        `json:"error_message,omitempty" db:"error_message"`
	SentAt          *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	TrackingID      string        `json:"tracking_id,omitempty" db:"tracking_id"`
	CreatedBy       string        `json:"created_by" db:"created_by"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the record is in a final state.
func (r *DeliveryRecord) IsTerminal() bool {
	return r.State == DeliverySent || r.State == DeliveryFailed || r.State == DeliveryCancelled
}

// DeliveryJob binds a pending delivery record to a runnable unit of work.
// A job is claimed by at most one worker per attempt; it is disabled once
// the bound record reaches a terminal state.
type DeliveryJob struct {
	ID        string     `json:"id" db:"id"`
	RecordID  string     `json:"record_id" db:"record_id"`
	RunAt     time.Time  `json:"run_at" db:"run_at"`
	Attempts  int        `json:"attempts" db:"attempts"`
	LastError string     `json:"last_error,omitempty" db:"last_error"`
	ClaimedBy string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	Disabled  bool       `json:"disabled" db:"disabled"`
}
