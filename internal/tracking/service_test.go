package tracking

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestGenerateTrackingID(t *testing.T) {
	id := generateTrackingID("ADV-2026-001", "analyst@example.com")

	if !strings.HasPrefix(id, "et_") {
		t.Errorf("id %q missing et_ prefix", id)
	}
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		t.Fatalf("id %q should have three segments", id)
	}
	if len(parts[1]) != 16 {
		t.Errorf("hash segment %q should be 16 chars", parts[1])
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(parts[1]) {
		t.Errorf("hash segment %q should be lowercase hex", parts[1])
	}

	other := generateTrackingID("ADV-2026-001", "analyst@example.com")
	if id == other {
		t.Error("consecutive ids should differ")
	}
}

func TestIssue_BuildsHandles(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO tracking_records").
		WillReturnResult(sqlmock.NewResult(1, 1))

	svc := NewService(db, "https://notify.example.com/")
	issued, err := svc.Issue(context.Background(), "ADV-1", "a@example.com", domain.TrackingOptions{
		TrackOpens: true, TrackClicks: true, TrackDevice: true,
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if !strings.HasPrefix(issued.BeaconURL, "https://notify.example.com/track/pixel?t=et_") {
		t.Errorf("unexpected beacon URL %q", issued.BeaconURL)
	}
	rewritten := issued.RewriteLink("https://example.com/x", "ref-1")
	if !strings.Contains(rewritten, "/track/link?t="+issued.TrackingID) {
		t.Errorf("rewritten link %q missing tracking id", rewritten)
	}
	if !strings.Contains(rewritten, "u=https%3A%2F%2Fexample.com%2Fx") {
		t.Errorf("rewritten link %q missing encoded destination", rewritten)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordEvent_UnknownID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").
		WillReturnError(sql.ErrNoRows)

	svc := NewService(db, "https://notify.example.com")
	accepted, err := svc.RecordEvent(context.Background(), EventInput{
		TrackingID: "et_deadbeef_x", Type: domain.EventOpen,
	})
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	if accepted {
		t.Error("unknown tracking id should not be accepted")
	}
}

func TestRecordEvent_OptionDisabled(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").
		WillReturnRows(sqlmock.NewRows([]string{"track_opens", "track_clicks", "track_device"}).
			AddRow(false, true, true))

	svc := NewService(db, "https://notify.example.com")
	accepted, err := svc.RecordEvent(context.Background(), EventInput{
		TrackingID: "et_abc_x", Type: domain.EventOpen,
	})
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	if accepted {
		t.Error("disabled option should not be accepted")
	}
}

func TestRecordEvent_FirstOpen(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").
		WillReturnRows(sqlmock.NewRows([]string{"track_opens", "track_clicks", "track_device"}).
			AddRow(true, true, true))
	mock.ExpectExec("INSERT INTO tracking_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE tracking_records").
		WithArgs("et_abc_x", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(db, "https://notify.example.com")
	accepted, err := svc.RecordEvent(context.Background(), EventInput{
		TrackingID: "et_abc_x",
		Type:       domain.EventOpen,
		IPAddress:  "203.0.113.7",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0",
	})
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	if !accepted {
		t.Error("known id with opens enabled should be accepted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordEvent_DuplicateWithinWindow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").
		WillReturnRows(sqlmock.NewRows([]string{"track_opens", "track_clicks", "track_device"}).
			AddRow(true, true, false))
	// hash collision: the dedup index refuses the first insert
	mock.ExpectExec("INSERT INTO tracking_events").
		WillReturnError(&pq.Error{Code: "23505"})
	// the event is still appended, hashless
	mock.ExpectExec("INSERT INTO tracking_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// unique counter must not advance
	mock.ExpectExec("UPDATE tracking_records").
		WithArgs("et_abc_x", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(db, "https://notify.example.com")
	accepted, err := svc.RecordEvent(context.Background(), EventInput{
		TrackingID: "et_abc_x",
		Type:       domain.EventOpen,
		IPAddress:  "203.0.113.7",
		UserAgent:  "same-agent",
	})
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	if !accepted {
		t.Error("duplicate event should still be accepted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDedupHash_HourBucket(t *testing.T) {
	base := mustTime(t, "2026-08-28T10:15:00Z")
	sameHour := mustTime(t, "2026-08-28T10:59:59Z")
	nextHour := mustTime(t, "2026-08-28T11:00:00Z")

	a := dedupHash("et_x", domain.EventOpen, "1.2.3.4", "ua", base)
	b := dedupHash("et_x", domain.EventOpen, "1.2.3.4", "ua", sameHour)
	c := dedupHash("et_x", domain.EventOpen, "1.2.3.4", "ua", nextHour)

	if a != b {
		t.Error("same hour bucket should hash identically")
	}
	if a == c {
		t.Error("different hour buckets should hash differently")
	}
	if d := dedupHash("et_x", domain.EventClick, "1.2.3.4", "ua", base); d == a {
		t.Error("event type should participate in the hash")
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

func TestRate(t *testing.T) {
	tests := []struct {
		num, den int
		want     float64
	}{
		{1, 3, 33.33},
		{2, 3, 66.67},
		{5, 5, 100},
		{0, 10, 0},
		{7, 0, 0},
	}

	for _, tt := range tests {
		if got := rate(tt.num, tt.den); got != tt.want {
			t.Errorf("rate(%d, %d) = %v, want %v", tt.num, tt.den, got, tt.want)
		}
	}
}

func TestPurgeExpired(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectExec("DELETE FROM tracking_records").
		WillReturnResult(sqlmock.NewResult(0, 7))

	svc := NewService(db, "https://notify.example.com")
	res, err := svc.PurgeExpired(context.Background(), 90)
	if err != nil {
		t.Fatalf("PurgeExpired() error: %v", err)
	}
	if res.DeletedEvents != 42 || res.DeletedRecords != 7 {
		t.Errorf("PurgeExpired() = %+v, want 42 events / 7 records", res)
	}
}
