package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/inteldesk/advisory-notifier/internal/delivery"
	"github.com/inteldesk/advisory-notifier/internal/tracking"
)

func setupHandlers(t *testing.T) (*Handlers, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	h := NewHandlers(delivery.NewStore(db), tracking.NewService(db, "https://notify.example.com"))
	return h, mock, func() { db.Close() }
}

func doRequest(h *Handlers, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func TestCreateDelivery_MissingAdvisoryRef(t *testing.T) {
	h, _, cleanup := setupHandlers(t)
	defer cleanup()

	body := []byte(`{"to": ["a@x.com"], "subject": "s", "scheduled_at": "2030-01-01T00:00:00Z"}`)
	rr := doRequest(h, "POST", "/deliveries", body, nil)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCreateDelivery_PastSchedule(t *testing.T) {
	h, _, cleanup := setupHandlers(t)
	defer cleanup()

	body := []byte(`{"advisory_ref": "ADV-1", "to": ["a@x.com"], "subject": "s",
		"scheduled_at": "2020-01-01T00:00:00Z"}`)
	rr := doRequest(h, "POST", "/deliveries", body, nil)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCreateDelivery_Success(t *testing.T) {
	h, mock, cleanup := setupHandlers(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO delivery_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO delivery_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	scheduledAt := time.Now().Add(time.Hour).Format(time.RFC3339)
	body := []byte(fmt.Sprintf(`{"advisory_ref": "ADV-2026-001", "to": ["a@x.com"],
		"subject": "Critical advisory", "scheduled_at": %q, "created_by": "analyst"}`, scheduledAt))
	rr := doRequest(h, "POST", "/deliveries", body, nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var created map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created["id"] == "" {
		t.Error("response missing record id")
	}
	if created["state"] != "pending" {
		t.Errorf("state = %v, want pending", created["state"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetDelivery_NotFound(t *testing.T) {
	h, mock, cleanup := setupHandlers(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM delivery_records").
		WillReturnError(sql.ErrNoRows)

	rr := doRequest(h, "GET", "/deliveries/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestCancelDelivery_NotFound(t *testing.T) {
	h, mock, cleanup := setupHandlers(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE delivery_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT state FROM delivery_records").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	rr := doRequest(h, "POST", "/deliveries/missing/cancel", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestCancelDelivery_AlreadySent(t *testing.T) {
	h, mock, cleanup := setupHandlers(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE delivery_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT state FROM delivery_records").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("sent"))
	mock.ExpectRollback()

	rr := doRequest(h, "POST", "/deliveries/id-1/cancel", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}

func TestDeleteDelivery_Elevated(t *testing.T) {
	h, mock, cleanup := setupHandlers(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM delivery_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rr := doRequest(h, "DELETE", "/deliveries/id-1", nil,
		map[string]string{"X-Admin-Delete": "true"})
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}

func TestListDeliveries(t *testing.T) {
	h, mock, cleanup := setupHandlers(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	rows := sqlmock.NewRows([]string{
		"id", "advisory_ref", "recipients_to", "recipients_cc", "recipients_bcc",
		"subject", "operator_message", "scheduled_at", "state", "retry_count",
		"error_message", "sent_at", "tracking_id", "created_by", "created_at", "updated_at",
	}).AddRow("id-1", "ADV-1", "{a@x.com}", "{}", "{}", "Subject", "",
		time.Now().Add(time.Hour), "pending", 0, "", nil, "", "analyst",
		time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM delivery_records").
		WillReturnRows(rows)

	rr := doRequest(h, "GET", "/deliveries?state=pending", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Total   int               `json:"total"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Records) != 1 {
		t.Errorf("total = %d, records = %d, want 1/1", resp.Total, len(resp.Records))
	}
}

func TestIntParam(t *testing.T) {
	tests := []struct {
		in   string
		def  int
		want int
	}{
		{"", 20, 20},
		{"abc", 20, 20},
		{"0", 20, 20},
		{"-3", 20, 20},
		{"7", 20, 7},
	}
	for _, tt := range tests {
		if got := intParam(tt.in, tt.def); got != tt.want {
			t.Errorf("intParam(%q, %d) = %d, want %d", tt.in, tt.def, got, tt.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	if got := parseTime("2026-08-28"); got == nil || got.Year() != 2026 {
		t.Errorf("parseTime(date) = %v", got)
	}
	if got := parseTime("2026-08-28T10:00:00Z"); got == nil || got.Hour() != 10 {
		t.Errorf("parseTime(rfc3339) = %v", got)
	}
	if got := parseTime("not-a-time"); got != nil {
		t.Errorf("parseTime(garbage) = %v, want nil", got)
	}
}
