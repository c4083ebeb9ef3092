package tracking

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestHandlePixel_UnknownIDStillServesPixel(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").WillReturnError(sql.ErrNoRows)

	h := NewHandler(NewService(db, "https://notify.example.com"))
	req := httptest.NewRequest("GET", "/track/pixel?t=et_unknown_x", nil)
	rr := httptest.NewRecorder()
	h.HandlePixel(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/gif" {
		t.Errorf("Content-Type = %q, want image/gif", ct)
	}
	if !bytes.Equal(rr.Body.Bytes(), pixelGIF) {
		t.Error("response body is not the pixel GIF")
	}
}

func TestHandlePixel_NoTrackingParam(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	h := NewHandler(NewService(db, "https://notify.example.com"))
	req := httptest.NewRequest("GET", "/track/pixel", nil)
	rr := httptest.NewRecorder()
	h.HandlePixel(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), pixelGIF) {
		t.Error("response body is not the pixel GIF")
	}
}

func TestHandleClick_RedirectsAndRecords(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").
		WillReturnRows(sqlmock.NewRows([]string{"track_opens", "track_clicks", "track_device"}).
			AddRow(true, true, false))
	mock.ExpectExec("INSERT INTO tracking_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE tracking_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := NewHandler(NewService(db, "https://notify.example.com"))
	dest := "https://example.com/advisory/1"
	req := httptest.NewRequest("GET", "/track/link?t=et_abc_x&u="+url.QueryEscape(dest)+"&l=ref-1", nil)
	rr := httptest.NewRecorder()
	h.HandleClick(rr, req)

	if rr.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != dest {
		t.Errorf("Location = %q, want %q", loc, dest)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleClick_UnknownIDStillRedirects(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT track_opens").WillReturnError(sql.ErrNoRows)

	h := NewHandler(NewService(db, "https://notify.example.com"))
	req := httptest.NewRequest("GET", "/track/link?t=et_unknown_x&u="+url.QueryEscape("https://example.com/x"), nil)
	rr := httptest.NewRecorder()
	h.HandleClick(rr, req)

	if rr.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rr.Code)
	}
}

func TestHandleClick_RefusesBadDestinations(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	h := NewHandler(NewService(db, "https://notify.example.com"))

	tests := []string{
		"",
		"not-a-url",
		"javascript:alert(1)",
		"ftp://example.com/file",
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://10.0.0.5/",
		"http://192.168.1.1/",
		"http://172.16.0.1/",
	}

	for _, dest := range tests {
		t.Run(dest, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/track/link?t=et_abc_x&u="+url.QueryEscape(dest), nil)
			rr := httptest.NewRecorder()
			h.HandleClick(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 for %q", rr.Code, dest)
			}
		})
	}
}

func TestValidateRedirectURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/path?x=1", false},
		{"http://example.com", false},
		{"https://sub.example.co.uk/a/b", false},
		{"//example.com/protocol-relative", true},
		{"https://localhost:9000/", true},
		{"http://169.254.169.254/metadata", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateRedirectURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.7"},
		{"single forwarded", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.2:1234", "203.0.113.7"},
		{"real ip header", map[string]string{"X-Real-Ip": "198.51.100.3"}, "10.0.0.2:1234", "198.51.100.3"},
		{"remote addr fallback", nil, "198.51.100.9:4567", "198.51.100.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := realIP(req); got != tt.want {
				t.Errorf("realIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
