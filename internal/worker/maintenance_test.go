package worker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/inteldesk/advisory-notifier/internal/delivery"
	"github.com/inteldesk/advisory-notifier/internal/tracking"
)

func TestMaintenance_RunOnceSweepsAndPurges(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// abandoned sweep
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE delivery_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1"))
	mock.ExpectExec("UPDATE delivery_jobs SET disabled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// retention purge
	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM tracking_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewMaintenance(delivery.NewStore(db), tracking.NewService(db, "https://notify.example.com"),
		db, client, time.Hour, 90)
	m.ctx = context.Background()
	m.runOnce()

	if m.lastPurge.IsZero() {
		t.Error("purge timestamp not advanced")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	// lock released after the sweep
	if mr.Exists("notifier:lock:maintenance-sweep") {
		t.Error("maintenance lock still held after runOnce")
	}
}

func TestMaintenance_SkipsWhenLockHeld(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// another instance owns the sweep
	mr.Set("notifier:lock:maintenance-sweep", "other-instance")

	m := NewMaintenance(delivery.NewStore(db), tracking.NewService(db, "https://notify.example.com"),
		db, client, time.Hour, 90)
	m.ctx = context.Background()
	m.runOnce()

	if !m.lastPurge.IsZero() {
		t.Error("purge should not run without the lock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("store touched without the lock: %v", err)
	}
}
