package worker

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inteldesk/advisory-notifier/internal/delivery"
	"github.com/inteldesk/advisory-notifier/internal/pkg/distlock"
	"github.com/inteldesk/advisory-notifier/internal/tracking"
)

const (
	maintenanceInterval = 10 * time.Minute
	maintenanceLockTTL  = 5 * time.Minute
	purgeEvery          = 24 * time.Hour
)

// Maintenance runs the periodic sweeps: failing abandoned pending
// deliveries and purging expired tracking data. A distributed lock
// keeps the sweeps single-flight across worker instances.
type Maintenance struct {
	store         *delivery.Store
	tracker       *tracking.Service
	db            *sql.DB
	redis         *redis.Client
	grace         time.Duration
	retentionDays int

	lastPurge time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewMaintenance creates the maintenance runner. redisClient may be nil;
// locking then falls back to Postgres advisory locks.
func NewMaintenance(store *delivery.Store, tracker *tracking.Service, db *sql.DB,
	redisClient *redis.Client, grace time.Duration, retentionDays int) *Maintenance {
	if grace <= 0 {
		grace = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Maintenance{
		store:         store,
		tracker:       tracker,
		db:            db,
		redis:         redisClient,
		grace:         grace,
		retentionDays: retentionDays,
	}
}

// Start launches the sweep loop.
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.loop()

	log.Printf("[Maintenance] Started: grace=%s retention=%dd", m.grace, m.retentionDays)
	return nil
}

// Stop halts the sweep loop.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Maintenance) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	m.runOnce()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runOnce()
		}
	}
}

func (m *Maintenance) runOnce() {
	lock := distlock.NewLock(m.redis, m.db, "maintenance-sweep", maintenanceLockTTL)
	ok, err := lock.Acquire(m.ctx)
	if err != nil {
		log.Printf("[Maintenance] Lock error: %v", err)
		return
	}
	if !ok {
		return
	}
	defer lock.Release(m.ctx)

	m.sweepAbandoned()
	if time.Since(m.lastPurge) >= purgeEvery {
		m.purgeTracking()
		m.lastPurge = time.Now()
	}
}

// sweepAbandoned is the liveness guarantee for records the claim path
// never picked up: past the grace period they fail loudly instead of
// sitting pending forever.
func (m *Maintenance) sweepAbandoned() {
	n, err := m.store.SweepAbandoned(m.ctx, m.grace)
	if err != nil {
		log.Printf("[Maintenance] Abandoned sweep error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Maintenance] Failed %d abandoned delivery record(s)", n)
	}
}

func (m *Maintenance) purgeTracking() {
	res, err := m.tracker.PurgeExpired(m.ctx, m.retentionDays)
	if err != nil {
		log.Printf("[Maintenance] Tracking purge error: %v", err)
		return
	}
	if res.DeletedRecords > 0 || res.DeletedEvents > 0 {
		log.Printf("[Maintenance] Purged %d tracking record(s), %d event(s)",
			res.DeletedRecords, res.DeletedEvents)
	}
}
