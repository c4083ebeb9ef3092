package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inteldesk/advisory-notifier/internal/advisory"
	"github.com/inteldesk/advisory-notifier/internal/delivery"
	"github.com/inteldesk/advisory-notifier/internal/domain"
	"github.com/inteldesk/advisory-notifier/internal/pkg/logger"
	"github.com/inteldesk/advisory-notifier/internal/template"
	"github.com/inteldesk/advisory-notifier/internal/tracking"
)

// DefaultPollInterval is how often the scheduler looks for due jobs.
const DefaultPollInterval = 30 * time.Second

// TrackingIssuer issues tracking identifiers and rebuilds embed handles.
// Satisfied by *tracking.Service.
type TrackingIssuer interface {
	Issue(ctx context.Context, emailID, recipientEmail string, opts domain.TrackingOptions) (*tracking.Issued, error)
	HandlesFor(trackingID string) *tracking.Issued
}

// Options tunes a Scheduler.
type Options struct {
	PollInterval  time.Duration
	MaxConcurrent int           // cap on in-flight sends
	MaxRetries    int           // retry count that forces failed
	SendTimeout   time.Duration // per-attempt mailer timeout
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
}

// Scheduler polls for due delivery jobs and dispatches them to a fixed
// pool of workers. All collaborators are injected; a process runs as
// many independent schedulers as it constructs (normally one).
type Scheduler struct {
	store      *delivery.Store
	advisories advisory.Lookup
	tracker    TrackingIssuer
	renderer   *template.Renderer
	mailer     Mailer
	opts       Options
	workerID   string

	jobs   chan *delivery.ClaimedJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool

	// stats
	processed int64
	sent      int64
	failed    int64
	retried   int64
	skipped   int64
}

// NewScheduler wires a scheduler from its collaborators.
func NewScheduler(store *delivery.Store, advisories advisory.Lookup, tracker TrackingIssuer,
	renderer *template.Renderer, mailer Mailer, opts Options) *Scheduler {
	opts.fill()
	return &Scheduler{
		store:      store,
		advisories: advisories,
		tracker:    tracker,
		renderer:   renderer,
		mailer:     mailer,
		opts:       opts,
		workerID:   fmt.Sprintf("notifier-%s", uuid.New().String()[:8]),
	}
}

// Start launches the poll loop and the worker pool.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.jobs = make(chan *delivery.ClaimedJob)

	for i := 0; i < s.opts.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	s.wg.Add(1)
	go s.pollLoop()

	log.Printf("[Scheduler] Started %s: poll=%s workers=%d maxRetries=%d",
		s.workerID, s.opts.PollInterval, s.opts.MaxConcurrent, s.opts.MaxRetries)
	return nil
}

// Stop drains the pool and waits for in-flight sends to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped %s: processed=%d sent=%d failed=%d retried=%d",
		s.workerID, atomic.LoadInt64(&s.processed), atomic.LoadInt64(&s.sent),
		atomic.LoadInt64(&s.failed), atomic.LoadInt64(&s.retried))
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Skipped   int64 `json:"skipped"`
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&s.processed),
		Sent:      atomic.LoadInt64(&s.sent),
		Failed:    atomic.LoadInt64(&s.failed),
		Retried:   atomic.LoadInt64(&s.retried),
		Skipped:   atomic.LoadInt64(&s.skipped),
	}
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.pollOnce()
	for {
		select {
		case <-s.ctx.Done():
			close(s.jobs)
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Scheduler) pollOnce() {
	claimed, err := s.store.ClaimDue(s.ctx, s.workerID, s.opts.MaxConcurrent)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Scheduler] Claim failed: %v", err)
		}
		return
	}
	for _, cj := range claimed {
		select {
		case s.jobs <- cj:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for cj := range s.jobs {
		s.safeProcess(cj)
	}
}

// safeProcess keeps a single bad job from taking the pool down.
func (s *Scheduler) safeProcess(cj *delivery.ClaimedJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("delivery processing panicked",
				"record_id", cj.Record.ID, "panic", fmt.Sprintf("%v", r))
			s.retryOrFail(cj, fmt.Errorf("internal error: %v", r))
		}
	}()
	s.process(cj)
}

func (s *Scheduler) process(cj *delivery.ClaimedJob) {
	atomic.AddInt64(&s.processed, 1)
	rec := cj.Record

	// Idempotent guard: the substrate may hand out a claim for a job
	// whose record has since gone terminal.
	if rec.State != domain.DeliveryPending {
		atomic.AddInt64(&s.skipped, 1)
		s.store.DisableJob(s.ctx, cj.Job.ID)
		return
	}

	adv, err := s.advisories.Get(s.ctx, rec.AdvisoryRef)
	if err != nil {
		if errors.Is(err, advisory.ErrNotFound) {
			// Non-retryable: the referenced advisory does not exist.
			s.fail(cj, "advisory not found: "+rec.AdvisoryRef)
			return
		}
		s.retryOrFail(cj, fmt.Errorf("advisory lookup: %w", err))
		return
	}

	handles := s.ensureTracking(&rec)
	body := s.renderer.Render(adv, rec.OperatorMessage, handles)

	// Cancellation issued after claim must win: re-check right before
	// the mailer call.
	state, err := s.store.CurrentState(s.ctx, rec.ID)
	if err != nil || state != domain.DeliveryPending {
		atomic.AddInt64(&s.skipped, 1)
		s.store.DisableJob(s.ctx, cj.Job.ID)
		return
	}

	sendCtx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
	err = s.mailer.Send(sendCtx, &Message{
		To:      rec.To,
		Cc:      rec.Cc,
		Bcc:     rec.Bcc,
		Subject: rec.Subject,
		HTML:    body,
	})
	cancel()

	if err != nil {
		s.retryOrFail(cj, fmt.Errorf("send: %w", err))
		return
	}

	if err := s.store.MarkSent(s.ctx, rec.ID, time.Now()); err != nil {
		// Cancelled between the state re-check and completion: the send
		// happened but its result is discarded, per the suppression
		// contract.
		atomic.AddInt64(&s.skipped, 1)
		s.store.DisableJob(s.ctx, cj.Job.ID)
		return
	}
	s.store.DisableJob(s.ctx, cj.Job.ID)
	atomic.AddInt64(&s.sent, 1)
	log.Printf("[Scheduler] Delivered record %s to %d recipient(s)", rec.ID, len(rec.To))
}

// ensureTracking assigns the record's tracking id on first use and
// returns embed handles. Tracking failures never block a send; the
// email just goes out untracked.
func (s *Scheduler) ensureTracking(rec *domain.DeliveryRecord) *template.TrackingHandles {
	if rec.TrackingID != "" {
		issued := s.tracker.HandlesFor(rec.TrackingID)
		return &template.TrackingHandles{BeaconURL: issued.BeaconURL, RewriteLink: issued.RewriteLink}
	}

	issued, err := s.tracker.Issue(s.ctx, rec.AdvisoryRef, rec.To[0], domain.TrackingOptions{
		TrackOpens:  true,
		TrackClicks: true,
		TrackDevice: true,
	})
	if err != nil {
		logger.Warn("tracking issuance failed, sending untracked",
			"record_id", rec.ID, "error", err.Error())
		return nil
	}

	assigned, err := s.store.EnsureTrackingID(s.ctx, rec.ID, issued.TrackingID)
	if err != nil {
		logger.Warn("tracking id assignment failed, sending untracked",
			"record_id", rec.ID, "error", err.Error())
		return nil
	}
	if assigned != issued.TrackingID {
		// A previous attempt got there first; embed the surviving id.
		issued = s.tracker.HandlesFor(assigned)
	}
	rec.TrackingID = assigned
	return &template.TrackingHandles{BeaconURL: issued.BeaconURL, RewriteLink: issued.RewriteLink}
}

// fail finalizes a record as failed without touching the retry counter.
func (s *Scheduler) fail(cj *delivery.ClaimedJob, message string) {
	if err := s.store.MarkFailed(s.ctx, cj.Record.ID, message); err != nil {
		if !errors.Is(err, delivery.ErrNotPending) {
			log.Printf("[Scheduler] Mark failed error for %s: %v", cj.Record.ID, err)
		}
	}
	s.store.DisableJob(s.ctx, cj.Job.ID)
	atomic.AddInt64(&s.failed, 1)
}

// retryOrFail advances the retry counter, rescheduling with backoff
// until the cap forces the record to failed.
func (s *Scheduler) retryOrFail(cj *delivery.ClaimedJob, cause error) {
	count, err := s.store.IncrementRetry(s.ctx, cj.Record.ID)
	if err != nil {
		// Record went terminal underneath us; nothing to retry.
		atomic.AddInt64(&s.skipped, 1)
		s.store.DisableJob(s.ctx, cj.Job.ID)
		return
	}

	if count >= s.opts.MaxRetries {
		s.fail(cj, fmt.Sprintf("retries exhausted after %d attempts: %v", count, cause))
		return
	}

	delay := retryBackoff(count)
	if err := s.store.Reschedule(s.ctx, cj.Job.ID, time.Now().Add(delay), cause.Error()); err != nil {
		log.Printf("[Scheduler] Reschedule error for %s: %v", cj.Record.ID, err)
	}
	atomic.AddInt64(&s.retried, 1)
	log.Printf("[Scheduler] Retry %d/%d for record %s in %s: %v",
		count, s.opts.MaxRetries, cj.Record.ID, delay, cause)
}
