// Package api exposes the schedule management and analytics HTTP
// surface. The public tracking endpoints live in internal/tracking and
// are mounted alongside these routes by cmd/server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inteldesk/advisory-notifier/internal/delivery"
	"github.com/inteldesk/advisory-notifier/internal/domain"
	"github.com/inteldesk/advisory-notifier/internal/pkg/logger"
	"github.com/inteldesk/advisory-notifier/internal/tracking"
)

// Handlers holds the HTTP handlers for schedule management and analytics.
type Handlers struct {
	store   *delivery.Store
	tracker *tracking.Service
}

// NewHandlers creates the API handlers.
func NewHandlers(store *delivery.Store, tracker *tracking.Service) *Handlers {
	return &Handlers{store: store, tracker: tracker}
}

// Routes returns the router for mounting under /api.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/deliveries", func(r chi.Router) {
		r.Post("/", h.HandleCreateDelivery)
		r.Get("/", h.HandleListDeliveries)
		r.Get("/due", h.HandleListDue)
		r.Get("/{id}", h.HandleGetDelivery)
		r.Put("/{id}", h.HandleUpdateDelivery)
		r.Post("/{id}/cancel", h.HandleCancelDelivery)
		r.Delete("/{id}", h.HandleDeleteDelivery)
	})

	r.Route("/tracking", func(r chi.Router) {
		r.Get("/records", h.HandleTrackingRecords)
		r.Get("/records/{trackingID}/events", h.HandleTrackingEvents)
	})

	return r
}

type createDeliveryRequest struct {
	AdvisoryRef     string    `json:"advisory_ref"`
	To              []string  `json:"to"`
	Cc              []string  `json:"cc"`
	Bcc             []string  `json:"bcc"`
	Subject         string    `json:"subject"`
	OperatorMessage string    `json:"operator_message"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	CreatedBy       string    `json:"created_by"`
}

// HandleCreateDelivery schedules a new advisory notification.
func (h *Handlers) HandleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req createDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AdvisoryRef == "" {
		respondError(w, http.StatusBadRequest, "advisory_ref is required")
		return
	}
	if req.Subject == "" {
		respondError(w, http.StatusBadRequest, "subject is required")
		return
	}

	rec := &domain.DeliveryRecord{
		AdvisoryRef:     req.AdvisoryRef,
		To:              req.To,
		Cc:              req.Cc,
		Bcc:             req.Bcc,
		Subject:         req.Subject,
		OperatorMessage: req.OperatorMessage,
		ScheduledAt:     req.ScheduledAt,
		CreatedBy:       req.CreatedBy,
	}
	if err := h.store.Create(r.Context(), rec); err != nil {
		respondStoreError(w, err)
		return
	}

	logger.Info("delivery scheduled",
		"record_id", rec.ID, "advisory_ref", rec.AdvisoryRef,
		"scheduled_at", rec.ScheduledAt.Format(time.RFC3339))
	respondJSON(w, http.StatusCreated, rec)
}

// HandleGetDelivery returns a single delivery record.
func (h *Handlers) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type updateDeliveryRequest struct {
	To              []string   `json:"to"`
	Cc              []string   `json:"cc"`
	Bcc             []string   `json:"bcc"`
	Subject         *string    `json:"subject"`
	OperatorMessage *string    `json:"operator_message"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
}

// HandleUpdateDelivery mutates a pending record.
func (h *Handlers) HandleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	var req updateDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), delivery.UpdateParams{
		To:              req.To,
		Cc:              req.Cc,
		Bcc:             req.Bcc,
		Subject:         req.Subject,
		OperatorMessage: req.OperatorMessage,
		ScheduledAt:     req.ScheduledAt,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// HandleCancelDelivery cancels a pending record. Workers observe the
// cancellation even for an already-claimed job.
func (h *Handlers) HandleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Cancel(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	logger.Info("delivery cancelled", "record_id", id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HandleDeleteDelivery removes a record. Terminal records require the
// elevated header set by the dashboard's admin gateway.
func (h *Handlers) HandleDeleteDelivery(w http.ResponseWriter, r *http.Request) {
	elevated := r.Header.Get("X-Admin-Delete") == "true"
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id"), elevated); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListDeliveries lists records, optionally filtered by state.
func (h *Handlers) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := delivery.ListFilter{
		State: domain.DeliveryState(q.Get("state")),
		Page:  intParam(q.Get("page"), 1),
		Limit: intParam(q.Get("limit"), 20),
	}

	records, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// HandleListDue lists pending records whose schedule time has passed.
func (h *Handlers) HandleListDue(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListDue(r.Context(), intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list due deliveries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// HandleTrackingRecords is the analytics query endpoint: filtered,
// paginated tracking records plus the aggregate block.
func (h *Handlers) HandleTrackingRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tracking.Filter{
		TrackingID:     q.Get("tracking_id"),
		EmailID:        q.Get("email_id"),
		RecipientEmail: q.Get("recipient_email"),
		Page:           intParam(q.Get("page"), 1),
		Limit:          intParam(q.Get("limit"), 20),
	}
	if from := parseTime(q.Get("date_from")); from != nil {
		filter.DateFrom = from
	}
	if to := parseTime(q.Get("date_to")); to != nil {
		filter.DateTo = to
	}

	result, err := h.tracker.Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query tracking records")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleTrackingEvents returns the raw event log for one tracking id.
func (h *Handlers) HandleTrackingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.tracker.Events(r.Context(), chi.URLParam(r, "trackingID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query tracking events")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store sentinels onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, delivery.ErrNotPending),
		errors.Is(err, delivery.ErrDeleteRestricted):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrPastSchedule),
		errors.Is(err, delivery.ErrNoRecipients):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}
