package tracking

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inteldesk/advisory-notifier/internal/domain"
	"github.com/inteldesk/advisory-notifier/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// ingestion must not hold up mail clients waiting on the pixel
const recordTimeout = 5 * time.Second

// Handler serves the public beacon and link endpoints. Both always
// answer success-shaped: the pixel is returned and the redirect issued
// whether or not the tracking id was recognized.
type Handler struct {
	svc *Service
}

// NewHandler creates the tracking HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns the router for mounting under /track.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pixel", h.HandlePixel)
	r.Get("/link", h.HandleClick)
	return r
}

// HandlePixel records an open event and serves the pixel. Bad input
// still gets the pixel so broken beacons never show up in mail clients.
func (h *Handler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	trackingID := r.URL.Query().Get("t")
	if trackingID != "" {
		ctx, cancel := context.WithTimeout(r.Context(), recordTimeout)
		defer cancel()

		_, err := h.svc.RecordEvent(ctx, EventInput{
			TrackingID: trackingID,
			Type:       domain.EventOpen,
			IPAddress:  realIP(r),
			UserAgent:  r.UserAgent(),
			Referer:    r.Referer(),
		})
		if err != nil {
			logger.Warn("open event not recorded", "tracking_id", trackingID, "error", err.Error())
		}
	}
	servePixel(w)
}

// HandleClick records a click event and redirects to the destination.
// Destinations that are not well-formed absolute http(s) URLs, or that
// point at loopback/private hosts, are refused without recording.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dest := q.Get("u")

	if err := validateRedirectURL(dest); err != nil {
		logger.Warn("refused redirect destination", "error", err.Error())
		http.Error(w, "invalid destination", http.StatusBadRequest)
		return
	}

	if trackingID := q.Get("t"); trackingID != "" {
		ctx, cancel := context.WithTimeout(r.Context(), recordTimeout)
		defer cancel()

		_, err := h.svc.RecordEvent(ctx, EventInput{
			TrackingID: trackingID,
			Type:       domain.EventClick,
			IPAddress:  realIP(r),
			UserAgent:  r.UserAgent(),
			Referer:    r.Referer(),
			LinkURL:    dest,
			LinkID:     q.Get("l"),
		})
		if err != nil {
			logger.Warn("click event not recorded", "tracking_id", trackingID, "error", err.Error())
		}
	}

	http.Redirect(w, r, dest, http.StatusFound)
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

type redirectError string

func (e redirectError) Error() string { return string(e) }

// validateRedirectURL is the open-redirect guard for the link endpoint.
func validateRedirectURL(raw string) error {
	if raw == "" {
		return redirectError("empty destination")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redirectError("unparseable destination")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return redirectError("destination scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return redirectError("destination has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return redirectError("loopback destination refused")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return redirectError("private destination refused")
		}
	}
	return nil
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
