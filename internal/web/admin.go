// Package web serves the operator HTTP surface: Prometheus metrics, a
// liveness probe and a read-only view over the request ledger.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tdm-edge/energyreport/internal/database"
	"github.com/tdm-edge/energyreport/internal/models"
)

// Queries wider than this are rejected outright.
const maxQueryRange = 2 * 365 * 24 * time.Hour

// AdminConfig tunes the operator surface.
type AdminConfig struct {
	CacheSize      int
	RateLimit      float64
	RateLimitBurst int
}

// DefaultAdminConfig returns an AdminConfig with sensible defaults
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		CacheSize:      256,
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// Handler serves /metrics, /healthz and /reports.
type Handler struct {
	ledger  database.RequestLedger
	logger  *logrus.Logger
	limiter *rate.Limiter

	// cache holds /reports responses for windows fully covered by SENT
	// records. SENT is terminal and a covered window cannot gain
	// records, so those responses never go stale.
	cache *lru.Cache
}

// NewHandler builds the admin mux. The registry is the one scheduler
// and gRPC metrics are registered on.
func NewHandler(ledger database.RequestLedger, logger *logrus.Logger, registry *prometheus.Registry, cfg AdminConfig) (http.Handler, error) {
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		ledger:  ledger,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		cache:   cache,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/reports", h.handleReports)

	return h.withRequestID(h.withLogging(mux)), nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (h *Handler) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	start, end, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := fmt.Sprintf("%d:%d", start.Unix(), end.Unix())
	if cached, ok := h.cache.Get(key); ok {
		writeJSON(w, cached.([]byte))
		return
	}

	records, err := h.ledger.QueryRange(r.Context(), start, end)
	if err != nil {
		h.logger.WithError(err).Error("Ledger query failed")
		http.Error(w, "ledger query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ReportRequest{}
	}

	body, err := json.Marshal(records)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	if cacheable(records, end) {
		h.cache.Add(key, body)
	}

	writeJSON(w, body)
}

func parseWindow(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	start, err = time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		return start, end, errors.New("invalid or missing start")
	}
	end, err = time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		return start, end, errors.New("invalid or missing end")
	}
	if !start.Before(end) {
		return start, end, errors.New("start must be before end")
	}
	if end.Sub(start) > maxQueryRange {
		return start, end, errors.New("time range exceeds maximum allowed")
	}
	return start, end, nil
}

// cacheable reports whether a response for the window ending at end may
// be cached. Every record must be SENT and the newest record must reach
// the window end: a window extending past the newest record still gains
// records as later intervals close.
func cacheable(records []models.ReportRequest, end time.Time) bool {
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if rec.Status != models.StatusSent {
			return false
		}
	}
	return !records[len(records)-1].Interval.End.Before(end)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *Handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.WithFields(logrus.Fields{
			"request_id": w.Header().Get("X-Request-Id"),
			"path":       r.URL.Path,
			"duration":   time.Since(start).String(),
		}).Debug("Request handled")
	})
}
