// Package ingest serves the producer-facing HTTP API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/engine"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/subscription"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const maxBodyBytes = 1 << 20

// ChangePublisher fans subscription change notices out to workers.
type ChangePublisher interface {
	PublishSubscriptionChange(ctx context.Context, id, change string) error
}

type Options struct {
	Changes     ChangePublisher          // optional
	Invalidator subscription.Invalidator // optional, local cache
	Checks      []health.Check
	Metrics     http.Handler // defaults to promhttp.Handler()
	Middleware  func(http.Handler) http.Handler
	Logger      *logging.Logger
}

type Handler struct {
	eng  *engine.Engine
	opts Options
}

func NewHandler(eng *engine.Engine, opts Options) *Handler {
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Handler{eng: eng, opts: opts}
}

// Routes returns the API mux wrapped in trace extraction and, when set, the
// auth middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/subscriptions/{id}/deliveries", h.submit)
	mux.HandleFunc("GET /v1/subscriptions/{id}/deliveries", h.listDeliveries)
	mux.HandleFunc("GET /v1/subscriptions/{id}/stats", h.stats)
	mux.HandleFunc("POST /v1/subscriptions/{id}/invalidate", h.invalidate)
	mux.HandleFunc("POST /v1/events", h.publish)
	mux.HandleFunc("GET /v1/deliveries/{id}", h.getDelivery)
	mux.HandleFunc("GET /v1/deliveries/{id}/history", h.history)
	mux.Handle("GET /healthz", health.HTTPHandler(h.opts.Checks...))
	mux.Handle("GET /metrics", h.opts.Metrics)

	var handler http.Handler = mux
	if h.opts.Middleware != nil {
		handler = h.opts.Middleware(handler)
	}
	return h.traced(handler)
}

func (h *Handler) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		h.opts.Logger.WithContext(ctx).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type eventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type submitResponse struct {
	Message        string `json:"message"`
	SubscriptionID string `json:"subscription_id"`
	EventType      string `json:"event_type"`
	DeliveryID     string `json:"delivery_id"`
}

type publishResponse struct {
	EventType   string   `json:"event_type"`
	DeliveryIDs []string `json:"delivery_ids"`
	Fanout      int      `json:"fanout"`
}

type listResponse struct {
	SubscriptionID string              `json:"subscription_id"`
	Deliveries     []delivery.Delivery `json:"deliveries"`
	TotalCount     int                 `json:"total_count"`
	SuccessRate    float64             `json:"success_rate"`
	Limit          int                 `json:"limit"`
	Offset         int                 `json:"offset"`
}

type invalidateRequest struct {
	Change string `json:"change"`
}

type invalidateResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Change         string `json:"change"`
	Published      bool   `json:"published"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	subID := r.PathValue("id")
	var req eventRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	id, err := h.eng.Submit(r.Context(), subID, req.EventType, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		Message:        "event accepted for delivery",
		SubscriptionID: subID,
		EventType:      req.EventType,
		DeliveryID:     id,
	})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ids, err := h.eng.Publish(r.Context(), req.EventType, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{EventType: req.EventType, DeliveryIDs: ids, Fanout: len(ids)})
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.eng.GetDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	hist, err := h.eng.GetHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	subID := r.PathValue("id")
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := h.eng.ListForSubscription(r.Context(), subID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []delivery.Delivery{}
	}
	st, err := h.eng.SubscriptionStats(r.Context(), subID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		SubscriptionID: subID,
		Deliveries:     items,
		TotalCount:     st.Total,
		SuccessRate:    st.SuccessRate,
		Limit:          page.Limit,
		Offset:         page.Offset,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.SubscriptionStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID := r.PathValue("id")

	// the body is optional
	var req invalidateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: malformed body: %v", engine.ErrInvalidRequest, err))
		return
	}
	if req.Change == "" {
		req.Change = queue.ChangeUpdated
	}
	switch req.Change {
	case queue.ChangeUpdated, queue.ChangeDeactivated, queue.ChangeDeleted:
	default:
		writeError(w, fmt.Errorf("%w: unknown change %q", engine.ErrInvalidRequest, req.Change))
		return
	}

	tracing.AddSpanEvent(ctx, "subscription.invalidate", attribute.String("subscription_id", subID))
	if h.opts.Invalidator != nil {
		if err := h.opts.Invalidator.Invalidate(ctx, subID); err != nil {
			writeError(w, fmt.Errorf("invalidate cache: %w", err))
			return
		}
	}
	resp := invalidateResponse{SubscriptionID: subID, Change: req.Change}
	if h.opts.Changes != nil {
		if err := h.opts.Changes.PublishSubscriptionChange(ctx, subID, req.Change); err != nil {
			writeError(w, fmt.Errorf("publish change: %w", err))
			return
		}
		resp.Published = true
	}
	h.opts.Logger.WithContext(ctx).WithSubscription(subID).WithField("change", req.Change).Info("subscription invalidated")
	writeJSON(w, http.StatusAccepted, resp)
}

func parsePage(r *http.Request) (store.Page, error) {
	var page store.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("%w: limit must be a non-negative integer", engine.ErrInvalidRequest)
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("%w: offset must be a non-negative integer", engine.ErrInvalidRequest)
		}
		page.Offset = n
	}
	return page.Normalize(), nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", engine.ErrInvalidRequest, err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrInactive), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
