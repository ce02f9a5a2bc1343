package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// receiver is a subscriber endpoint for local runs. It fails the first N
// requests with a 500, then acknowledges. Duplicate deliveries are counted
// by X-Relay-Delivery-Id.
type receiver struct {
	failFirstN      int
	secret          string
	signatureHeader string
	delay           time.Duration
	logger          *logging.Logger

	mu       sync.Mutex
	requests int
	accepted int
	seen     map[string]int
}

func newReceiver(cfg config.FakeReceiver, signatureHeader string, logger *logging.Logger) *receiver {
	if signatureHeader == "" {
		signatureHeader = executor.HeaderSignature
	}
	return &receiver{
		failFirstN:      cfg.FailFirstN,
		secret:          cfg.EndpointSecret,
		signatureHeader: signatureHeader,
		delay:           time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:          logger,
		seen:            map[string]int{},
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	mux.HandleFunc("GET /stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get(executor.HeaderDeliveryID)
	log := rc.logger.Plain().WithDelivery(deliveryID).WithField("attempt", r.Header.Get(executor.HeaderAttempt))

	if rc.secret != "" && !executor.Verify(rc.secret, b, r.Header.Get(rc.signatureHeader)) {
		log.Warn("signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	rc.mu.Lock()
	rc.requests++
	n := rc.requests
	fail := n <= rc.failFirstN
	if !fail {
		rc.accepted++
		if deliveryID != "" {
			rc.seen[deliveryID]++
		}
	}
	rc.mu.Unlock()

	if fail {
		log.WithField("request", n).Info(fmt.Sprintf("failing request %d/%d", n, rc.failFirstN))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

type stats struct {
	Requests   int `json:"requests"`
	Accepted   int `json:"accepted"`
	Unique     int `json:"unique_deliveries"`
	Duplicates int `json:"duplicates"`
}

func (rc *receiver) snapshot() stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	st := stats{Requests: rc.requests, Accepted: rc.accepted, Unique: len(rc.seen)}
	for _, c := range rc.seen {
		st.Duplicates += c - 1
	}
	return st
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.snapshot())
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	rc := newReceiver(cfg.FakeReceiver, cfg.Delivery.SignatureHeader, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"verify":       cfg.FakeReceiver.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}
