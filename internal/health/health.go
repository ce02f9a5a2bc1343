package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and by the subscription cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency probe. A nil Pinger is reported healthy.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Evaluate pings every dependency with a one second budget each.
func Evaluate(ctx context.Context, checks ...Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) > 0 {
		st.Checks = make(map[string]bool, len(checks))
	}
	for _, c := range checks {
		healthy := true
		if c.Pinger != nil {
			pctx, cancel := context.WithTimeout(ctx, 1*time.Second)
			healthy = c.Pinger.Ping(pctx) == nil
			cancel()
		}
		st.Checks[c.Name] = healthy
		if !healthy {
			st.OK = false
			st.Message = c.Name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
