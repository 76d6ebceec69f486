// Package health serves the liveness and readiness probes of the call
// server.
//
//   - /healthz answers 200 whenever the process can serve HTTP.
//   - /readyz answers 200 only while every registered dependency check
//     (database, object store) passes; otherwise 503 with the failing
//     checks named in the body.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single dependency probe.
const checkTimeout = 5 * time.Second

// Check probes one dependency. It must honour context cancellation and
// return nil while the dependency can serve calls.
type Check func(ctx context.Context) error

// Handler evaluates a fixed set of named dependency checks per /readyz
// request. Checks run concurrently so one slow dependency does not hide
// the state of the others.
type Handler struct {
	checks map[string]Check
}

// New builds a Handler over the given named checks.
func New(checks map[string]Check) *Handler {
	owned := make(map[string]Check, len(checks))
	for name, c := range checks {
		owned[name] = c
	}
	return &Handler{checks: owned}
}

type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports process liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every check and reports 200 only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
		ready   = true
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = "fail: " + err.Error()
				ready = false
			} else {
				results[name] = "ok"
			}
		}()
	}
	wg.Wait()

	res := probeResult{Status: "ok", Checks: results}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
