// Package health serves the liveness and readiness probes of the ops server.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only if all pass,
// 503 otherwise. Both reply with JSON:
//
//	{"status":"fail","checks":{"hub":{"status":"fail","error":"...","elapsed_ms":12}}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness check.
type Checker struct {
	// Name keys the check in the response, e.g. "hub" or "wake_loop".
	Name string

	// Check returns nil when healthy. It must honour ctx.
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler running checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by [checkTimeout] and
// the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(ctx)
			results[i] = checkResult{Status: "ok", ElapsedMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Error = err.Error()
			}
		})
	}
	wg.Wait()

	resp := response{Status: "ok", Checks: make(map[string]checkResult, len(results))}
	code := http.StatusOK
	for i, c := range h.checkers {
		resp.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			resp.Status = "fail"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Pinger is implemented by clients that can cheaply probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HubChecker reports whether the home-automation hub answers.
func HubChecker(p Pinger) Checker {
	return Checker{Name: "hub", Check: p.Ping}
}

// Activity describes the wake loop for [LoopChecker].
type Activity interface {
	// LastActivity is when the loop last read a frame or finished a turn.
	LastActivity() time.Time
}

// LoopChecker fails when the wake loop has not read audio for longer than
// maxIdle. busy, when non-nil, reports a running turn; the loop does not read
// frames itself while a turn runs, so the check passes then.
func LoopChecker(a Activity, busy func() bool, maxIdle time.Duration) Checker {
	return Checker{Name: "wake_loop", Check: func(context.Context) error {
		if busy != nil && busy() {
			return nil
		}
		last := a.LastActivity()
		if last.IsZero() {
			return errors.New("no audio captured yet")
		}
		if idle := time.Since(last); idle > maxIdle {
			return fmt.Errorf("no audio for %s", idle.Round(time.Second))
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}
