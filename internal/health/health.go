// Package health serves the liveness and readiness probes of the proxy.
//
// Two routes are registered:
//
//   - GET /healthz reports liveness and always answers 200. A process that
//     can serve the request is alive.
//   - GET /readyz runs every configured [Checker] and answers 200 only when
//     all of them pass, 503 otherwise.
//
// Both answer with a JSON body such as
//
//	{"status":"fail","checks":{"upstreams":"ok","index":"fail: tool index has not been refreshed yet"}}
//
// so an operator can see which dependency is holding readiness back. The two
// checkers toolmux itself needs, [Upstreams] and [IndexRefreshed], live here
// as well.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// checkTimeout bounds a single readiness check. A checker that blocks longer
// has its context cancelled and counts as failed.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the probed
// dependency can serve traffic.
type Checker struct {
	// Name keys the check's entry in the readiness response.
	Name string

	// Check probes the dependency. It must honor ctx cancellation.
	Check func(ctx context.Context) error
}

// Upstreams reports readiness of the upstream MCP sessions. It passes once
// at least one of the expected sessions is running, and trivially when the
// configuration enables no servers at all. running is sampled on every probe.
func Upstreams(expected int, running func() int) Checker {
	check := func(_ context.Context) error {
		if expected == 0 {
			return nil
		}
		if running() == 0 {
			return fmt.Errorf("0 of %d upstream MCP sessions running", expected)
		}
		return nil
	}
	return Checker{Name: "upstreams", Check: check}
}

// IndexRefreshed holds readiness back until the tool index has finished its
// first refresh, so search-tools never serves from an empty index.
// lastRefresh reports when the most recent refresh completed, or the zero
// time before any ran.
func IndexRefreshed(lastRefresh func() time.Time) Checker {
	check := func(_ context.Context) error {
		if lastRefresh().IsZero() {
			return errors.New("tool index has not been refreshed yet")
		}
		return nil
	}
	return Checker{Name: "index", Check: check}
}

// Handler answers both probe routes. The checker list is fixed at
// construction, so a single Handler is safe for concurrent requests.
type Handler struct {
	checkers []Checker
}

// New builds a Handler that runs the given checkers, in order, on every
// readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz answers the liveness probe with an unconditional 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers the readiness probe. All checkers run on every request,
// each under its own [checkTimeout], and every result is reported even when
// an earlier check already failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		if err := runCheck(r.Context(), c); err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[c.Name] = "ok"
	}

	respond(w, code, rep)
}

// runCheck applies the per-check deadline on top of the request context.
func runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// report is the body of both probe responses.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func respond(w http.ResponseWriter, code int, body report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
