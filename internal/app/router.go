package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsFunc returns a point-in-time snapshot of one transport component.
type StatsFunc func() any

// BuildOpsRouter constructs the internal operations handler: liveness,
// readiness, Prometheus metrics and transport counter snapshots.
func BuildOpsRouter(checks Checks, stats map[string]StatsFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", ReadyzHandler(checks))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/stats", StatsHandler(stats))
	return r
}

// ReadyzHandler reports the reachability of every configured backing store.
// Any failing probe turns the response into a 503 with per-store detail.
func ReadyzHandler(checks Checks) http.HandlerFunc {
	probes := []struct {
		name string
		p    Pinger
	}{
		{"postgres", checks.Postgres},
		{"clickhouse", checks.ClickHouse},
		{"redis", checks.Redis},
		{"kafka", checks.Kafka},
	}
	return func(w http.ResponseWriter, req *http.Request) {
		out := make(map[string]string, len(probes))
		ready := true
		for _, probe := range probes {
			if probe.p == nil {
				out[probe.name] = "skipped"
				continue
			}
			if err := runCheck(req.Context(), probe.p); err != nil {
				out[probe.name] = err.Error()
				ready = false
				continue
			}
			out[probe.name] = "ok"
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": out})
	}
}

// StatsHandler renders the registered transport snapshots as one JSON
// document keyed by component name.
func StatsHandler(stats map[string]StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]any, len(stats))
		for name, fn := range stats {
			out[name] = fn()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeOps runs the ops listener until ctx is cancelled, then drains it.
func ServeOps(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("op=app.ServeOps: %w", err)
		}
		return nil
	}
}
