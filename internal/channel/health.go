package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"fsbot/internal/metrics"
)

// SessionCounter reports how many sessions are live, for /healthz.
type SessionCounter interface {
	Count() int
}

// Health is the gateway's small HTTP listener: liveness plus Prometheus
// metrics. It is not a chat channel.
type Health struct {
	addr     string
	sessions SessionCounter
	logger   *slog.Logger
	server   *http.Server
	started  time.Time
}

type HealthConfig struct {
	Addr     string // e.g. "127.0.0.1:8843"
	Sessions SessionCounter
	Logger   *slog.Logger
}

func NewHealth(cfg HealthConfig) *Health {
	return &Health{
		addr:     cfg.Addr,
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
	}
}

// Start serves until the context is cancelled.
func (h *Health) Start(ctx context.Context) error {
	h.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", metrics.Collector.Handler())

	h.server = &http.Server{
		Addr:              h.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	h.logger.Info("health listener started", "addr", h.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}()

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *Health) Stop() error {
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}

func (h *Health) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions.Count()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"sessions":       sessions,
	})
}
