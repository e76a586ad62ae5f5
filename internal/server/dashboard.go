// ============================================================================
// queuectl Dashboard - 唯讀 HTTP 介面
// ============================================================================
//
// 路由:
//   GET /              靜態頁面，定期輪詢下列 API
//   GET /api/status    {pending, failed, processing, completed, dead, workers, refresh_ms}
//   GET /api/list      ?state=<s> → {state, ids}
//   GET /metrics       Prometheus
//
// 非 GET 請求一律 405；未知 state 回 400。Dashboard 不會修改任何狀態。
//
// ============================================================================

package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/metrics"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

//go:embed static/index.html
var indexHTML []byte

// DefaultRefreshMs is the page poll interval when none is configured.
const DefaultRefreshMs = 30000

// WorkerCounter reports how many workers are active.
type WorkerCounter func(ctx context.Context) (int, error)

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	types.Counts
	Workers   int   `json:"workers"`
	RefreshMs int64 `json:"refresh_ms"`
}

// ListResponse is the /api/list payload.
type ListResponse struct {
	State types.JobState `json:"state"`
	IDs   []string       `json:"ids"`
}

// Dashboard serves the read-only HTTP surface.
type Dashboard struct {
	svc       jobmanager.Service
	workers   WorkerCounter
	refreshMs int64
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// DashboardOption configures the Dashboard.
type DashboardOption func(*Dashboard)

// WithWorkerCounter overrides how /api/status counts workers.
func WithWorkerCounter(f WorkerCounter) DashboardOption {
	return func(d *Dashboard) { d.workers = f }
}

// WithRefreshMs sets the refresh interval reported to the page.
func WithRefreshMs(ms int64) DashboardOption { return func(d *Dashboard) { d.refreshMs = ms } }

// WithDashboardMetrics serves c on /metrics.
func WithDashboardMetrics(c *metrics.Collector) DashboardOption {
	return func(d *Dashboard) { d.metrics = c }
}

// WithDashboardLogger sets the logger.
func WithDashboardLogger(l *slog.Logger) DashboardOption {
	return func(d *Dashboard) { d.logger = l }
}

// NewDashboard 建立 Dashboard
func NewDashboard(svc jobmanager.Service, opts ...DashboardOption) *Dashboard {
	d := &Dashboard{
		svc:       svc,
		refreshMs: DefaultRefreshMs,
		logger:    slog.Default(),
	}
	if aw, ok := svc.(interface {
		ActiveWorkers(context.Context) (int, error)
	}); ok {
		d.workers = aw.ActiveWorkers
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler returns the routing table.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", d.handleIndex)
	mux.HandleFunc("GET /api/status", d.handleStatus)
	mux.HandleFunc("GET /api/list", d.handleList)
	mux.Handle("GET /metrics", d.metrics.Handler())
	return mux
}

// Serve runs the dashboard on lis until ctx is cancelled.
func (d *Dashboard) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	d.logger.Info("Dashboard listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe binds addr and calls Serve.
func (d *Dashboard) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return d.Serve(ctx, lis)
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := d.svc.Status(r.Context())
	if err != nil {
		d.fail(w, http.StatusInternalServerError, err)
		return
	}
	resp := StatusResponse{Counts: counts, RefreshMs: d.refreshMs}
	if d.workers != nil {
		n, err := d.workers(r.Context())
		if err != nil {
			d.logger.Warn("Failed to count workers", "error", err)
		}
		resp.Workers = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) handleList(w http.ResponseWriter, r *http.Request) {
	state, err := types.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		d.fail(w, http.StatusBadRequest, err)
		return
	}
	ids, err := d.svc.ListByState(r.Context(), state)
	if err != nil {
		d.fail(w, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ListResponse{State: state, IDs: ids})
}

func (d *Dashboard) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		d.logger.Error("Dashboard request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
