// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/ttv-presence/telemetry"
	"github.com/onnwee/ttv-presence/tracker"
)

// Handlers holds dependencies for all HTTP handlers. ctx is the server's
// lifetime context: poll loops started over HTTP must outlive the request
// that started them.
type Handlers struct {
	db       *sql.DB
	registry *tracker.Registry
	ctx      context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, registry *tracker.Registry) *Handlers {
	return &Handlers{db: db, registry: registry, ctx: ctx}
}

// statusResponse is the /status payload. LastCrawls maps channel name to the
// recorded summary of its most recent completed cycle.
type statusResponse struct {
	Trackers     []tracker.Status  `json:"trackers"`
	SessionCount int64             `json:"session_count"`
	UserCount    int64             `json:"user_count"`
	LastCrawls   map[string]string `json:"last_crawls,omitempty"`
}

// HandleStatus reports every tracker plus store-level totals.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Trackers: h.registry.Statuses()}
	if resp.Trackers == nil {
		resp.Trackers = []tracker.Status{}
	}

	ctx := r.Context()
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&resp.SessionCount); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("status: session count failed", "err", err)
	}
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM twitch_users`).Scan(&resp.UserCount); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("status: user count failed", "err", err)
	}
	rows, err := h.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key LIKE 'last_crawl:%'`)
	if err == nil {
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				break
			}
			if resp.LastCrawls == nil {
				resp.LastCrawls = make(map[string]string)
			}
			resp.LastCrawls[strings.TrimPrefix(key, "last_crawl:")] = value
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleTrackStart begins polling a channel. POST /track/start?channel=name
func (h *Handlers) HandleTrackStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	if err := h.registry.Start(h.ctx, channel); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "channel": channel})
}

// HandleTrackStop halts polling for a channel. POST /track/stop?channel=name
func (h *Handlers) HandleTrackStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	if err := h.registry.Stop(channel); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "channel": channel})
}

// HandleCrawl runs one synchronous crawl+reconcile cycle outside the poll
// loop. POST /crawl?channel=name
func (h *Handlers) HandleCrawl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	t, err := h.registry.Get(channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// A full crawl of a real channel runs longer than the server's write
	// timeout, so lift the deadline for this response. Writers that don't
	// support deadlines (tests) are fine as-is.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	t.RunCycle(r.Context())
	s := t.Status()
	code := http.StatusOK
	if s.LastError != "" {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
