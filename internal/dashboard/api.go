// Package dashboard provides a read-only web dashboard and JSON API for
// monitoring the sandbox server's pool and execution state in real time,
// the supplemented feature SPEC_FULL.md §C.3 adds on top of the
// distilled spec.
package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/helloimcx/sandbox-mcp/internal/audit"
	"github.com/helloimcx/sandbox-mcp/internal/pool"
)

// PoolSnapshot is the JSON response from /dashboard/api/pool.
type PoolSnapshot struct {
	Timestamp      string            `json:"timestamp"`
	ActiveSessions []SessionSnapshot `json:"active_sessions"`
	Recent         []audit.Record    `json:"recent_executions,omitempty"`
}

// SessionSnapshot is a per-session summary of pool.Manager state.
type SessionSnapshot struct {
	SessionID    string `json:"session_id"`
	Busy         bool   `json:"busy"`
	ExecCount    int64  `json:"exec_count"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	Idle         string `json:"idle_for"`
}

// Handler holds the dependencies dashboard HTTP handlers read from.
// auditLog is optional; when nil the recent-executions feed is omitted.
type Handler struct {
	pool     *pool.Manager
	auditLog *audit.Log
}

// NewHandler creates a dashboard handler.
func NewHandler(p *pool.Manager, auditLog *audit.Log) *Handler {
	return &Handler{pool: p, auditLog: auditLog}
}

// RegisterRoutes adds the dashboard's routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard/api/pool", h.handleAPIPool)
	mux.HandleFunc("/dashboard", h.handleDashboard)
	mux.HandleFunc("/dashboard/", h.handleDashboard)
}

func (h *Handler) handleAPIPool(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	now := time.Now()
	snap := PoolSnapshot{Timestamp: now.Format(time.RFC3339)}

	sessions := h.pool.List()
	for _, s := range sessions {
		snap.ActiveSessions = append(snap.ActiveSessions, SessionSnapshot{
			SessionID:    s.ID,
			Busy:         s.IsBusy(),
			ExecCount:    s.ExecCount,
			CreatedAt:    relTime(s.CreatedAt, now),
			LastActivity: relTime(s.LastActivity, now),
			Idle:         now.Sub(s.LastActivity).Round(time.Second).String(),
		})
	}

	if h.auditLog != nil {
		if recent, err := h.auditLog.Recent(50); err == nil {
			snap.Recent = recent
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}

func itoa(n int) string {
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 4)
	for n > 0 {
		buf = append(buf, byte('0'+n%10))
		n /= 10
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
