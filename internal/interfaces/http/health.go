package http

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/interfaces/alerts"
	"github.com/sawpanic/liqradar/internal/net/circuit"
	"github.com/sawpanic/liqradar/internal/ops"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"` // "ok" or "degraded"
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Feed      string    `json:"feed,omitempty"`
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Status      string                   `json:"status"`
	Timestamp   time.Time                `json:"timestamp"`
	Uptime      string                   `json:"uptime"`
	Version     string                   `json:"version"`
	System      SystemInfo               `json:"system"`
	Degradation *ops.DegradeStats        `json:"degradation,omitempty"`
	Circuits    map[string]circuit.Stats `json:"circuits,omitempty"`
	Unhealthy   []string                 `json:"unhealthy,omitempty"`
	Metrics     map[string]float64       `json:"metrics,omitempty"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// health is "degraded" while the feed breaker is open.
func (s *Server) health() (string, string) {
	if s.deps.Circuits == nil {
		return "ok", ""
	}
	feed, ok := s.deps.Circuits.Stats()[circuit.DependencyFeed]
	if !ok {
		return "ok", ""
	}
	if feed.State == circuit.StateOpen {
		return "degraded", feed.State.String()
	}
	return "ok", feed.State.String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, feed := s.health()
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		Feed:      feed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, _ := s.health()
	resp := StatusResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		Version:   s.deps.Version,
		System:    systemInfo(),
	}
	if s.deps.Degrader != nil {
		d := s.deps.Degrader.Stats()
		resp.Degradation = &d
	}
	if s.deps.Circuits != nil {
		resp.Circuits = s.deps.Circuits.Stats()
		resp.Unhealthy = s.deps.Circuits.UnhealthyProviders()
	}
	if s.deps.Collector != nil {
		snap, err := s.deps.Collector.Snapshot()
		if err != nil {
			log.Warn().Err(err).Msg("Metrics snapshot failed")
		}
		resp.Metrics = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

// RecentAlertsResponse is the /alerts/recent body.
type RecentAlertsResponse struct {
	Symbol string              `json:"symbol"`
	Alerts []alerts.JournalRow `json:"alerts"`
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	symbol := domain.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	rows, err := s.deps.Journal.Recent(r.Context(), symbol, limit)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Alert journal query failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "alert journal unavailable"})
		return
	}
	if rows == nil {
		rows = []alerts.JournalRow{}
	}
	writeJSON(w, http.StatusOK, RecentAlertsResponse{Symbol: symbol, Alerts: rows})
}

func systemInfo() SystemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      memStats.Alloc,
		NumGC:         memStats.NumGC,
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}
