package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"fleettrack/internal/geofence"
	"fleettrack/internal/history"
	"fleettrack/internal/middleware"
	"fleettrack/internal/store"
	"fleettrack/internal/tracking"
)

// Stats tracks server-wide counters
type Stats struct {
	startTime        time.Time
	requestCount     atomic.Int64
	wsConnections    atomic.Int64
	wsMessagesIn     atomic.Int64
	wsMessagesOut    atomic.Int64
	rateLimitBlocked atomic.Int64
}

// Global stats instance
var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()         { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections()    { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections()    { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()     { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut()    { s.wsMessagesOut.Add(1) }
func (s *Stats) IncRateLimitBlocked() { s.rateLimitBlocked.Add(1) }

type StatsHandler struct {
	live        *store.Store
	history     *history.Store
	geofences   *geofence.Registry
	coordinator *tracking.Coordinator
	limiter     *middleware.RateLimiter
	version     string
}

func NewStatsHandler(live *store.Store, h *history.Store, g *geofence.Registry, c *tracking.Coordinator, limiter *middleware.RateLimiter, version string) *StatsHandler {
	return &StatsHandler{
		live:        live,
		history:     h,
		geofences:   g,
		coordinator: c,
		limiter:     limiter,
		version:     version,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Tracking  TrackingStatsResponse  `json:"tracking"`
	History   history.Stats          `json:"history"`
	Geofences GeofenceStatsResponse  `json:"geofences"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	RateLimit *middleware.Stats      `json:"rate_limit,omitempty"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	RateLimited   int64     `json:"rate_limited"`
	Version       string    `json:"version"`
}

type TrackingStatsResponse struct {
	Active          bool      `json:"active"`
	Authorized      bool      `json:"authorized"`
	TrackedVehicles int       `json:"tracked_vehicles"`
	LiveVehicles    int       `json:"live_vehicles"`
	Ticks           uint64    `json:"ticks"`
	LastTick        time.Time `json:"last_tick"`
}

type GeofenceStatsResponse struct {
	Registered  int  `json:"registered"`
	LiveRegions int  `json:"live_regions"`
	Monitoring  bool `json:"monitoring"`
}

type WebSocketStatsResponse struct {
	Connections int64 `json:"connections"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(ServerStats.startTime)
	session := h.coordinator.Status()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			RateLimited:   ServerStats.rateLimitBlocked.Load(),
			Version:       h.version,
		},
		Tracking: TrackingStatsResponse{
			Active:          session.Active,
			Authorized:      session.Authorized,
			TrackedVehicles: len(session.TrackedVehicleIDs),
			LiveVehicles:    h.live.Count(),
			Ticks:           session.Ticks,
			LastTick:        session.LastTick,
		},
		History: h.history.Stats(),
		Geofences: GeofenceStatsResponse{
			Registered:  len(h.geofences.Geofences()),
			LiveRegions: len(h.geofences.LiveRegions()),
			Monitoring:  h.geofences.IsMonitoring(),
		},
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			MessagesIn:  ServerStats.wsMessagesIn.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}
	if h.limiter != nil {
		rl := h.limiter.Stats()
		response.RateLimit = &rl
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
