package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
)

// Pinger is a dependency whose liveness can be probed, e.g. *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool      `json:"stream_connected"`
	LastTickTime    time.Time `json:"last_tick_time"`
	RedisConnected  bool      `json:"redis_connected"`
	ArchiveOK       bool      `json:"archive_ok"`
	OpenPositions   int       `json:"open_positions"`
	Sessions        int       `json:"sessions"`

	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	ArchiveLatencyMs float64   `json:"archive_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`

	// archiveRequired marks the archive probe as part of overall health.
	archiveRequired bool
	// streamRequired marks the exchange stream as part of overall health.
	streamRequired bool
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// RequireArchive makes a failing archive probe degrade overall health.
func (h *HealthStatus) RequireArchive() {
	h.mu.Lock()
	h.archiveRequired = true
	h.mu.Unlock()
}

// RequireStream makes a missing exchange stream degrade overall health.
func (h *HealthStatus) RequireStream() {
	h.mu.Lock()
	h.streamRequired = true
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.StreamConnected = true
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenPositions(n int) {
	h.mu.Lock()
	h.OpenPositions = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetSessions(n int) {
	h.mu.Lock()
	h.Sessions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckArchive pings the SQL archive and records latency + health.
func (h *HealthStatus) CheckArchive(ctx context.Context, db Pinger) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.ArchiveOK = err == nil
	h.ArchiveLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker probes now and then every interval. Either
// dependency may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db Pinger, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if db != nil {
			h.CheckArchive(probeCtx, db)
		}
	}
	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	degraded := !h.RedisConnected ||
		(h.archiveRequired && !h.ArchiveOK) ||
		(h.streamRequired && !h.StreamConnected)
	if degraded {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && h.archiveRequired && !h.ArchiveOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		StreamConnected  bool    `json:"stream_connected"`
		TickAge          string  `json:"tick_age"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		ArchiveOK        bool    `json:"archive_ok"`
		ArchiveLatencyMs float64 `json:"archive_latency_ms"`
		OpenPositions    int     `json:"open_positions"`
		Sessions         int     `json:"sessions"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected:  h.StreamConnected,
		TickAge:          tickAge,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		ArchiveOK:        h.ArchiveOK,
		ArchiveLatencyMs: h.ArchiveLatencyMs,
		OpenPositions:    h.OpenPositions,
		Sessions:         h.Sessions,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(status)
}
