package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cryptoops"

// Metrics holds all Prometheus metrics of the operations engine.
type Metrics struct {
	registry *prometheus.Registry

	// Market data
	TicksTotal       *prometheus.CounterVec // labels: symbol
	CandlesTotal     *prometheus.CounterVec // labels: symbol
	DuplicateCandles *prometheus.CounterVec // labels: symbol
	StreamReconnects *prometheus.CounterVec // labels: symbol
	StreamErrors     *prometheus.CounterVec // labels: symbol
	IndicatorDur     prometheus.Histogram

	// Candle store
	StoreRetries       prometheus.Counter
	PendingCandles     prometheus.Gauge
	PendingReplaced    prometheus.Counter
	BreakerState       prometheus.Gauge // 0=closed, 1=open, 2=half-open
	ArchivedCandles    *prometheus.CounterVec
	ArchiveErrorsTotal prometheus.Counter

	// Fan-out
	Feeds          prometheus.Gauge
	FanoutDrops    *prometheus.CounterVec // labels: symbol
	ClosedBacklog  *prometheus.GaugeVec   // labels: feed
	EventDrops     prometheus.Counter
	FrameDrops     prometheus.Counter
	SendDrops      *prometheus.CounterVec // labels: type
	PushLatency    prometheus.Histogram
	Sessions       prometheus.Gauge
	WSClients      prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec // labels: method, route, status
	HTTPRequestDur *prometheus.HistogramVec

	// Operations
	Activations    *prometheus.CounterVec // labels: symbol
	Closes         *prometheus.CounterVec // labels: reason
	OrderFailures  *prometheus.CounterVec // labels: operation
	OpenPositions  prometheus.Gauge
	Alerts         *prometheus.CounterVec // labels: kind
	NotifyDropped  prometheus.Counter
	NotifyFailures prometheus.Counter
}

// NewMetrics creates every metric on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TicksTotal:       counterVec("ticks_total", "Kline updates received from the exchange stream", "symbol"),
		CandlesTotal:     counterVec("candles_total", "Closed candles appended to the store", "symbol"),
		DuplicateCandles: counterVec("duplicate_candles_total", "Closed candles already present in the store", "symbol"),
		StreamReconnects: counterVec("stream_reconnects_total", "Kline stream reconnections", "symbol"),
		StreamErrors:     counterVec("stream_errors_total", "Kline stream errors", "symbol"),
		IndicatorDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "indicator_compute_duration_seconds",
			Help:      "Indicator computation latency per closed candle",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		StoreRetries:       counter("store_retries_total", "Candle append retries"),
		PendingCandles:     gauge("pending_candles", "Candles held locally after failed appends"),
		PendingReplaced:    counter("pending_replaced_total", "Pending candles superseded by a newer one"),
		BreakerState:       gauge("store_breaker_state", "Candle store circuit breaker state (0=closed, 1=open, 2=half-open)"),
		ArchivedCandles:    counterVec("archived_candles_total", "Candles moved from Redis to the archive", "symbol"),
		ArchiveErrorsTotal: counter("archive_errors_total", "Archive pass failures"),

		Feeds:         gauge("feeds", "Active exchange stream feeds"),
		FanoutDrops:   counterVec("fanout_drops_total", "Closed klines dropped for slow subscribers", "symbol"),
		ClosedBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "closed_backlog", Help: "Closed kline backlog per subscriber feed"}, []string{"feed"}),
		EventDrops:    counter("event_drops_total", "Events dropped for slow observers"),
		FrameDrops:    counter("frame_drops_total", "Kline frames dropped for slow sessions"),
		SendDrops:     counterVec("ws_send_drops_total", "Websocket pushes dropped on a full send queue", "type"),
		PushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_latency_seconds",
			Help:      "Delay between kline open time and websocket delivery",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		Sessions:     gauge("sessions", "Connected user sessions"),
		WSClients:    gauge("ws_clients", "Connected websocket clients"),
		HTTPRequests: counterVec("http_requests_total", "HTTP requests by route", "method", "route", "status"),
		HTTPRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		Activations:    counterVec("activations_total", "Positions opened", "symbol"),
		Closes:         counterVec("closes_total", "Positions closed by reason", "reason"),
		OrderFailures:  counterVec("order_failures_total", "Market orders that failed or did not fill", "operation"),
		OpenPositions:  gauge("open_positions", "Running position monitors"),
		Alerts:         counterVec("alerts_total", "Alerts delivered by kind", "kind"),
		NotifyDropped:  counter("notify_dropped_total", "Notifications dropped on a full queue"),
		NotifyFailures: counter("notify_failures_total", "Notification delivery failures"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.CandlesTotal,
		m.DuplicateCandles,
		m.StreamReconnects,
		m.StreamErrors,
		m.IndicatorDur,
		m.StoreRetries,
		m.PendingCandles,
		m.PendingReplaced,
		m.BreakerState,
		m.ArchivedCandles,
		m.ArchiveErrorsTotal,
		m.Feeds,
		m.FanoutDrops,
		m.ClosedBacklog,
		m.EventDrops,
		m.FrameDrops,
		m.SendDrops,
		m.PushLatency,
		m.Sessions,
		m.WSClients,
		m.HTTPRequests,
		m.HTTPRequestDur,
		m.Activations,
		m.Closes,
		m.OrderFailures,
		m.OpenPositions,
		m.Alerts,
		m.NotifyDropped,
		m.NotifyFailures,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDur.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

// Server runs an HTTP server exposing /metrics and /healthz, for processes
// without the gateway.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
