package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the stream gateway.
type Metrics struct {
	// Upstream feed
	FeedEvents          *prometheus.CounterVec // labels: type
	FeedState           prometheus.Gauge       // model.FeedState value
	TicksReceived       prometheus.Counter
	UpstreamTokens      prometheus.Gauge
	Reconciliations     prometheus.Counter
	UnsubscribeFailures prometheus.Counter

	// Event channel
	EventQueueDrops prometheus.Counter
	EventQueueDepth prometheus.Gauge

	// Fan-out
	TicksDelivered   prometheus.Counter
	FanoutDuration   prometheus.Histogram
	ClientsConnected prometheus.Gauge
	ClientDrops      *prometheus.CounterVec // labels: reason
	ControlMessages  *prometheus.CounterVec // labels: type

	// Session store circuit breaker
	SessionBreakerState prometheus.Gauge // 0=closed, 1=half-open, 2=open

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates all metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgw_feed_events_total",
			Help: "Events emitted by the feed adapter, by type",
		}, []string{"type"}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgw_feed_state",
			Help: "Upstream connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		}),
		TicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgw_ticks_received_total",
			Help: "Tick records received from the upstream feed",
		}),
		UpstreamTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgw_upstream_tokens",
			Help: "Tokens currently applied to the upstream subscription",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgw_reconciliations_total",
			Help: "Subscription diffs applied to the live upstream connection",
		}),
		UnsubscribeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgw_unsubscribe_failures_total",
			Help: "Best-effort upstream unsubscribes that failed",
		}),

		EventQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgw_event_queue_drops_total",
			Help: "Feed events dropped because the event queue was full",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgw_event_queue_depth",
			Help: "Feed events waiting for the broadcaster",
		}),

		TicksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgw_ticks_delivered_total",
			Help: "Tick records enqueued to client connections after filtering",
		}),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgw_fanout_duration_seconds",
			Help:    "Time to fan one feed event out to all clients",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgw_clients_connected",
			Help: "Registered client connections",
		}),
		ClientDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgw_client_drops_total",
			Help: "Client connections torn down by the gateway, by reason",
		}, []string{"reason"}),
		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgw_control_messages_total",
			Help: "Inbound client control messages, by type",
		}, []string{"type"}),

		SessionBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgw_session_store_breaker_state",
			Help: "Session store circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgw_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.FeedEvents,
		m.FeedState,
		m.TicksReceived,
		m.UpstreamTokens,
		m.Reconciliations,
		m.UnsubscribeFailures,
		m.EventQueueDrops,
		m.EventQueueDepth,
		m.TicksDelivered,
		m.FanoutDuration,
		m.ClientsConnected,
		m.ClientDrops,
		m.ControlMessages,
		m.SessionBreakerState,
		m.MarketState,
	)

	return m
}

// Pinger is a dependency the liveness checker can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the gateway health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState      string    `json:"feed_state"`
	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	Clients        int       `json:"clients"`
	SessionPresent bool      `json:"session_present"`

	// Liveness check results
	SessionStoreOK        bool      `json:"session_store_ok"`
	SessionStoreLatencyMs float64   `json:"session_store_latency_ms"`
	LastCheckAt           time.Time `json:"last_check_at"`
	StartedAt             time.Time `json:"started_at"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState:      "disconnected",
		SessionStoreOK: true,
		StartedAt:      time.Now(),
		now:            time.Now,
	}
}

func (h *HealthStatus) SetFeedState(state string, connected bool) {
	h.mu.Lock()
	h.FeedState = state
	h.FeedConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetClients(n int) {
	h.mu.Lock()
	h.Clients = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetSessionPresent(v bool) {
	h.mu.Lock()
	h.SessionPresent = v
	h.mu.Unlock()
}

// CheckSessionStore pings the session store and records latency + health.
func (h *HealthStatus) CheckSessionStore(ctx context.Context, p Pinger) {
	start := h.now()
	err := p.Ping(ctx)
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.SessionStoreOK = err == nil
	h.SessionStoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker pings the session store every interval until ctx is done.
// A nil store disables probing.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, store Pinger, interval time.Duration) {
	if store == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckSessionStore(pingCtx, store)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// An idle feed with no clients is healthy: the feed only starts on demand.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.SessionStoreOK || (h.Clients > 0 && !h.FeedConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = h.now().Sub(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}
	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	status := struct {
		Status                string  `json:"status"`
		Uptime                string  `json:"uptime"`
		FeedState             string  `json:"feed_state"`
		FeedConnected         bool    `json:"feed_connected"`
		LastTickTime          string  `json:"last_tick_time"`
		TickAge               string  `json:"tick_age"`
		Clients               int     `json:"clients"`
		SessionPresent        bool    `json:"session_present"`
		SessionStoreOK        bool    `json:"session_store_ok"`
		SessionStoreLatencyMs float64 `json:"session_store_latency_ms"`
		LastCheckAt           string  `json:"last_check_at"`
	}{
		Status:                overallStatus,
		Uptime:                h.now().Sub(h.StartedAt).Round(time.Second).String(),
		FeedState:             h.FeedState,
		FeedConnected:         h.FeedConnected,
		LastTickTime:          lastTick,
		TickAge:               tickAge,
		Clients:               h.Clients,
		SessionPresent:        h.SessionPresent,
		SessionStoreOK:        h.SessionStoreOK,
		SessionStoreLatencyMs: h.SessionStoreLatencyMs,
		LastCheckAt:           lastCheck,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a metrics and health server backed by gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
