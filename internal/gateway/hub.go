package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-copilot/internal/metrics"
	"portfolio-copilot/internal/model"
)

// Feed is the upstream side the hub drives. *feed.Adapter implements it.
type Feed interface {
	Start()
	UpdateDesiredSubscription(tokens model.TokenSet, mode model.Mode)
}

// EventSource yields feed events in order. *feed.Queue implements it.
type EventSource interface {
	Next(ctx context.Context) (model.FeedEvent, error)
}

// HubConfig tunes per-client limits and observers.
type HubConfig struct {
	SendBuffer   int           // outbound frames buffered per client (256)
	WriteTimeout time.Duration // per-frame write deadline (10s)
	ControlRate  float64       // control messages per second per client (20)
	ControlBurst int           // (40)

	Metrics *metrics.Metrics      // optional
	Health  *metrics.HealthStatus // optional
	OnEvent func(model.FeedEvent) // optional; called after each fan-out pass
}

// Hub is the client registry plus the single fan-out loop. Each client's
// interest set lives in the registry and is replaced only by that client's
// own control messages.
type Hub struct {
	feed   Feed
	events EventSource
	cfg    HubConfig
	log    *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]model.TokenSet

	// reconcileMu orders union pushes so the last completed push reflects
	// every registry change that completed before it.
	reconcileMu sync.Mutex

	latency *LatencyTracker

	loopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub creates a hub. The fan-out loop starts with the first client.
func NewHub(f Feed, events EventSource, cfg HubConfig, log *zap.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = 20
	}
	if cfg.ControlBurst <= 0 {
		cfg.ControlBurst = 40
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		feed:    f,
		events:  events,
		cfg:     cfg,
		log:     log.Named("hub"),
		clients: make(map[*Client]model.TokenSet),
		latency: NewLatencyTracker(4096),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a client with an empty interest set. The first client into
// an empty registry starts the fan-out loop and the upstream worker; later
// clients join whatever state the feed is in, so a missing session is not
// re-announced to everyone on each connect.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = model.NewTokenSet()
	n := len(h.clients)
	h.mu.Unlock()

	h.clientsChanged(n)
	h.log.Info("client registered", zap.String("conn_id", c.id), zap.Int("clients", n))

	h.loopOnce.Do(func() { go h.run(h.ctx) })
	if n == 1 {
		h.feed.Start()
	}
}

// SetTokens replaces the client's interest set and pushes the union with mode.
func (h *Hub) SetTokens(c *Client, tokens model.TokenSet, mode model.Mode) {
	if !h.update(c, func(model.TokenSet) model.TokenSet { return tokens.Clone() }) {
		return
	}
	h.reconcile(mode)
}

// RemoveTokens subtracts tokens from the client's interest set.
func (h *Hub) RemoveTokens(c *Client, tokens model.TokenSet) {
	if !h.update(c, func(cur model.TokenSet) model.TokenSet { return cur.Minus(tokens) }) {
		return
	}
	h.reconcile(model.DefaultMode)
}

// ClearTokens empties the client's interest set.
func (h *Hub) ClearTokens(c *Client) {
	if !h.update(c, func(model.TokenSet) model.TokenSet { return model.NewTokenSet() }) {
		return
	}
	h.reconcile(model.DefaultMode)
}

// Unregister removes the client and withdraws its interest upstream.
func (h *Hub) Unregister(c *Client) {
	if h.remove(c) {
		h.reconcile(model.DefaultMode)
	}
}

func (h *Hub) update(c *Client, fn func(cur model.TokenSet) model.TokenSet) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.clients[c]
	if !ok {
		return false
	}
	h.clients[c] = fn(cur)
	return true
}

// remove deletes c and closes its send channel. It reports whether c was
// still registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c)
	c.closed = true
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.clientsChanged(n)
	h.log.Info("client unregistered", zap.String("conn_id", c.id), zap.Int("clients", n))
	return true
}

// reconcile pushes the union of all interest sets to the feed.
func (h *Hub) reconcile(mode model.Mode) {
	h.reconcileMu.Lock()
	defer h.reconcileMu.Unlock()
	h.feed.UpdateDesiredSubscription(h.Union(), mode)
}

// Union returns the union of every registered client's interest set.
func (h *Hub) Union() model.TokenSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u := model.NewTokenSet()
	for _, tokens := range h.clients {
		u.AddAll(tokens)
	}
	return u
}

// Tokens returns a copy of one client's interest set.
func (h *Hub) Tokens(c *Client) (model.TokenSet, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tokens, ok := h.clients[c]
	if !ok {
		return nil, false
	}
	return tokens.Clone(), true
}

// FanoutLatency returns fan-out pass latency percentiles.
func (h *Hub) FanoutLatency() LatencySnapshot {
	return h.latency.Snapshot()
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) clientsChanged(n int) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ClientsConnected.Set(float64(n))
	}
	if h.cfg.Health != nil {
		h.cfg.Health.SetClients(n)
	}
}

// Shutdown stops the fan-out loop and closes every client.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.closed = true
		close(c.send)
	}
	h.mu.Unlock()
	h.clientsChanged(0)
}
