// Package feed owns the single upstream market data connection and turns its
// callbacks into an ordered stream of model.FeedEvent.
package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-copilot/internal/metrics"
	"portfolio-copilot/internal/model"
	"portfolio-copilot/internal/session"
)

// MsgNoAccessToken is the error event emitted when Start finds no session.
const MsgNoAccessToken = "No access_token. Login first."

// Upstream is one live feed connection. Serve blocks running the receive
// loop and invokes the Callbacks it was dialed with on its own goroutine.
// Subscribe, Unsubscribe and SetMode must not block on the network.
type Upstream interface {
	Serve(ctx context.Context) error
	Subscribe(tokens []model.Token) error
	Unsubscribe(tokens []model.Token) error
	SetMode(mode model.Mode, tokens []model.Token) error
	Close() error
}

// Callbacks are registered once per upstream connection. OnError is for
// transport failures and is always followed by OnClose once connected.
// OnNotice carries errors the server reports on a socket that stays up.
type Callbacks struct {
	OnConnect func()
	OnTicks   func(ticks []model.TickRecord)
	OnError   func(code int, reason string)
	OnClose   func(code int, reason string)
	OnNotice  func(reason string)
}

// Dialer builds an upstream connection for an access token. It must not
// perform I/O; Serve does.
type Dialer func(accessToken string, cb Callbacks) Upstream

// Status is a point-in-time view of the adapter for the status route.
type Status struct {
	State        string        `json:"state"`
	Running      bool          `json:"running"`
	Mode         model.Mode    `json:"mode"`
	Desired      []model.Token `json:"desired"`
	LastApplied  []model.Token `json:"last_applied"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	QueueDepth   int           `json:"queue_depth"`
	QueueDropped uint64        `json:"queue_dropped"`
}

// Adapter owns the upstream connection. All subscription state is guarded
// by mu, which is never held across network waits.
type Adapter struct {
	provider session.Provider
	dial     Dialer
	queue    *Queue
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu          sync.Mutex
	state       model.FeedState
	running     bool
	live        bool // socket is up, whatever the last reported state
	upstream    Upstream
	cancel      context.CancelFunc
	startedAt   time.Time
	desired     model.TokenSet
	mode        model.Mode
	lastApplied model.TokenSet
}

// NewAdapter creates an idle adapter publishing into q. m may be nil.
func NewAdapter(provider session.Provider, dial Dialer, q *Queue, m *metrics.Metrics, log *zap.Logger) *Adapter {
	a := &Adapter{
		provider:    provider,
		dial:        dial,
		queue:       q,
		metrics:     m,
		log:         log.Named("feed"),
		desired:     model.NewTokenSet(),
		mode:        model.DefaultMode,
		lastApplied: model.NewTokenSet(),
	}
	if m != nil {
		q.OnDrop = func(ev model.FeedEvent) {
			m.EventQueueDrops.Inc()
			a.log.Warn("event queue full, dropping event", zap.Stringer("kind", ev.Kind))
		}
	}
	return a
}

// Events is the queue the adapter publishes into.
func (a *Adapter) Events() *Queue { return a.queue }

// Start launches the upstream worker unless one is already running.
// It never blocks.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.running = true
	a.cancel = cancel
	a.startedAt = time.Now().UTC()
	a.setStateLocked(model.FeedConnecting)
	a.mu.Unlock()

	go a.run(ctx)
}

func (a *Adapter) run(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.running = false
		a.live = false
		a.upstream = nil
		if a.state == model.FeedConnecting || a.state == model.FeedConnected {
			a.setStateLocked(model.FeedDisconnected)
		}
		a.cancel()
		a.mu.Unlock()
	}()

	token, ok := a.provider.CurrentAccessToken(ctx)
	if !ok || token == "" {
		a.log.Warn("feed start without session")
		a.mu.Lock()
		a.setStateLocked(model.FeedError)
		a.mu.Unlock()
		a.emit(model.ErrorMessage(MsgNoAccessToken))
		return
	}

	up := a.dial(token, Callbacks{
		OnConnect: a.onConnect,
		OnTicks:   a.onTicks,
		OnError:   a.onError,
		OnClose:   a.onClose,
		OnNotice:  a.onNotice,
	})
	a.mu.Lock()
	a.upstream = up
	a.mu.Unlock()

	a.log.Info("feed worker started")
	if err := up.Serve(ctx); err != nil {
		a.log.Warn("feed worker exited", zap.Error(err))
		return
	}
	a.log.Info("feed worker stopped")
}

// Stop closes the upstream connection and ends the worker. A later Start
// opens a fresh connection.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel, up := a.cancel, a.upstream
	a.mu.Unlock()

	if up != nil {
		if err := up.Close(); err != nil {
			a.log.Debug("upstream close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
}

// UpdateDesiredSubscription replaces the desired token set and mode. While
// the socket is up it is applied immediately; otherwise it is applied on
// connect.
func (a *Adapter) UpdateDesiredSubscription(tokens model.TokenSet, mode model.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.desired = tokens.Clone()
	a.mode = mode
	if a.live && a.upstream != nil {
		a.applySubscriptionLocked()
	}
}

// applySubscriptionLocked pushes the desired state to the live connection.
// Callers hold mu.
func (a *Adapter) applySubscriptionLocked() {
	up := a.upstream
	if up == nil {
		return
	}

	toRemove := a.lastApplied.Minus(a.desired)
	if len(toRemove) > 0 {
		// best effort: the upstream forgets unknown tokens on reconnect
		if err := up.Unsubscribe(toRemove.Sorted()); err != nil {
			a.log.Warn("unsubscribe failed", zap.Error(err), zap.Int("tokens", len(toRemove)))
			if a.metrics != nil {
				a.metrics.UnsubscribeFailures.Inc()
			}
		}
	}

	if len(a.desired) > 0 {
		tokens := a.desired.Sorted()
		if err := up.Subscribe(tokens); err != nil {
			a.log.Error("subscribe failed", zap.Error(err), zap.Int("tokens", len(tokens)))
			return
		}
		if err := up.SetMode(a.mode, tokens); err != nil {
			a.log.Error("set mode failed", zap.Error(err), zap.String("mode", string(a.mode)))
			return
		}
	}

	a.lastApplied = a.desired.Clone()
	if a.metrics != nil {
		a.metrics.Reconciliations.Inc()
		a.metrics.UpstreamTokens.Set(float64(len(a.lastApplied)))
	}
	a.log.Debug("subscription applied",
		zap.Int("tokens", len(a.lastApplied)),
		zap.Int("removed", len(toRemove)),
		zap.String("mode", string(a.mode)),
	)
}

func (a *Adapter) onConnect() {
	a.mu.Lock()
	a.live = true
	a.setStateLocked(model.FeedConnected)
	a.applySubscriptionLocked()
	a.mu.Unlock()

	a.log.Info("upstream connected")
	a.emit(model.Connected())
}

func (a *Adapter) onTicks(ticks []model.TickRecord) {
	if a.metrics != nil {
		a.metrics.TicksReceived.Add(float64(len(ticks)))
	}
	a.emit(model.Ticks(ticks))
}

func (a *Adapter) onError(code int, reason string) {
	a.mu.Lock()
	a.setStateLocked(model.FeedError)
	a.mu.Unlock()

	a.log.Warn("upstream error", zap.Int("code", code), zap.String("reason", reason))
	a.emit(model.Error(code, reason))
}

// onNotice reports a server-side error on a live socket. The connection
// state is left alone so subscription changes keep flowing.
func (a *Adapter) onNotice(reason string) {
	a.log.Warn("upstream notice", zap.String("reason", reason))
	a.emit(model.Error(0, reason))
}

func (a *Adapter) onClose(code int, reason string) {
	a.mu.Lock()
	a.live = false
	a.setStateLocked(model.FeedDisconnected)
	a.mu.Unlock()

	a.log.Warn("upstream closed", zap.Int("code", code), zap.String("reason", reason))
	a.emit(model.Disconnected(code, reason))
}

func (a *Adapter) emit(ev model.FeedEvent) {
	a.queue.Push(ev)
	if a.metrics != nil {
		a.metrics.FeedEvents.WithLabelValues(ev.Kind.String()).Inc()
		a.metrics.EventQueueDepth.Set(float64(a.queue.Len()))
	}
}

func (a *Adapter) setStateLocked(s model.FeedState) {
	a.state = s
	if a.metrics != nil {
		a.metrics.FeedState.Set(float64(s))
	}
}

// State returns the connection state.
func (a *Adapter) State() model.FeedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastApplied returns a copy of what was last pushed upstream.
func (a *Adapter) LastApplied() model.TokenSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastApplied.Clone()
}

// Desired returns a copy of the desired token set and its mode.
func (a *Adapter) Desired() (model.TokenSet, model.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.desired.Clone(), a.mode
}

// Status snapshots the adapter.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		State:        a.state.String(),
		Running:      a.running,
		Mode:         a.mode,
		Desired:      a.desired.Sorted(),
		LastApplied:  a.lastApplied.Sorted(),
		QueueDepth:   a.queue.Len(),
		QueueDropped: a.queue.Dropped(),
	}
	if !a.startedAt.IsZero() {
		t := a.startedAt
		st.StartedAt = &t
	}
	return st
}
