package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"go.uber.org/zap"

	"portfolio-copilot/internal/model"
)

const (
	defaultReadTimeout = 10 * time.Second
	defaultWriteQueue  = 64
	connectTimeout     = 7 * time.Second
	writeWait          = 5 * time.Second
)

var (
	// ErrNotConnected is returned by control calls while no socket is up.
	ErrNotConnected = errors.New("feed: upstream not connected")
	// ErrWriteQueueFull is returned when control frames back up behind a stalled socket.
	ErrWriteQueueFull = errors.New("feed: upstream write queue full")
)

// KiteConfig configures the Kite ticker dialer.
type KiteConfig struct {
	APIKey      string
	TickerURL   string        // empty for the production endpoint
	ReadTimeout time.Duration // no frame for this long drops the connection (10s)
	WriteQueue  int           // pending control frames (64)
}

// KiteDialer returns a Dialer backed by the Kite ticker.
func KiteDialer(cfg KiteConfig, log *zap.Logger) Dialer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	return func(accessToken string, cb Callbacks) Upstream {
		tk := kiteticker.New(cfg.APIKey, accessToken)
		tk.SetAutoReconnect(false)
		tk.SetConnectTimeout(connectTimeout)
		k := &kiteUpstream{ticker: tk, cfg: cfg, cb: cb, log: log}
		if cfg.TickerURL != "" {
			if u, err := url.Parse(cfg.TickerURL); err == nil {
				tk.SetRootURL(*u)
			} else {
				k.setupErr = err
			}
		}
		tk.OnConnect(k.handleConnect)
		tk.OnMessage(k.handleMessage)
		tk.OnTick(k.handleTick)
		tk.OnError(k.handleError)
		tk.OnClose(k.handleClose)
		return k
	}
}

// kiteUpstream adapts the library ticker to Upstream. The library reports
// transport failures, undecodable frames and the server's {"type":"error"}
// messages through one OnError callback; handleMessage runs before the
// frame is processed, so it marks which kind the next error belongs to.
// Control writes go through one writer goroutine so Subscribe and friends
// never wait on the network.
type kiteUpstream struct {
	ticker   *kiteticker.Ticker
	cfg      KiteConfig
	cb       Callbacks
	log      *zap.Logger
	setupErr error

	mu        sync.Mutex
	cancel    context.CancelFunc
	conn      *websocket.Conn
	writeq    chan func() error
	connected bool // a socket came up on this upstream
	closing   bool // Close was called
	closed    bool // OnClose was reported
	fatal     error
	lastFrame time.Time

	// read goroutine only
	softErr bool
	pending []model.TickRecord
	expect  int
}

func (k *kiteUpstream) Serve(ctx context.Context) error {
	if k.setupErr != nil {
		k.fireError(0, k.setupErr.Error())
		return k.setupErr
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeq := make(chan func() error, k.cfg.WriteQueue)
	k.mu.Lock()
	k.cancel = cancel
	k.writeq = writeq
	k.mu.Unlock()

	go k.writeLoop(writeq)
	go k.watchdog(ctx)
	stop := context.AfterFunc(ctx, k.dropConn)
	defer stop()

	k.ticker.ServeWithContext(ctx)

	k.mu.Lock()
	connected, closing, closed, fatal := k.connected, k.closing, k.closed, k.fatal
	k.closed = true
	k.conn = nil
	k.writeq = nil
	close(writeq)
	k.mu.Unlock()

	switch {
	case !connected && closing:
		return nil
	case !connected:
		if fatal == nil {
			fatal = errors.New("feed: upstream ended before connecting")
		}
		return fatal
	case closing:
		if !closed {
			k.fireClose(websocket.CloseNormalClosure, "closed by client")
		}
		return nil
	case !closed:
		// the read loop ended without reporting why
		if fatal == nil {
			fatal = errors.New("feed: upstream connection lost")
		}
		k.fireError(websocket.CloseAbnormalClosure, fatal.Error())
		k.fireClose(websocket.CloseAbnormalClosure, fatal.Error())
	}
	return fatal
}

func (k *kiteUpstream) handleConnect() {
	k.mu.Lock()
	if k.connected || k.closing {
		// the library redials on its own after a drop; this upstream is single use
		cancel := k.cancel
		k.mu.Unlock()
		cancel()
		if k.ticker.Conn != nil {
			k.ticker.Conn.Close()
		}
		return
	}
	k.connected = true
	k.conn = k.ticker.Conn
	k.lastFrame = time.Now()
	k.mu.Unlock()

	if k.cb.OnConnect != nil {
		k.cb.OnConnect()
	}
}

func (k *kiteUpstream) handleMessage(messageType int, msg []byte) {
	k.mu.Lock()
	k.lastFrame = time.Now()
	k.mu.Unlock()

	k.flush()
	switch messageType {
	case websocket.BinaryMessage:
		// single byte frames are heartbeats
		k.expect = 0
		if len(msg) >= 2 {
			k.expect = int(binary.BigEndian.Uint16(msg[0:2]))
		}
		k.softErr = k.expect > 0
	case websocket.TextMessage:
		var m struct {
			Type string `json:"type"`
		}
		k.softErr = json.Unmarshal(msg, &m) == nil && m.Type == "error"
	default:
		k.softErr = false
	}
}

func (k *kiteUpstream) handleTick(t kitemodels.Tick) {
	raw, err := json.Marshal(newTickJSON(&t))
	if err != nil {
		k.log.Warn("drop unencodable tick", zap.Uint32("token", t.InstrumentToken), zap.Error(err))
	} else {
		k.pending = append(k.pending, model.TickRecord{Token: model.Token(t.InstrumentToken), Raw: raw})
	}
	if k.expect--; k.expect <= 0 {
		k.softErr = false
		k.flush()
	}
}

// flush hands the current frame's ticks to the adapter as one batch.
func (k *kiteUpstream) flush() {
	if len(k.pending) == 0 {
		return
	}
	batch := k.pending
	k.pending = nil
	if k.cb.OnTicks != nil {
		k.cb.OnTicks(batch)
	}
}

func (k *kiteUpstream) handleError(err error) {
	if k.softErr {
		// the socket is still up: an error frame or a frame that failed to decode
		k.softErr = false
		k.flush()
		if k.cb.OnNotice != nil {
			k.cb.OnNotice(err.Error())
		}
		return
	}

	k.mu.Lock()
	connected, closing, closed := k.connected, k.closing, k.closed
	if k.fatal == nil {
		k.fatal = err
	}
	report := connected && !closing && !closed
	if report {
		k.closed = true
	}
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	switch {
	case !connected:
		if !closing {
			k.fireError(0, err.Error())
		}
	case report:
		k.flush()
		k.fireError(websocket.CloseAbnormalClosure, err.Error())
		k.fireClose(websocket.CloseAbnormalClosure, err.Error())
	default:
		k.log.Debug("upstream read ended", zap.Error(err))
	}
}

func (k *kiteUpstream) handleClose(code int, reason string) {
	k.mu.Lock()
	already := k.closed
	k.closed = true
	if k.fatal == nil {
		k.fatal = &websocket.CloseError{Code: code, Text: reason}
	}
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !already {
		k.flush()
		k.fireClose(code, reason)
	}
}

// watchdog drops a connection that has gone silent. The ticker heartbeats
// every second, so silence means the socket is dead.
func (k *kiteUpstream) watchdog(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			k.mu.Lock()
			stale := k.conn != nil && time.Since(k.lastFrame) > k.cfg.ReadTimeout
			conn := k.conn
			k.mu.Unlock()
			if stale {
				k.log.Warn("upstream silent, dropping connection", zap.Duration("timeout", k.cfg.ReadTimeout))
				conn.Close()
				return
			}
		}
	}
}

// dropConn ends the connection when the caller's context is done.
func (k *kiteUpstream) dropConn() {
	k.mu.Lock()
	k.closing = true
	conn := k.conn
	k.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (k *kiteUpstream) writeLoop(writeq <-chan func() error) {
	for job := range writeq {
		k.mu.Lock()
		conn := k.conn
		k.mu.Unlock()
		if conn == nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := job(); err != nil {
			k.log.Warn("upstream write failed", zap.Error(err))
			// unblocks the reader; Serve reports the failure
			conn.Close()
		}
	}
}

func (k *kiteUpstream) send(job func() error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn == nil || k.closing || k.closed {
		return ErrNotConnected
	}
	select {
	case k.writeq <- job:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func toUint32(tokens []model.Token) []uint32 {
	out := make([]uint32, len(tokens))
	for i, t := range tokens {
		out[i] = uint32(t)
	}
	return out
}

func (k *kiteUpstream) Subscribe(tokens []model.Token) error {
	ids := toUint32(tokens)
	return k.send(func() error { return k.ticker.Subscribe(ids) })
}

func (k *kiteUpstream) Unsubscribe(tokens []model.Token) error {
	ids := toUint32(tokens)
	return k.send(func() error { return k.ticker.Unsubscribe(ids) })
}

func (k *kiteUpstream) SetMode(mode model.Mode, tokens []model.Token) error {
	ids := toUint32(tokens)
	return k.send(func() error { return k.ticker.SetMode(kiteticker.Mode(mode), ids) })
}

// Close sends a close frame and tears the connection down. Serve then
// reports OnClose(1000) and returns nil.
func (k *kiteUpstream) Close() error {
	k.mu.Lock()
	conn, cancel := k.conn, k.cancel
	if conn == nil || k.closing {
		k.mu.Unlock()
		return nil
	}
	k.closing = true
	k.mu.Unlock()

	cancel()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

func (k *kiteUpstream) fireError(code int, reason string) {
	if k.cb.OnError != nil {
		k.cb.OnError(code, reason)
	}
}

func (k *kiteUpstream) fireClose(code int, reason string) {
	if k.cb.OnClose != nil {
		k.cb.OnClose(code, reason)
	}
}

// tickJSON is the browser-facing tick, keyed the way Kite documents its
// fields. The library's models.Tick carries no json tags.
type tickJSON struct {
	Mode            string  `json:"mode"`
	InstrumentToken uint32  `json:"instrument_token"`
	Tradable        bool    `json:"tradable"`
	LastPrice       float64 `json:"last_price"`

	LastTradedQuantity uint32     `json:"last_traded_quantity,omitempty"`
	AverageTradedPrice float64    `json:"average_traded_price,omitempty"`
	VolumeTraded       uint32     `json:"volume_traded,omitempty"`
	TotalBuyQuantity   uint32     `json:"total_buy_quantity,omitempty"`
	TotalSellQuantity  uint32     `json:"total_sell_quantity,omitempty"`
	OHLC               *ohlcJSON  `json:"ohlc,omitempty"`
	Change             *float64   `json:"change,omitempty"`
	LastTradeTime      *time.Time `json:"last_trade_time,omitempty"`
	OI                 uint32     `json:"oi,omitempty"`
	OIDayHigh          uint32     `json:"oi_day_high,omitempty"`
	OIDayLow           uint32     `json:"oi_day_low,omitempty"`
	ExchangeTimestamp  *time.Time `json:"exchange_timestamp,omitempty"`
	Depth              *depthJSON `json:"depth,omitempty"`
}

type ohlcJSON struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

type depthItemJSON struct {
	Quantity uint32  `json:"quantity"`
	Price    float64 `json:"price"`
	Orders   uint32  `json:"orders"`
}

type depthJSON struct {
	Buy  [5]depthItemJSON `json:"buy"`
	Sell [5]depthItemJSON `json:"sell"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() || t.Unix() == 0 {
		return nil
	}
	u := t.UTC()
	return &u
}

func newTickJSON(t *kitemodels.Tick) tickJSON {
	out := tickJSON{
		Mode:            t.Mode,
		InstrumentToken: t.InstrumentToken,
		Tradable:        t.IsTradable,
		LastPrice:       float64(t.LastPrice),
	}
	if t.Mode == string(kiteticker.ModeLTP) {
		return out
	}

	out.OHLC = &ohlcJSON{
		Open:  float64(t.OHLC.Open),
		High:  float64(t.OHLC.High),
		Low:   float64(t.OHLC.Low),
		Close: float64(t.OHLC.Close),
	}
	change := float64(t.NetChange)
	out.Change = &change
	out.ExchangeTimestamp = optTime(t.Timestamp.Time)
	if t.IsIndex {
		return out
	}

	out.LastTradedQuantity = uint32(t.LastTradedQuantity)
	out.AverageTradedPrice = float64(t.AverageTradePrice)
	out.VolumeTraded = uint32(t.VolumeTraded)
	out.TotalBuyQuantity = uint32(t.TotalBuyQuantity)
	out.TotalSellQuantity = uint32(t.TotalSellQuantity)
	if t.Mode != string(kiteticker.ModeFull) {
		return out
	}

	out.LastTradeTime = optTime(t.LastTradeTime.Time)
	out.OI = uint32(t.OI)
	out.OIDayHigh = uint32(t.OIDayHigh)
	out.OIDayLow = uint32(t.OIDayLow)
	d := &depthJSON{}
	for i := range d.Buy {
		b, s := t.Depth.Buy[i], t.Depth.Sell[i]
		d.Buy[i] = depthItemJSON{Quantity: uint32(b.Quantity), Price: float64(b.Price), Orders: uint32(b.Orders)}
		d.Sell[i] = depthItemJSON{Quantity: uint32(s.Quantity), Price: float64(s.Price), Orders: uint32(s.Orders)}
	}
	out.Depth = d
	return out
}
