package main

import (
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// simConfig tunes the simulated ticker.
type simConfig struct {
	Interval     time.Duration // tick interval (TICK_INTERVAL_MS)
	Heartbeat    time.Duration // 1-byte heartbeat interval while idle
	RequireToken bool          // reject handshakes without access_token
}

// priceBook is the shared random walk, so every connection sees the same prices.
type priceBook struct {
	mu     sync.Mutex
	prices map[uint32]float64
	rng    *rand.Rand
}

func newPriceBook(seed int64) *priceBook {
	return &priceBook{prices: make(map[uint32]float64), rng: rand.New(rand.NewSource(seed))}
}

// basePrice seeds a token's first price.
func basePrice(token uint32) float64 {
	return float64(100 + token%5000)
}

// next moves token by at most ±0.1% and returns the new price, rounded to
// the tick size.
func (b *priceBook) next(token uint32) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[token]
	if !ok {
		p = basePrice(token)
	}
	p += p * (b.rng.Float64()*0.2 - 0.1) / 100
	p = math.Max(0.05, math.Round(p*20)/20)
	b.prices[token] = p
	return p
}

func (b *priceBook) qty() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(b.rng.Intn(100) + 1)
}

// subscription is one connection's requested tokens and their modes.
type subscription struct {
	mu    sync.Mutex
	modes map[uint32]string
}

func newSubscription() *subscription {
	return &subscription{modes: make(map[uint32]string)}
}

type control struct {
	Action string          `json:"a"`
	Value  json.RawMessage `json:"v"`
}

// apply handles one control frame. Unknown actions and bad payloads are ignored
// the way the real ticker ignores them.
func (s *subscription) apply(msg []byte) {
	var c control
	if err := json.Unmarshal(msg, &c); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.Action {
	case "subscribe":
		var tokens []uint32
		if json.Unmarshal(c.Value, &tokens) != nil {
			return
		}
		for _, t := range tokens {
			if _, ok := s.modes[t]; !ok {
				s.modes[t] = modeQuote
			}
		}
	case "unsubscribe":
		var tokens []uint32
		if json.Unmarshal(c.Value, &tokens) != nil {
			return
		}
		for _, t := range tokens {
			delete(s.modes, t)
		}
	case "mode":
		var v []json.RawMessage
		if json.Unmarshal(c.Value, &v) != nil || len(v) != 2 {
			return
		}
		var mode string
		var tokens []uint32
		if json.Unmarshal(v[0], &mode) != nil || json.Unmarshal(v[1], &tokens) != nil {
			return
		}
		switch mode {
		case modeLTP, modeQuote, modeFull:
		default:
			return
		}
		for _, t := range tokens {
			if _, ok := s.modes[t]; ok {
				s.modes[t] = mode
			}
		}
	}
}

func (s *subscription) snapshot() map[uint32]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]string, len(s.modes))
	for t, m := range s.modes {
		out[t] = m
	}
	return out
}

// buildTicks renders one tick per subscribed token.
func buildTicks(subs map[uint32]string, book *priceBook, now time.Time) []tick {
	ticks := make([]tick, 0, len(subs))
	for token, mode := range subs {
		last := book.next(token)
		t := tick{Mode: mode, InstrumentToken: token, LastPrice: last}
		if mode != modeLTP {
			base := basePrice(token)
			t.OHLC = ohlc{Open: base, High: math.Max(base, last), Low: math.Min(base, last), Close: base}
			t.LastTradedQuantity = book.qty()
			t.AverageTradePrice = last
			t.VolumeTraded = uint32(now.Unix() % 1_000_000)
		}
		if mode == modeFull {
			ts := now.Truncate(time.Second)
			t.LastTradeTime = ts
			t.ExchangeTimestamp = ts
			for i := range t.Buy {
				step := float64(i+1) * 0.05
				t.Buy[i] = depthItem{Quantity: book.qty(), Price: math.Max(0.05, last-step), Orders: uint16(i + 1)}
				t.Sell[i] = depthItem{Quantity: book.qty(), Price: last + step, Orders: uint16(i + 1)}
			}
		}
		ticks = append(ticks, t)
	}
	return ticks
}

type simServer struct {
	cfg      simConfig
	book     *priceBook
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func newSimServer(cfg simConfig, log *zap.Logger) *simServer {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	return &simServer{
		cfg:      cfg,
		book:     newPriceBook(time.Now().UnixNano()),
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (s *simServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RequireToken && r.URL.Query().Get("access_token") == "" {
		http.Error(w, "missing access_token", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Info("client connected")

	subs := newSubscription()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			subs.apply(msg)
		}
	}()

	s.writeLoop(conn, subs, done)
	conn.Close()
	log.Info("client disconnected")
}

func (s *simServer) writeLoop(conn *websocket.Conn, subs *subscription, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			var frame []byte
			if current := subs.snapshot(); len(current) > 0 {
				b, err := encodePackets(buildTicks(current, s.book, now))
				if err != nil {
					s.log.Error("encode ticks", zap.Error(err))
					continue
				}
				frame = b
			} else if now.Sub(lastWrite) >= s.cfg.Heartbeat {
				frame = []byte{0}
			} else {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			lastWrite = now
		}
	}
}
