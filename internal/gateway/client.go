package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"portfolio-copilot/internal/model"
)

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest control message accepted. A SUBSCRIBE for the broker's 3000
	// token limit is about 25 KiB.
	maxMessageSize = 64 << 10
)

// Client is one /ws/stream connection. The hub owns its send channel:
// only the hub closes it, and closed is guarded by hub.mu.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	closed  bool
	limiter *rate.Limiter
	log     *zap.Logger
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.ControlRate), h.cfg.ControlBurst),
		log:     h.log.With(zap.String("conn_id", id)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// enqueue is the fan-out path; the caller holds hub.mu.
func (c *Client) enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// reply queues a control response. A full buffer drops the client.
func (c *Client) reply(b []byte) {
	c.hub.mu.RLock()
	ok := c.closed || c.enqueue(b)
	c.hub.mu.RUnlock()
	if ok {
		return
	}
	if c.hub.remove(c) {
		if m := c.hub.cfg.Metrics; m != nil {
			m.ClientDrops.WithLabelValues("slow_consumer").Inc()
		}
		c.hub.reconcile(model.DefaultMode)
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn)
	h.Register(c)

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.countControl("rate_limited")
			c.reply(encodeErrorMessage(MsgRateLimited))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("websocket write error", zap.Error(err))
				if m := c.hub.cfg.Metrics; m != nil {
					m.ClientDrops.WithLabelValues("write_error").Inc()
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage applies one control message and answers on this connection only.
func (c *Client) handleMessage(data []byte) {
	msg, err := ParseControl(data)
	if err != nil {
		c.countControl("invalid")
		c.reply(encodeErrorMessage(MsgInvalidJSON))
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		mode, err := model.ParseMode(msg.Mode)
		if err != nil {
			c.countControl("invalid")
			c.reply(encodeErrorMessage(MsgInvalidMode))
			return
		}
		c.countControl("subscribe")
		c.hub.SetTokens(c, model.NewTokenSet(msg.Tokens...), mode)
		c.log.Debug("subscribe", zap.Int("tokens", len(msg.Tokens)), zap.String("mode", string(mode)))
		c.reply(encodeSubscribed(msg.Tokens, mode))

	case TypeUnsubscribe:
		c.countControl("unsubscribe")
		c.hub.RemoveTokens(c, model.NewTokenSet(msg.Tokens...))
		c.reply(encodeUnsubscribed(msg.Tokens))

	case TypeUnsubscribeAll:
		c.countControl("unsubscribe_all")
		c.hub.ClearTokens(c)
		c.reply(encodeUnsubscribedAll())

	default:
		c.countControl("unknown")
		c.reply(encodeErrorMessage(MsgUnknownType))
	}
}

func (c *Client) countControl(kind string) {
	if m := c.hub.cfg.Metrics; m != nil {
		m.ControlMessages.WithLabelValues(kind).Inc()
	}
}
