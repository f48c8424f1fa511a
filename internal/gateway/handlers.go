package gateway

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portfolio-copilot/internal/broker"
	"portfolio-copilot/internal/feed"
	"portfolio-copilot/internal/markethours"
	"portfolio-copilot/internal/metrics"
	"portfolio-copilot/internal/model"
	"portfolio-copilot/internal/session"
)

// StreamControl is the operator view of the upstream worker.
type StreamControl interface {
	Start()
	Status() feed.Status
}

// Deps is everything the HTTP routes need.
type Deps struct {
	Hub       *Hub
	Stream    StreamControl
	Sessions  *session.Store
	Broker    *broker.Client
	APISecret string

	CORSOrigins []string
	Health      *metrics.HealthStatus // optional
	StartedAt   time.Time
	Log         *zap.Logger
}

type routes struct {
	Deps
	upgrader websocket.Upgrader
}

// NewRouter builds the gateway's HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	h := &routes{Deps: d}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.originAllowed,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.cors)
	r.Use(zapLoggerMiddleware(d.Log))

	r.Get("/health", h.health)
	r.Get("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
		h.Hub.ServeWS(&h.upgrader, w, r)
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.Get("/login-url", h.loginURL)
		r.Post("/exchange", h.exchange)
		r.Post("/logout", h.logout)
		r.Get("/me", h.passthrough(func(token string) (any, error) { return h.Broker.Profile(token) }))
	})

	r.Route("/api/portfolio", func(r chi.Router) {
		r.Get("/holdings", h.passthrough(func(token string) (any, error) { return h.Broker.Holdings(token) }))
		r.Get("/positions", h.passthrough(func(token string) (any, error) { return h.Broker.Positions(token) }))
		r.Get("/margins", h.passthrough(func(token string) (any, error) { return h.Broker.Margins(token) }))
	})

	r.Route("/api/stream", func(r chi.Router) {
		r.Get("/status", h.streamStatus)
		r.Post("/start", h.streamStart)
	})

	return r
}

func (h *routes) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.CORSOrigins, "*") || slices.Contains(h.CORSOrigins, origin)
}

// cors echoes an allowed Origin so credentialed browser requests work.
func (h *routes) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && h.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (h *routes) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *routes) loginURL(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": h.Broker.LoginURL()})
}

type exchangeRequest struct {
	RequestToken string `json:"request_token"`
}

func (h *routes) exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestToken == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "request_token is required")
		return
	}

	us, err := h.Broker.GenerateSession(req.RequestToken, h.APISecret)
	if err != nil {
		h.Log.Warn("session exchange failed", zap.Error(err))
		writeDetail(w, http.StatusUnauthorized, err.Error())
		return
	}
	if _, err := h.Sessions.Set(r.Context(), us.AccessToken, us.UserID); err != nil {
		// the in-memory session is set even when persisting fails
		h.Log.Error("persisting session", zap.Error(err))
	}
	if h.Health != nil {
		h.Health.SetSessionPresent(true)
	}
	h.Log.Info("session established", zap.String("user_id", us.UserID))

	// clients that connected before login are waiting on a feed
	if h.Hub.ClientCount() > 0 {
		h.Stream.Start()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"access_token_set": true,
		"user_id":          us.UserID,
		"login_time":       us.LoginTime,
	})
}

func (h *routes) logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := h.Sessions.CurrentAccessToken(r.Context()); ok {
		if err := h.Broker.InvalidateAccessToken(token); err != nil {
			h.Log.Warn("upstream token invalidation failed", zap.Error(err))
		}
	}
	if err := h.Sessions.Clear(r.Context()); err != nil {
		h.Log.Error("clearing session", zap.Error(err))
	}
	if h.Health != nil {
		h.Health.SetSessionPresent(false)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// passthrough forwards a broker read using the current session.
func (h *routes) passthrough(call func(token string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := h.Sessions.CurrentAccessToken(r.Context())
		if !ok {
			writeDetail(w, http.StatusUnauthorized, feed.MsgNoAccessToken)
			return
		}
		data, err := call(token)
		if err != nil {
			h.Log.Warn("broker request failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeDetail(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

type sessionStatus struct {
	Present   bool       `json:"present"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type streamStatus struct {
	Feed    feed.Status         `json:"feed"`
	Clients int                 `json:"clients"`
	Union   []model.Token       `json:"union"`
	Fanout  LatencySnapshot     `json:"fanout_latency"`
	Market  markethours.Session `json:"market"`
	Session sessionStatus       `json:"session"`
	Process ProcessStats        `json:"process"`
}

func (h *routes) streamStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	st := streamStatus{
		Feed:    h.Stream.Status(),
		Clients: h.Hub.ClientCount(),
		Union:   h.Hub.Union().Sorted(),
		Fanout:  h.Hub.FanoutLatency(),
		Market:  markethours.Snapshot(now),
		Process: CollectProcessStats(h.StartedAt),
	}
	if s, ok := h.Sessions.Get(); ok {
		exp := s.ExpiresAt
		st.Session = sessionStatus{Present: true, UserID: s.UserID, ExpiresAt: &exp}
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *routes) streamStart(w http.ResponseWriter, _ *http.Request) {
	h.Stream.Start()
	h.Log.Info("stream start requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "state": h.Stream.Status().State})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
