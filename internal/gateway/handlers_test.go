package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portfolio-copilot/internal/broker"
	"portfolio-copilot/internal/feed"
	"portfolio-copilot/internal/metrics"
	"portfolio-copilot/internal/model"
	"portfolio-copilot/internal/session"
)

const testOrigin = "http://localhost:5173"

type fakeStream struct {
	starts atomic.Int32
}

func (f *fakeStream) Start() { f.starts.Add(1) }

func (f *fakeStream) Status() feed.Status {
	return feed.Status{State: model.FeedConnecting.String(), Running: true, Mode: model.DefaultMode}
}

func brokerReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// fakeBroker answers the Kite REST routes the gateway uses.
func fakeBroker(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var invalidated atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/session/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			invalidated.Add(1)
			brokerReply(w, http.StatusOK, `{"status":"success","data":true}`)
			return
		}
		assert.NoError(t, r.ParseForm())
		if r.PostForm.Get("request_token") != "good" {
			brokerReply(w, http.StatusForbidden, `{"status":"error","message":"Token is invalid or has expired.","error_type":"TokenException"}`)
			return
		}
		brokerReply(w, http.StatusOK, `{"status":"success","data":{"user_id":"AB1234","access_token":"acc","login_time":"2026-10-19 09:00:00"}}`)
	})
	mux.HandleFunc("/portfolio/holdings", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token key:acc" {
			brokerReply(w, http.StatusForbidden, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`)
			return
		}
		brokerReply(w, http.StatusOK, `{"status":"success","data":[{"tradingsymbol":"INFY","quantity":10}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &invalidated
}

type testGateway struct {
	srv         *httptest.Server
	hub         *Hub
	feed        *fakeFeed
	queue       *feed.Queue
	stream      *fakeStream
	sessions    *session.Store
	health      *metrics.HealthStatus
	invalidated *atomic.Int32
	expired     atomic.Int32
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	kite, invalidated := fakeBroker(t)
	h, ff, q := newTestHub(t, HubConfig{})
	g := &testGateway{
		hub:         h,
		feed:        ff,
		queue:       q,
		stream:      &fakeStream{},
		sessions:    session.NewStore(time.Hour, clockwork.NewFakeClock(), nil, zap.NewNop()),
		health:      metrics.NewHealthStatus(),
		invalidated: invalidated,
	}
	bc := broker.New(broker.Config{APIKey: "key", RootURL: kite.URL})
	// wired the way the gateway binary wires it
	bc.SessionExpiryHook = func() {
		g.expired.Add(1)
		_ = g.sessions.Clear(context.Background())
	}
	g.srv = httptest.NewServer(NewRouter(Deps{
		Hub:         h,
		Stream:      g.stream,
		Sessions:    g.sessions,
		Broker:      bc,
		APISecret:   "secret",
		CORSOrigins: []string{testOrigin},
		Health:      g.health,
		Log:         zap.NewNop(),
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestRoutes_Health(t *testing.T) {
	g := newTestGateway(t)
	code, body := g.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"ok": true}, body)
}

func TestRoutes_CORS(t *testing.T) {
	g := newTestGateway(t)

	req, _ := http.NewRequest(http.MethodOptions, g.srv.URL+"/api/auth/exchange", nil)
	req.Header.Set("Origin", testOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	req, _ = http.NewRequest(http.MethodGet, g.srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRoutes_LoginURL(t *testing.T) {
	g := newTestGateway(t)
	code, body := g.do(t, http.MethodGet, "/api/auth/login-url", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["url"], "api_key=key")
}

func TestRoutes_ExchangeAndLogout(t *testing.T) {
	g := newTestGateway(t)

	code, body := g.do(t, http.MethodPost, "/api/auth/exchange", `{"request_token":"good"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["access_token_set"])
	assert.Equal(t, "AB1234", body["user_id"])
	assert.NotEmpty(t, body["login_time"])
	assert.Zero(t, g.stream.starts.Load(), "no clients waiting, nothing to start")

	tok, ok := g.sessions.CurrentAccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, "acc", tok)

	code, body = g.do(t, http.MethodPost, "/api/auth/logout", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"ok": true}, body)
	assert.Equal(t, int32(1), g.invalidated.Load())
	_, ok = g.sessions.Get()
	assert.False(t, ok)
}

func TestRoutes_ExchangeFailures(t *testing.T) {
	g := newTestGateway(t)

	code, body := g.do(t, http.MethodPost, "/api/auth/exchange", `{"request_token":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Token is invalid or has expired.", body["detail"])

	code, _ = g.do(t, http.MethodPost, "/api/auth/exchange", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	_, ok := g.sessions.Get()
	assert.False(t, ok)
}

func TestRoutes_PortfolioPassthrough(t *testing.T) {
	g := newTestGateway(t)

	code, body := g.do(t, http.MethodGet, "/api/portfolio/holdings", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, feed.MsgNoAccessToken, body["detail"])

	_, err := g.sessions.Set(context.Background(), "acc", "AB1234")
	require.NoError(t, err)

	resp, err := http.Get(g.srv.URL + "/api/portfolio/holdings")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var holdings []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&holdings))
	require.Len(t, holdings, 1)
	assert.Equal(t, "INFY", holdings[0]["tradingsymbol"])
	assert.Equal(t, float64(10), holdings[0]["quantity"])
	assert.Zero(t, g.expired.Load())

	_, err = g.sessions.Set(context.Background(), "stale", "AB1234")
	require.NoError(t, err)
	code, body = g.do(t, http.MethodGet, "/api/portfolio/holdings", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Incorrect api_key or access_token.", body["detail"])

	// a rejected access token ends the session
	assert.Equal(t, int32(1), g.expired.Load())
	_, ok := g.sessions.Get()
	assert.False(t, ok)
}

func TestRoutes_FailedExchangeKeepsExistingSession(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.sessions.Set(context.Background(), "acc", "AB1234")
	require.NoError(t, err)

	// a revisited callback page replays a spent request_token
	code, _ := g.do(t, http.MethodPost, "/api/auth/exchange", `{"request_token":"spent"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	assert.Zero(t, g.expired.Load())
	tok, ok := g.sessions.CurrentAccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, "acc", tok)

	code, _ = g.do(t, http.MethodGet, "/api/portfolio/holdings", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRoutes_ExchangeStartsFeedForWaitingClients(t *testing.T) {
	g := newTestGateway(t)
	addClient(g.hub)

	code, _ := g.do(t, http.MethodPost, "/api/auth/exchange", `{"request_token":"good"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(1), g.stream.starts.Load())
}

func TestRoutes_StreamStatusAndStart(t *testing.T) {
	g := newTestGateway(t)

	code, body := g.do(t, http.MethodPost, "/api/stream/start", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "connecting", body["state"])
	assert.Equal(t, int32(1), g.stream.starts.Load())

	code, body = g.do(t, http.MethodGet, "/api/stream/status", "")
	assert.Equal(t, http.StatusOK, code)
	for _, key := range []string{"feed", "clients", "union", "fanout_latency", "market", "session", "process"} {
		assert.Contains(t, body, key)
	}
	assert.Equal(t, map[string]any{"present": false}, body["session"])
	assert.Equal(t, float64(0), body["clients"])
}

func dialStream(t *testing.T, g *testGateway, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/stream"
	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, hdr)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestStream_EndToEnd(t *testing.T) {
	g := newTestGateway(t)

	conn, _, err := dialStream(t, g, testOrigin)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "tokens": []any{1, "2"}, "mode": "ltp"}))
	assert.Equal(t, map[string]any{"type": "SUBSCRIBED", "tokens": []any{1.0, 2.0}, "mode": "ltp"}, readFrame(t, conn))
	assert.Equal(t, pushed{tokens: model.NewTokenSet(1, 2), mode: model.ModeLTP}, g.feed.last(t))
	assert.Equal(t, 1, g.feed.startCount())

	g.queue.Push(model.Connected())
	g.queue.Push(ticks(2, 3))
	assert.Equal(t, TypeConnected, readFrame(t, conn)["type"])
	assert.Equal(t, []float64{2}, tickTokens(t, readFrame(t, conn)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Equal(t, MsgInvalidJSON, readFrame(t, conn)["message"])

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return g.hub.ClientCount() == 0 && len(g.feed.last(t).tokens) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	g := newTestGateway(t)

	_, resp, err := dialStream(t, g, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, g.hub.ClientCount())
}

func TestStream_LargeSubscribeKeepsConnection(t *testing.T) {
	g := newTestGateway(t)
	conn, _, err := dialStream(t, g, testOrigin)
	require.NoError(t, err)
	defer conn.Close()

	tokens := make([]any, 3000)
	want := make([]model.Token, 0, len(tokens))
	for i := range tokens {
		tokens[i] = 1_000_000 + i
		want = append(want, model.Token(1_000_000+i))
	}
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "tokens": tokens, "mode": "quote"}))

	reply := readFrame(t, conn)
	assert.Equal(t, "SUBSCRIBED", reply["type"])
	assert.Len(t, reply["tokens"], 3000)
	assert.True(t, model.NewTokenSet(want...).Equal(g.feed.last(t).tokens))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "UNSUBSCRIBE_ALL"}))
	assert.Equal(t, "UNSUBSCRIBED_ALL", readFrame(t, conn)["type"])
}
