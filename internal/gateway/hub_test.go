package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portfolio-copilot/internal/feed"
	"portfolio-copilot/internal/metrics"
	"portfolio-copilot/internal/model"
)

type pushed struct {
	tokens model.TokenSet
	mode   model.Mode
}

type fakeFeed struct {
	mu      sync.Mutex
	starts  int
	updates []pushed
}

func (f *fakeFeed) Start() {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeFeed) UpdateDesiredSubscription(tokens model.TokenSet, mode model.Mode) {
	f.mu.Lock()
	f.updates = append(f.updates, pushed{tokens: tokens.Clone(), mode: mode})
	f.mu.Unlock()
}

func (f *fakeFeed) last(t *testing.T) pushed {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.updates, "no subscription pushed")
	return f.updates[len(f.updates)-1]
}

func (f *fakeFeed) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func newTestHub(t *testing.T, cfg HubConfig) (*Hub, *fakeFeed, *feed.Queue) {
	t.Helper()
	ff := &fakeFeed{}
	q := feed.NewQueue(64)
	h := NewHub(ff, q, cfg, zap.NewNop())
	t.Cleanup(h.Shutdown)
	return h, ff, q
}

func addClient(h *Hub) *Client {
	c := newClient(h, nil)
	h.Register(c)
	return c
}

func recv(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case b, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame %s", b)
	default:
	}
}

func ticks(tokens ...model.Token) model.FeedEvent {
	recs := make([]model.TickRecord, len(tokens))
	for i, tok := range tokens {
		recs[i] = model.TickRecord{Token: tok, Raw: json.RawMessage(fmt.Sprintf(`{"instrument_token":%d}`, tok))}
	}
	return model.Ticks(recs)
}

func tickTokens(t *testing.T, frame map[string]any) []float64 {
	t.Helper()
	require.Equal(t, TypeTicks, frame["type"])
	data, ok := frame["data"].([]any)
	require.True(t, ok)
	out := make([]float64, len(data))
	for i, d := range data {
		out[i] = d.(map[string]any)["instrument_token"].(float64)
	}
	return out
}

func TestHub_RegisterStartsFeed(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})

	a := addClient(h)
	b := addClient(h)

	assert.Equal(t, 1, ff.startCount(), "only the first client starts the feed")
	assert.Equal(t, 2, h.ClientCount())
	assert.Empty(t, h.Union())

	h.Unregister(a)
	h.Unregister(b)
	addClient(h)
	assert.Equal(t, 2, ff.startCount(), "a client into an empty registry starts it again")
}

func TestHub_PerClientFiltering(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})
	a := addClient(h)
	b := addClient(h)

	h.SetTokens(a, model.NewTokenSet(1, 2), model.ModeQuote)
	h.SetTokens(b, model.NewTokenSet(2, 3), model.ModeQuote)
	assert.Equal(t, pushed{tokens: model.NewTokenSet(1, 2, 3), mode: model.ModeQuote}, ff.last(t))

	h.dispatch(ticks(1, 2, 3, 4))

	assert.Equal(t, []float64{1, 2}, tickTokens(t, recv(t, a)))
	assert.Equal(t, []float64{2, 3}, tickTokens(t, recv(t, b)))

	// no client wants 4 alone
	h.dispatch(ticks(4))
	assertNoFrame(t, a)
	assertNoFrame(t, b)
}

func TestHub_EmptyInterestGetsStatusButNoTicks(t *testing.T) {
	h, _, _ := newTestHub(t, HubConfig{})
	idle := addClient(h)
	busy := addClient(h)
	h.SetTokens(busy, model.NewTokenSet(5), model.ModeFull)

	h.dispatch(model.Connected())
	h.dispatch(ticks(5))
	h.dispatch(model.Disconnected(1006, "abnormal"))

	assert.Equal(t, TypeConnected, recv(t, idle)["type"])
	closed := recv(t, idle)
	assert.Equal(t, TypeClosed, closed["type"])
	assert.Equal(t, float64(1006), closed["code"])
	assertNoFrame(t, idle)

	assert.Equal(t, TypeConnected, recv(t, busy)["type"])
	assert.Equal(t, []float64{5}, tickTokens(t, recv(t, busy)))
	assert.Equal(t, TypeClosed, recv(t, busy)["type"])
}

func TestHub_UnregisterWithdrawsInterest(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})
	a := addClient(h)
	b := addClient(h)
	h.SetTokens(a, model.NewTokenSet(1), model.ModeFull)
	h.SetTokens(b, model.NewTokenSet(1, 5), model.ModeFull)

	h.Unregister(b)

	assert.Equal(t, model.NewTokenSet(1), ff.last(t).tokens)
	assert.Equal(t, 1, h.ClientCount())

	_, open := <-b.send
	assert.False(t, open)

	// a second unregister is a no-op
	n := len(ff.updates)
	h.Unregister(b)
	assert.Len(t, ff.updates, n)
}

func TestHub_RemoveAndClearTokens(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})
	c := addClient(h)

	h.SetTokens(c, model.NewTokenSet(1, 2, 3), model.ModeLTP)
	h.RemoveTokens(c, model.NewTokenSet(2, 9))
	got, ok := h.Tokens(c)
	require.True(t, ok)
	assert.Equal(t, model.NewTokenSet(1, 3), got)
	assert.Equal(t, pushed{tokens: model.NewTokenSet(1, 3), mode: model.DefaultMode}, ff.last(t))

	h.ClearTokens(c)
	assert.Empty(t, ff.last(t).tokens)

	h.Unregister(c)
	assert.Empty(t, h.Union())
	assert.Empty(t, ff.last(t).tokens)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	h, ff, _ := newTestHub(t, HubConfig{SendBuffer: 1, Metrics: m})

	fast := addClient(h)
	slow := addClient(h)
	h.SetTokens(fast, model.NewTokenSet(1), model.ModeFull)
	h.SetTokens(slow, model.NewTokenSet(1, 7), model.ModeFull)

	h.dispatch(model.Connected())
	recv(t, fast) // fast drains, slow does not

	h.dispatch(ticks(1))

	assert.Equal(t, 1, h.ClientCount())
	assert.Equal(t, model.NewTokenSet(1), ff.last(t).tokens)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDrops.WithLabelValues("slow_consumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientsConnected))
	assert.Equal(t, []float64{1}, tickTokens(t, recv(t, fast)))

	// the buffered frame is still readable, then the channel is closed
	assert.Equal(t, TypeConnected, recv(t, slow)["type"])
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHub_ConcurrentUpdatesConverge(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})

	clients := make([]*Client, 8)
	for i := range clients {
		clients[i] = addClient(h)
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.SetTokens(c, model.NewTokenSet(model.Token(i*100+j)), model.ModeFull)
			}
			if i%2 == 0 {
				h.Unregister(c)
			}
		}(i, c)
	}
	wg.Wait()

	want := model.NewTokenSet(149, 349, 549, 749)
	assert.Equal(t, want, h.Union())
	assert.Equal(t, want, ff.last(t).tokens)
}

func TestHub_FanoutLoopDrainsQueue(t *testing.T) {
	h, _, q := newTestHub(t, HubConfig{})
	c := addClient(h)
	h.SetTokens(c, model.NewTokenSet(42), model.ModeFull)

	q.Push(model.Connected())
	q.Push(ticks(41, 42))
	q.Push(model.ErrorMessage(feed.MsgNoAccessToken))

	assert.Equal(t, TypeConnected, recv(t, c)["type"])
	assert.Equal(t, []float64{42}, tickTokens(t, recv(t, c)))
	errFrame := recv(t, c)
	assert.Equal(t, TypeError, errFrame["type"])
	assert.Equal(t, feed.MsgNoAccessToken, errFrame["message"])

	assert.Eventually(t, func() bool { return h.FanoutLatency().Samples == 3 }, time.Second, 5*time.Millisecond)
}

func TestHub_ObserveUpdatesHealthAndHook(t *testing.T) {
	hs := metrics.NewHealthStatus()
	var mu sync.Mutex
	var seen []model.EventKind
	h, _, _ := newTestHub(t, HubConfig{
		Health: hs,
		OnEvent: func(ev model.FeedEvent) {
			mu.Lock()
			seen = append(seen, ev.Kind)
			mu.Unlock()
		},
	})
	addClient(h)

	h.dispatch(model.Connected())
	assert.True(t, hs.FeedConnected)
	h.dispatch(model.Error(1006, "gone"))
	assert.False(t, hs.FeedConnected)
	assert.Equal(t, "error", hs.FeedState)
	assert.Equal(t, 1, hs.Clients)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.EventKind{model.EventConnected, model.EventError}, seen)
}

func TestClient_HandleMessage(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})
	c := addClient(h)

	c.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":["1",2,"x"],"mode":"quote"}`))
	assert.Equal(t, map[string]any{"type": TypeSubscribed, "tokens": []any{1.0, 2.0}, "mode": "quote"}, recv(t, c))
	assert.Equal(t, pushed{tokens: model.NewTokenSet(1, 2), mode: model.ModeQuote}, ff.last(t))

	c.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":[3],"mode":"depth"}`))
	assert.Equal(t, MsgInvalidMode, recv(t, c)["message"])
	got, _ := h.Tokens(c)
	assert.Equal(t, model.NewTokenSet(1, 2), got)

	c.handleMessage([]byte(`{"type":"UNSUBSCRIBE","tokens":[1]}`))
	assert.Equal(t, map[string]any{"type": TypeUnsubscribed, "tokens": []any{1.0}}, recv(t, c))
	assert.Equal(t, pushed{tokens: model.NewTokenSet(2), mode: model.DefaultMode}, ff.last(t))

	c.handleMessage([]byte(`{"type":"UNSUBSCRIBE_ALL"}`))
	assert.Equal(t, TypeUnsubscribedAll, recv(t, c)["type"])
	assert.Empty(t, h.Union())

	c.handleMessage([]byte(`{"type":"PING"}`))
	assert.Equal(t, MsgUnknownType, recv(t, c)["message"])

	c.handleMessage([]byte(`not json`))
	assert.Equal(t, MsgInvalidJSON, recv(t, c)["message"])
}

func TestClient_SubscribeReplacesInterest(t *testing.T) {
	h, _, _ := newTestHub(t, HubConfig{})
	c := addClient(h)

	c.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":[1,2]}`))
	recv(t, c)
	c.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":[3]}`))
	recv(t, c)

	got, _ := h.Tokens(c)
	assert.Equal(t, model.NewTokenSet(3), got)
}

func TestHub_TwoClientScenario(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})
	a := addClient(h)
	b := addClient(h)

	a.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":[100],"mode":"full"}`))
	b.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":[200],"mode":"ltp"}`))
	recv(t, a)
	recv(t, b)
	assert.Equal(t, model.NewTokenSet(100, 200), ff.last(t).tokens)

	h.dispatch(ticks(100, 200, 300))

	assert.Equal(t, []float64{100}, tickTokens(t, recv(t, a)))
	assert.Equal(t, []float64{200}, tickTokens(t, recv(t, b)))
	assertNoFrame(t, a)
	assertNoFrame(t, b)
}

func TestHub_UnsubscribeAllThenDisconnect(t *testing.T) {
	h, ff, _ := newTestHub(t, HubConfig{})
	c := addClient(h)

	c.handleMessage([]byte(`{"type":"SUBSCRIBE","tokens":[1,2,3]}`))
	c.handleMessage([]byte(`{"type":"UNSUBSCRIBE_ALL"}`))
	h.Unregister(c)

	assert.Equal(t, 0, h.ClientCount())
	assert.Empty(t, h.Union())
	assert.Empty(t, ff.last(t).tokens)
}
