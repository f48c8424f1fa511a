package main

import (
	"context"
	"encoding/binary"
	"math"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"go.uber.org/zap"
)

func TestSubscription_Apply(t *testing.T) {
	s := newSubscription()

	s.apply([]byte(`{"a":"subscribe","v":[1,2]}`))
	assert.Equal(t, map[uint32]string{1: "quote", 2: "quote"}, s.snapshot())

	s.apply([]byte(`{"a":"mode","v":["ltp",[1,3]]}`))
	assert.Equal(t, map[uint32]string{1: "ltp", 2: "quote"}, s.snapshot())

	// resubscribing keeps the mode
	s.apply([]byte(`{"a":"subscribe","v":[1]}`))
	assert.Equal(t, "ltp", s.snapshot()[1])

	s.apply([]byte(`{"a":"mode","v":["bogus",[2]]}`))
	s.apply([]byte(`{"a":"mode","v":"full"}`))
	s.apply([]byte(`not json`))
	assert.Equal(t, map[uint32]string{1: "ltp", 2: "quote"}, s.snapshot())

	s.apply([]byte(`{"a":"unsubscribe","v":[2,9]}`))
	assert.Equal(t, map[uint32]string{1: "ltp"}, s.snapshot())
}

func TestPriceBook_Walk(t *testing.T) {
	b := newPriceBook(1)
	prev := basePrice(408065)
	for i := 0; i < 1000; i++ {
		p := b.next(408065)
		assert.Greater(t, p, 0.0)
		assert.InDelta(t, prev, p, prev*0.0011+0.05)
		assert.InDelta(t, 0, math.Abs(p*20-math.Round(p*20)), 1e-6)
		prev = p
	}
}

func TestEncodePackets_LayoutPerMode(t *testing.T) {
	subs := map[uint32]string{
		408065: modeFull,
		738561: modeQuote,
		256265: modeFull, // index
		260105: modeQuote, // index
		5633:   modeLTP,
	}
	frame, err := encodePackets(buildTicks(subs, newPriceBook(1), time.Now()))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(frame), 2)
	n := int(binary.BigEndian.Uint16(frame[0:2]))
	require.Equal(t, len(subs), n)

	sizes := map[uint32]int{}
	off := 2
	for i := 0; i < n; i++ {
		l := int(binary.BigEndian.Uint16(frame[off : off+2]))
		off += 2
		token := binary.BigEndian.Uint32(frame[off : off+4])
		price := float64(binary.BigEndian.Uint32(frame[off+4:off+8])) / 100
		assert.InDelta(t, basePrice(token), price, basePrice(token)*0.002, "token %d", token)
		sizes[token] = l
		off += l
	}
	assert.Equal(t, len(frame), off)
	assert.Equal(t, map[uint32]int{
		408065: packetFull,
		738561: packetQuote,
		256265: packetIndexFull,
		260105: packetIndexQuote,
		5633:   packetLTP,
	}, sizes)

	_, err = encodePackets([]tick{{Mode: "depth", InstrumentToken: 1}})
	assert.Error(t, err)
}

func simURL(t *testing.T, srv *httptest.Server) url.URL {
	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http") + "/")
	require.NoError(t, err)
	return *u
}

func TestSimServer_StreamsSubscribedTokens(t *testing.T) {
	srv := httptest.NewServer(newSimServer(simConfig{Interval: 10 * time.Millisecond}, zap.NewNop()))
	defer srv.Close()

	tk := kiteticker.New("key", "acc")
	tk.SetAutoReconnect(false)
	tk.SetRootURL(simURL(t, srv))
	ticks := make(chan kitemodels.Tick, 256)
	tk.OnConnect(func() {
		assert.NoError(t, tk.Subscribe([]uint32{408065, 256265}))
		assert.NoError(t, tk.SetMode(kiteticker.ModeFull, []uint32{408065}))
	})
	tk.OnTick(func(tick kitemodels.Tick) {
		select {
		case ticks <- tick:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		tk.ServeWithContext(ctx)
		close(served)
	}()

	var full, index bool
	deadline := time.After(3 * time.Second)
	for !(full && index) {
		select {
		case tick := <-ticks:
			switch {
			case tick.InstrumentToken == 408065 && tick.Mode == string(kiteticker.ModeFull):
				assert.InDelta(t, basePrice(408065), tick.LastPrice, basePrice(408065)*0.01)
				assert.Greater(t, tick.Depth.Sell[0].Price, tick.Depth.Buy[0].Price)
				full = true
			case tick.InstrumentToken == 256265:
				assert.Equal(t, string(kiteticker.ModeQuote), tick.Mode)
				assert.True(t, tick.IsIndex)
				index = true
			}
		case <-deadline:
			t.Fatal("no full-mode and index ticks received")
		}
	}

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop after cancel")
	}
}

func TestSimServer_RequireToken(t *testing.T) {
	srv := httptest.NewServer(newSimServer(simConfig{RequireToken: true}, zap.NewNop()))
	defer srv.Close()

	tk := kiteticker.New("key", "")
	tk.SetAutoReconnect(false)
	tk.SetRootURL(simURL(t, srv))
	errs := make(chan error, 4)
	connected := false
	tk.OnConnect(func() { connected = true })
	tk.OnError(func(err error) { errs <- err })

	served := make(chan struct{})
	go func() {
		tk.ServeWithContext(context.Background())
		close(served)
	}()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("ticker kept dialing")
	}
	assert.False(t, connected)
	require.NotEmpty(t, errs)
	assert.Contains(t, (<-errs).Error(), "bad handshake")
}
