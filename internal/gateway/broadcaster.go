package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"portfolio-copilot/internal/model"
)

// run is the single fan-out loop. It only returns when ctx is done.
func (h *Hub) run(ctx context.Context) {
	h.log.Info("fan-out loop started")
	for {
		ev, err := h.events.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.log.Warn("event source stopped", zap.Error(err))
			}
			h.log.Info("fan-out loop stopped")
			return
		}
		h.dispatch(ev)
	}
}

// dispatch fans one event out and then drops clients that could not keep
// up. A panic is logged and the loop carries on with the next event.
func (h *Hub) dispatch(ev model.FeedEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("fan-out panic", zap.Any("panic", r), zap.Stringer("kind", ev.Kind))
		}
	}()

	start := time.Now()
	delivered, dead := h.fanOut(ev)
	elapsed := time.Since(start)
	h.latency.Record(elapsed)

	if len(dead) > 0 {
		removed := 0
		for _, c := range dead {
			if h.remove(c) {
				removed++
				h.log.Warn("dropping slow client", zap.String("conn_id", c.id))
			}
		}
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ClientDrops.WithLabelValues("slow_consumer").Add(float64(removed))
		}
		if removed > 0 {
			h.reconcile(model.DefaultMode)
		}
	}

	if m := h.cfg.Metrics; m != nil {
		m.FanoutDuration.Observe(elapsed.Seconds())
		m.TicksDelivered.Add(float64(delivered))
	}
	h.observe(ev)
}

// fanOut enqueues ev on every interested client without blocking. It
// returns the number of tick records delivered and the clients whose
// buffers were full.
func (h *Hub) fanOut(ev model.FeedEvent) (int, []*Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var dead []*Client

	if ev.Kind != model.EventTicks {
		payload, err := EncodeEvent(ev)
		if err != nil {
			h.log.Error("encode event", zap.Error(err), zap.Stringer("kind", ev.Kind))
			return 0, nil
		}
		for c := range h.clients {
			if !c.enqueue(payload) {
				dead = append(dead, c)
			}
		}
		return 0, dead
	}

	delivered := 0
	for c, tokens := range h.clients {
		if len(tokens) == 0 {
			continue
		}
		filtered := filterTicks(ev.Ticks, tokens)
		if len(filtered) == 0 {
			continue
		}
		payload, err := EncodeEvent(model.Ticks(filtered))
		if err != nil {
			h.log.Error("encode ticks", zap.Error(err), zap.String("conn_id", c.id))
			continue
		}
		if !c.enqueue(payload) {
			dead = append(dead, c)
			continue
		}
		delivered += len(filtered)
	}
	return delivered, dead
}

// filterTicks keeps the records whose token is in tokens, in batch order.
func filterTicks(ticks []model.TickRecord, tokens model.TokenSet) []model.TickRecord {
	var out []model.TickRecord
	for _, t := range ticks {
		if tokens.Has(t.Token) {
			out = append(out, t)
		}
	}
	return out
}

func (h *Hub) observe(ev model.FeedEvent) {
	if hs := h.cfg.Health; hs != nil {
		switch ev.Kind {
		case model.EventConnected:
			hs.SetFeedState(model.FeedConnected.String(), true)
		case model.EventDisconnected:
			hs.SetFeedState(model.FeedDisconnected.String(), false)
		case model.EventError:
			hs.SetFeedState(model.FeedError.String(), false)
		case model.EventTicks:
			hs.SetLastTickTime(time.Now())
		}
	}
	if h.cfg.OnEvent != nil {
		h.cfg.OnEvent(ev)
	}
}
