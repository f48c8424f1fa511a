// Package notification delivers operator alerts (log, webhook, Telegram).
// The upstream feed never reconnects on its own, so every disconnect or
// feed error is surfaced here for a human to act on.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"portfolio-copilot/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{zap.String("level", string(alert.Level)), zap.String("title", alert.Title), zap.String("message", alert.Message)}
	if alert.Level == AlertInfo {
		n.log.Info("alert", fields...)
	} else {
		n.log.Warn("alert", fields...)
	}
	return nil
}

// Multi fans an alert out to several notifiers. Every notifier is tried;
// failures are joined.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertForEvent maps a feed lifecycle event to an operator alert.
// Tick batches are not alerts.
func AlertForEvent(ev model.FeedEvent) (Alert, bool) {
	switch ev.Kind {
	case model.EventConnected:
		return Alert{Level: AlertInfo, Title: "feed connected", Message: "upstream ticker connected"}, true
	case model.EventDisconnected:
		return Alert{
			Level:   AlertCritical,
			Title:   "feed disconnected",
			Message: fmt.Sprintf("upstream ticker closed (code=%d reason=%q); restart via POST /api/stream/start or a new client", ev.Code, ev.Reason),
		}, true
	case model.EventError:
		msg := ev.Message
		if msg == "" {
			msg = fmt.Sprintf("code=%d reason=%q", ev.Code, ev.Reason)
		}
		return Alert{Level: AlertWarning, Title: "feed error", Message: msg}, true
	}
	return Alert{}, false
}

// Dispatcher queues alerts and sends them on its own goroutine so callers on
// the hot path never wait on a webhook. A full queue drops the alert.
type Dispatcher struct {
	n       Notifier
	ch      chan Alert
	timeout time.Duration
	log     *zap.Logger
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher with a queue of size buf.
func NewDispatcher(n Notifier, buf int, log *zap.Logger) *Dispatcher {
	if buf < 1 {
		buf = 1
	}
	return &Dispatcher{
		n:       n,
		ch:      make(chan Alert, buf),
		timeout: 10 * time.Second,
		log:     log,
	}
}

// Notify enqueues alert without blocking. Returns false if it was dropped.
func (d *Dispatcher) Notify(alert Alert) bool {
	select {
	case d.ch <- alert:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn("alert dropped, queue full", zap.String("title", alert.Title))
		return false
	}
}

// NotifyEvent is a convenience for feed event observers.
func (d *Dispatcher) NotifyEvent(ev model.FeedEvent) {
	if a, ok := AlertForEvent(ev); ok {
		d.Notify(a)
	}
}

// Dropped returns how many alerts were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run sends queued alerts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.ch:
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.n.Send(sendCtx, a); err != nil {
				d.log.Warn("alert delivery failed", zap.String("title", a.Title), zap.Error(err))
			}
			cancel()
		}
	}
}
