package model

// EventKind tags the variant carried by a FeedEvent.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
	EventTicks
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventTicks:
		return "ticks"
	default:
		return "unknown"
	}
}

// FeedEvent is one item of the ordered stream produced by the feed adapter.
// Only the fields of its Kind are set. Treat it as immutable once built.
type FeedEvent struct {
	Kind EventKind

	// Disconnected / Error
	Code    int
	Reason  string
	Message string

	// Ticks
	Ticks []TickRecord
}

// Connected builds a connect notification.
func Connected() FeedEvent {
	return FeedEvent{Kind: EventConnected}
}

// Disconnected builds a close notification.
func Disconnected(code int, reason string) FeedEvent {
	return FeedEvent{Kind: EventDisconnected, Code: code, Reason: reason}
}

// Error builds an upstream error notification.
func Error(code int, reason string) FeedEvent {
	return FeedEvent{Kind: EventError, Code: code, Reason: reason}
}

// ErrorMessage builds an error notification that carries a human message
// instead of an upstream code/reason pair.
func ErrorMessage(msg string) FeedEvent {
	return FeedEvent{Kind: EventError, Message: msg}
}

// Ticks builds a tick batch event. The batch is kept in feed order.
func Ticks(ticks []TickRecord) FeedEvent {
	return FeedEvent{Kind: EventTicks, Ticks: ticks}
}

// FeedState is the lifecycle of the single upstream connection.
type FeedState int

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedConnected
	FeedError
)

func (s FeedState) String() string {
	switch s {
	case FeedDisconnected:
		return "disconnected"
	case FeedConnecting:
		return "connecting"
	case FeedConnected:
		return "connected"
	case FeedError:
		return "error"
	default:
		return "unknown"
	}
}
