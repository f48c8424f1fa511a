package gateway

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"portfolio-copilot/internal/model"
)

// Inbound control message types.
const (
	TypeSubscribe      = "SUBSCRIBE"
	TypeUnsubscribe    = "UNSUBSCRIBE"
	TypeUnsubscribeAll = "UNSUBSCRIBE_ALL"
)

// Outbound message types.
const (
	TypeSubscribed      = "SUBSCRIBED"
	TypeUnsubscribed    = "UNSUBSCRIBED"
	TypeUnsubscribedAll = "UNSUBSCRIBED_ALL"
	TypeConnected       = "CONNECTED"
	TypeTicks           = "TICKS"
	TypeError           = "ERROR"
	TypeClosed          = "CLOSED"
)

// Error replies sent to a single client.
const (
	MsgUnknownType = "Unknown message type"
	MsgInvalidJSON = "Invalid JSON"
	MsgInvalidMode = "Invalid mode"
	MsgRateLimited = "Rate limit exceeded"
)

// ControlMessage is an inbound client message.
type ControlMessage struct {
	Type   string
	Tokens []model.Token
	Mode   string
}

type rawControl struct {
	Type   string          `json:"type"`
	Tokens json.RawMessage `json:"tokens"`
	Mode   string          `json:"mode"`
}

// ParseControl decodes an inbound frame. Token entries that are not
// positive integers or numeric strings are dropped, not rejected.
func ParseControl(data []byte) (ControlMessage, error) {
	var raw rawControl
	if err := json.Unmarshal(data, &raw); err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{
		Type:   raw.Type,
		Tokens: parseTokens(raw.Tokens),
		Mode:   raw.Mode,
	}, nil
}

func parseTokens(raw json.RawMessage) []model.Token {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []interface{}
	if err := dec.Decode(&items); err != nil {
		return nil
	}

	out := make([]model.Token, 0, len(items))
	for _, it := range items {
		var s string
		switch v := it.(type) {
		case json.Number:
			s = v.String()
		case string:
			s = strings.TrimSpace(v)
		default:
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > math.MaxUint32 {
			continue
		}
		out = append(out, model.Token(n))
	}
	return out
}

type typeMsg struct {
	Type string `json:"type"`
}

type subscribedMsg struct {
	Type   string        `json:"type"`
	Tokens []model.Token `json:"tokens"`
	Mode   model.Mode    `json:"mode"`
}

type unsubscribedMsg struct {
	Type   string        `json:"type"`
	Tokens []model.Token `json:"tokens"`
}

type ticksMsg struct {
	Type string             `json:"type"`
	Data []model.TickRecord `json:"data"`
}

type errorMsg struct {
	Type    string  `json:"type"`
	Code    *int    `json:"code,omitempty"`
	Reason  *string `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`
}

type closedMsg struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func nonNil(tokens []model.Token) []model.Token {
	if tokens == nil {
		return []model.Token{}
	}
	return tokens
}

func encodeSubscribed(tokens []model.Token, mode model.Mode) []byte {
	return mustJSON(subscribedMsg{Type: TypeSubscribed, Tokens: nonNil(tokens), Mode: mode})
}

func encodeUnsubscribed(tokens []model.Token) []byte {
	return mustJSON(unsubscribedMsg{Type: TypeUnsubscribed, Tokens: nonNil(tokens)})
}

func encodeUnsubscribedAll() []byte {
	return mustJSON(typeMsg{Type: TypeUnsubscribedAll})
}

func encodeErrorMessage(msg string) []byte {
	return mustJSON(errorMsg{Type: TypeError, Message: msg})
}

// EncodeEvent renders a feed event in the client wire format. Tick events
// carry the records passed in, which the broadcaster has already filtered.
func EncodeEvent(ev model.FeedEvent) ([]byte, error) {
	switch ev.Kind {
	case model.EventConnected:
		return json.Marshal(typeMsg{Type: TypeConnected})
	case model.EventTicks:
		return json.Marshal(ticksMsg{Type: TypeTicks, Data: ev.Ticks})
	case model.EventDisconnected:
		return json.Marshal(closedMsg{Type: TypeClosed, Code: ev.Code, Reason: ev.Reason})
	default:
		if ev.Message != "" {
			return json.Marshal(errorMsg{Type: TypeError, Message: ev.Message})
		}
		code, reason := ev.Code, ev.Reason
		return json.Marshal(errorMsg{Type: TypeError, Code: &code, Reason: &reason})
	}
}

// mustJSON marshals values whose encoding cannot fail.
func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
