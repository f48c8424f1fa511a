package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	modeLTP   = "ltp"
	modeQuote = "quote"
	modeFull  = "full"
)

// Exchange segments carried in the low byte of an instrument token.
const (
	segmentNSECD   = 3
	segmentBSECD   = 6
	segmentIndices = 9
)

// Packet sizes by mode.
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
	depthLevels      = 5
	depthEntrySize   = 12
)

type ohlc struct {
	Open, High, Low, Close float64
}

type depthItem struct {
	Quantity uint32
	Price    float64
	Orders   uint16
}

// tick is one simulated quote. Fields beyond the mode's packet are ignored.
type tick struct {
	Mode            string
	InstrumentToken uint32
	LastPrice       float64

	LastTradedQuantity uint32
	AverageTradePrice  float64
	VolumeTraded       uint32
	TotalBuyQuantity   uint32
	TotalSellQuantity  uint32
	OHLC               ohlc
	LastTradeTime      time.Time
	OI                 uint32
	ExchangeTimestamp  time.Time
	Buy, Sell          [depthLevels]depthItem
}

// priceDivisor converts prices to wire integers: currency derivatives
// carry extra decimals, everything else is in paise.
func priceDivisor(token uint32) float64 {
	switch token & 0xff {
	case segmentNSECD:
		return 10000000.0
	case segmentBSECD:
		return 10000.0
	}
	return 100.0
}

func isIndex(token uint32) bool {
	return token&0xff == segmentIndices
}

// encodePackets builds a ticker binary frame: a uint16 packet count then
// (uint16 length, packet) pairs, big endian. Each packet's layout follows
// its mode and whether the token is an index.
func encodePackets(ticks []tick) ([]byte, error) {
	if len(ticks) > math.MaxUint16 {
		return nil, fmt.Errorf("kitesim: too many packets (%d)", len(ticks))
	}
	out := make([]byte, 2, 2+len(ticks)*(2+packetFull))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(ticks)))
	for i := range ticks {
		p, err := encodePacket(&ticks[i])
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out, nil
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

func encodePacket(t *tick) ([]byte, error) {
	div := priceDivisor(t.InstrumentToken)
	wire := func(v float64) uint32 { return uint32(math.Round(v * div)) }

	var size int
	switch {
	case t.Mode == modeLTP:
		size = packetLTP
	case isIndex(t.InstrumentToken) && t.Mode == modeQuote:
		size = packetIndexQuote
	case isIndex(t.InstrumentToken) && t.Mode == modeFull:
		size = packetIndexFull
	case t.Mode == modeQuote:
		size = packetQuote
	case t.Mode == modeFull:
		size = packetFull
	default:
		return nil, fmt.Errorf("kitesim: unknown tick mode %q", t.Mode)
	}

	p := make([]byte, size)
	put := func(off int, v uint32) { binary.BigEndian.PutUint32(p[off:off+4], v) }
	put(0, t.InstrumentToken)
	put(4, wire(t.LastPrice))

	switch size {
	case packetIndexQuote, packetIndexFull:
		put(8, wire(t.OHLC.High))
		put(12, wire(t.OHLC.Low))
		put(16, wire(t.OHLC.Open))
		put(20, wire(t.OHLC.Close))
		if size == packetIndexFull {
			put(28, unixSeconds(t.ExchangeTimestamp))
		}
	case packetQuote, packetFull:
		put(8, t.LastTradedQuantity)
		put(12, wire(t.AverageTradePrice))
		put(16, t.VolumeTraded)
		put(20, t.TotalBuyQuantity)
		put(24, t.TotalSellQuantity)
		put(28, wire(t.OHLC.Open))
		put(32, wire(t.OHLC.High))
		put(36, wire(t.OHLC.Low))
		put(40, wire(t.OHLC.Close))
		if size == packetFull {
			put(44, unixSeconds(t.LastTradeTime))
			put(48, t.OI)
			put(52, t.OI)
			put(56, t.OI)
			put(60, unixSeconds(t.ExchangeTimestamp))
			for i := 0; i < 2*depthLevels; i++ {
				item := t.Buy[i%depthLevels]
				if i >= depthLevels {
					item = t.Sell[i-depthLevels]
				}
				off := 64 + i*depthEntrySize
				put(off, item.Quantity)
				put(off+4, wire(item.Price))
				binary.BigEndian.PutUint16(p[off+8:off+10], item.Orders)
			}
		}
	}
	return p, nil
}
