package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTracker_Empty(t *testing.T) {
	lt := NewLatencyTracker(100)
	assert.Equal(t, LatencySnapshot{}, lt.Snapshot())
}

func TestLatencyTracker_SingleSample(t *testing.T) {
	lt := NewLatencyTracker(100)
	lt.Record(42 * time.Microsecond)

	s := lt.Snapshot()
	assert.Equal(t, 1, s.Samples)
	assert.Equal(t, 42.0, s.P50us)
	assert.Equal(t, 42.0, s.P99us)
	assert.Equal(t, 42.0, s.MaxUs)
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	for i := 100; i >= 1; i-- {
		lt.Record(time.Duration(i) * time.Microsecond)
	}

	s := lt.Snapshot()
	assert.InDelta(t, 50.5, s.P50us, 0.01)
	assert.InDelta(t, 95.05, s.P95us, 0.01)
	assert.InDelta(t, 99.01, s.P99us, 0.01)
	assert.Equal(t, 100.0, s.MaxUs)
}

func TestLatencyTracker_Wraparound(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Record(time.Duration(i) * time.Microsecond)
	}

	assert.Equal(t, 10, lt.Count())
	s := lt.Snapshot()
	// only 11..20 remain
	assert.InDelta(t, 15.5, s.P50us, 0.01)
	assert.Equal(t, 20.0, s.MaxUs)
}
