package core

import (
	"sync"
	"time"

	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// NetworkStats tracks per-type and per-sender message counts plus the
// overall message rate since the router started.
type NetworkStats struct {
	mu sync.Mutex

	clock timectrl.SimClock
	start time.Time

	total    int64
	byType   map[string]int64
	bySender map[string]int64
}

// StatsSummary is a point-in-time copy of the router's statistics.
type StatsSummary struct {
	TotalMessages  int64
	MessagesByType map[string]int64
	BySender       map[string]int64
	MessageRate    float64 // messages per second since start
}

// NewNetworkStats constructs a stats tracker anchored at the clock's
// current instant.
func NewNetworkStats(clock timectrl.SimClock) *NetworkStats {
	return &NetworkStats{
		clock:    clock,
		start:    clock.Now(),
		byType:   make(map[string]int64),
		bySender: make(map[string]int64),
	}
}

// Record counts one send. The delivery-count statistic is per send,
// regardless of how many recipients the message reached.
func (s *NetworkStats) Record(senderID, msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byType[msgType]++
	s.bySender[senderID]++
}

// MessageRate returns total messages divided by elapsed seconds since start.
func (s *NetworkStats) MessageRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLocked()
}

func (s *NetworkStats) rateLocked() float64 {
	elapsed := s.clock.Now().Sub(s.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.total) / elapsed
}

// Summary returns a copy of all counters.
func (s *NetworkStats) Summary() StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[string]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	bySender := make(map[string]int64, len(s.bySender))
	for k, v := range s.bySender {
		bySender[k] = v
	}
	return StatsSummary{
		TotalMessages:  s.total,
		MessagesByType: byType,
		BySender:       bySender,
		MessageRate:    s.rateLocked(),
	}
}
