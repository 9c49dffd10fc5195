package reqstats

import (
	"sync"
	"time"
)

// PollStats holds poller statistics.
type PollStats struct {
	TotalTicks int64
	// AbandonedTicks were cut short by shutdown; their results were dropped.
	AbandonedTicks int64
	CallsSucceeded int64
	CallsFailed    int64
	TotalRecords   int64
	FailedWrites   int64
	LastDuration   time.Duration
	LastTick       time.Time
}

// tickResult is the outcome of one tick.
type tickResult struct {
	at        time.Time
	succeeded int
	failed    int
	records   int
	writeErr  error
	abandoned bool
	duration  time.Duration
}

// statsTracker provides thread-safe poll statistics tracking.
type statsTracker struct {
	mu    sync.RWMutex
	stats PollStats
}

func (s *statsTracker) recordTick(r tickResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalTicks++
	s.stats.CallsSucceeded += int64(r.succeeded)
	s.stats.CallsFailed += int64(r.failed)
	switch {
	case r.abandoned:
		s.stats.AbandonedTicks++
	case r.writeErr != nil:
		s.stats.FailedWrites++
	default:
		s.stats.TotalRecords += int64(r.records)
	}
	s.stats.LastDuration = r.duration
	s.stats.LastTick = r.at
}

func (s *statsTracker) snapshot() PollStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
