// Package stats accumulates per-request outcomes and latencies inside a
// serving process and hands them out as destructive snapshots.
//
// Every read is a read-and-reset: the data returned is moved out of the
// accumulator, so a second read with no recordings in between returns nothing.
// Each logical field (counts, overall latencies, per-endpoint latencies) is
// swapped independently, so readers never serialize the request path behind a
// single lock.
package stats

import "sync"

// Sample is an unordered collection of request durations in seconds,
// unbounded until it is read.
type Sample struct {
	mu        sync.Mutex
	durations []float64
}

// Record appends a duration.
func (s *Sample) Record(d float64) {
	s.mu.Lock()
	s.durations = append(s.durations, d)
	s.mu.Unlock()
}

// ReadAndReset returns every duration recorded since the previous call and
// leaves the sample empty. The returned slice is owned by the caller.
func (s *Sample) ReadAndReset() []float64 {
	s.mu.Lock()
	out := s.durations
	s.durations = nil
	s.mu.Unlock()
	return out
}

// Len returns the number of durations currently held.
func (s *Sample) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.durations)
}
