package stats

import (
	"sync"
	"sync/atomic"
)

// errorUnit is added to the packed counter for a failed request; the low
// 32 bits count requests and the high 32 bits count errors.
const (
	errorUnit   = 1 << 32
	requestMask = errorUnit - 1
)

// Accumulator holds process-wide request statistics. Create one per serving
// process with New and share it between the request path and the stats RPC
// server. All methods are safe for concurrent use.
type Accumulator struct {
	// counts packs (errors<<32 | requests) so both swap in one operation.
	// It saturates at 2^32-1 requests between two reads; completions past
	// that are dropped from both counters.
	counts atomic.Uint64

	overall Sample

	endpointMu sync.Mutex
	endpoints  map[string][]float64
}

// New creates an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// RecordCompletion records one finished request. An empty endpoint records
// the request only in the overall sample.
func (a *Accumulator) RecordCompletion(endpoint string, duration float64, isError bool) {
	delta := uint64(1)
	if isError {
		delta += errorUnit
	}
	for {
		old := a.counts.Load()
		if old&requestMask == requestMask {
			break
		}
		if a.counts.CompareAndSwap(old, old+delta) {
			break
		}
	}

	a.overall.Record(duration)

	if endpoint == "" {
		return
	}
	a.endpointMu.Lock()
	if a.endpoints == nil {
		a.endpoints = make(map[string][]float64)
	}
	a.endpoints[endpoint] = append(a.endpoints[endpoint], duration)
	a.endpointMu.Unlock()
}

// ReadAndResetCounts swaps both counters to zero and returns the request
// count together with the error percentage at the swap instant. The
// percentage is 0 when no requests were recorded.
func (a *Accumulator) ReadAndResetCounts() (requestCount int64, errorPercentage float64) {
	packed := a.counts.Swap(0)
	requests := packed & requestMask
	errors := packed >> 32
	if requests == 0 {
		return 0, 0
	}
	return int64(requests), float64(errors) / float64(requests) * 100
}

// ReadAndResetOverallLatencies returns every duration recorded since the
// previous call.
func (a *Accumulator) ReadAndResetOverallLatencies() []float64 {
	return a.overall.ReadAndReset()
}

// ReadAndResetEndpointLatencies swaps out the whole per-endpoint mapping.
// Endpoints with no recorded durations are never present.
func (a *Accumulator) ReadAndResetEndpointLatencies() map[string][]float64 {
	a.endpointMu.Lock()
	out := a.endpoints
	a.endpoints = nil
	a.endpointMu.Unlock()
	if out == nil {
		return map[string][]float64{}
	}
	return out
}
