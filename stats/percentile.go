package stats

import (
	"slices"
	"sort"
)

// Percentile returns the element at index floor((n-1)*p/100) of an ascending
// slice. The boolean is false when sorted is empty, which callers must treat
// as "no data" rather than zero. p is clamped to [0, 100].
func Percentile(sorted []float64, p float64) (float64, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	p = min(max(p, 0), 100)
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx], true
}

// PercentileRank returns the share of values strictly below threshold,
// scaled to [0, 100]. The count comes from a lower-bound search, so values
// equal to threshold are not counted: the rank of 30 in [10 20 30 40 50] is
// 40. The boolean is false when sorted is empty.
func PercentileRank(sorted []float64, threshold float64) (float64, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	below := sort.SearchFloat64s(sorted, threshold)
	return float64(below) / (float64(len(sorted)) / 100), true
}

// Summarize sorts a copy of durations and evaluates every percentile and
// every threshold rank against it. ok is false when durations is empty, in
// which case both result slices are nil.
func Summarize(durations []float64, percentiles, thresholds []float64) (lengths, ranks []float64, ok bool) {
	if len(durations) == 0 {
		return nil, nil, false
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	lengths = make([]float64, len(percentiles))
	for i, p := range percentiles {
		lengths[i], _ = Percentile(sorted, p)
	}
	ranks = make([]float64, len(thresholds))
	for i, t := range thresholds {
		ranks[i], _ = PercentileRank(sorted, t)
	}
	return lengths, ranks, true
}
