package stats

import (
	"slices"
	"testing"
)

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{50, 30},
		{85, 40},
		{95, 40},
		{100, 50},
	}
	for _, tt := range tests {
		got, ok := Percentile(sorted, tt.p)
		if !ok {
			t.Fatalf("Percentile(%v) reported no data", tt.p)
		}
		if got != tt.want {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestPercentileSingleValue(t *testing.T) {
	for _, p := range []float64{0, 1, 50, 99, 100} {
		got, ok := Percentile([]float64{0.25}, p)
		if !ok || got != 0.25 {
			t.Errorf("Percentile([0.25], %v) = %v, %v, want 0.25, true", p, got, ok)
		}
	}
}

func TestPercentileEmpty(t *testing.T) {
	if _, ok := Percentile(nil, 50); ok {
		t.Error("Percentile(nil) should report no data")
	}
}

func TestPercentileRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}

	tests := []struct {
		threshold float64
		want      float64
	}{
		{5, 0},
		{10, 0},
		{30, 40},
		{35, 60},
		{50, 80},
		{51, 100},
	}
	for _, tt := range tests {
		got, ok := PercentileRank(sorted, tt.threshold)
		if !ok {
			t.Fatalf("PercentileRank(%v) reported no data", tt.threshold)
		}
		if got != tt.want {
			t.Errorf("PercentileRank(%v) = %v, want %v", tt.threshold, got, tt.want)
		}
	}
}

func TestPercentileRankEmpty(t *testing.T) {
	got, ok := PercentileRank([]float64{}, 1)
	if ok {
		t.Errorf("PercentileRank(empty) = %v, true; want no data", got)
	}
}

func TestSummarize(t *testing.T) {
	durations := []float64{50, 10, 40, 30, 20}
	lengths, ranks, ok := Summarize(durations, []float64{0, 50, 100}, []float64{30, 100})
	if !ok {
		t.Fatal("Summarize() reported no data")
	}
	if want := []float64{10, 30, 50}; !slices.Equal(lengths, want) {
		t.Errorf("lengths = %v, want %v", lengths, want)
	}
	if want := []float64{40, 100}; !slices.Equal(ranks, want) {
		t.Errorf("ranks = %v, want %v", ranks, want)
	}
	if durations[0] != 50 {
		t.Error("Summarize() must not reorder its input")
	}
}

func TestSummarizeEmpty(t *testing.T) {
	lengths, ranks, ok := Summarize(nil, []float64{50}, []float64{1})
	if ok || lengths != nil || ranks != nil {
		t.Errorf("Summarize(nil) = %v, %v, %v; want nil, nil, false", lengths, ranks, ok)
	}
}
