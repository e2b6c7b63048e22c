package pool

import "testing"

func TestRollingAverageUsesOnlySamplesSeenBeforeWindowFills(t *testing.T) {
	var r rollingAverage
	r.accum(10)
	r.accum(20)
	if got := r.avg(); got != 15 {
		t.Fatalf("avg() = %d, want 15 (average of the two samples seen so far, not padded with zeros)", got)
	}
}

func TestRollingAverageEmptyIsZero(t *testing.T) {
	var r rollingAverage
	if got := r.avg(); got != 0 {
		t.Fatalf("avg() on an empty window = %d, want 0", got)
	}
}

func TestRollingAverageWraparoundDropsOldestSample(t *testing.T) {
	var r rollingAverage
	for i := 0; i < demandHistoryLength; i++ {
		r.accum(10)
	}
	if got := r.avg(); got != 10 {
		t.Fatalf("avg() after filling the window with 10s = %d, want 10", got)
	}

	// One more sample should evict the oldest 10, not grow the window.
	r.accum(10 + uint32(demandHistoryLength))
	want := uint32(10 + 1) // (15*10 + 26) / 16 = 11
	if got := r.avg(); got != want {
		t.Fatalf("avg() after wraparound = %d, want %d", got, want)
	}
}
