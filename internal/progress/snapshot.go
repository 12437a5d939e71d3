package progress

import (
	"fmt"
	"math"
)

// Snapshot is one decoded progress report for a single bar.
type Snapshot struct {
	// RequestID groups the bars started by one logical request.
	RequestID string
	// BarID identifies the bar; it equals RequestID for the summary bar.
	BarID string
	// N is the number of items done.
	N float64
	// Total is the expected number of items; 0 means unknown.
	Total float64
	// Elapsed is the wall time reported by the producer, in seconds.
	Elapsed float64
	// Rate is items per second, when the producer knows it.
	Rate *float64
	// Prefix is an optional label rendered before the bar.
	Prefix *string
}

// Validate enforces identity and counter invariants.
func (s Snapshot) Validate() error {
	if s.BarID == "" {
		return fmt.Errorf("%w: bar id is required", ErrMalformedSnapshot)
	}
	if s.RequestID == "" {
		return fmt.Errorf("%w: request id is required", ErrMalformedSnapshot)
	}
	counters := []struct {
		name  string
		value float64
	}{{"n", s.N}, {"total", s.Total}, {"elapsed", s.Elapsed}}
	for _, c := range counters {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrMalformedSnapshot, c.name)
		}
		if c.value < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrMalformedSnapshot, c.name)
		}
	}
	if s.Total > 0 && s.N > s.Total {
		return fmt.Errorf("%w: n %.0f exceeds total %.0f", ErrMalformedSnapshot, s.N, s.Total)
	}
	return nil
}

// Terminal reports whether the snapshot completes its bar.
func (s Snapshot) Terminal() bool {
	return s.Total > 0 && s.N >= s.Total
}

// IsSummary reports whether the snapshot targets its request's summary bar.
func (s Snapshot) IsSummary() bool {
	return s.BarID == s.RequestID
}
