package progress

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"
)

// Clock supplies timestamps for bar updates.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// ErrRequestDisposed marks snapshots that arrive for a request after it was
// disposed. They are dropped so a late terminal frame cannot latch twice.
var ErrRequestDisposed = errors.New("request disposed")

// Store maps bar ids to BarState. Bars are created lazily on first reference
// and live until their request is disposed. Writes come from a single Router;
// reads may happen from any goroutine and always return copies.
type Store struct {
	clock Clock

	mu       sync.RWMutex
	bars     map[string]*BarState
	requests map[string]map[string]struct{}
	disposed map[string]struct{}
}

// NewStore returns an empty store. A nil clock uses the wall clock in UTC.
func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = utcClock{}
	}
	return &Store{
		clock:    clock,
		bars:     make(map[string]*BarState),
		requests: make(map[string]map[string]struct{}),
		disposed: make(map[string]struct{}),
	}
}

// Get returns a copy of the bar's state.
func (s *Store) Get(barID string) (BarState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bar, ok := s.bars[barID]
	if !ok {
		return BarState{}, false
	}
	return bar.clone(), true
}

// Len returns the number of tracked bars.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Bars returns every bar ordered by request, summary first, then bar id.
func (s *Store) Bars() []BarState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BarState, 0, len(s.bars))
	for _, bar := range s.bars {
		out = append(out, bar.clone())
	}
	sortBars(out)
	return out
}

// Request returns the bars of one request group, summary first.
func (s *Store) Request(requestID string) []BarState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.requests[requestID]
	out := make([]BarState, 0, len(ids))
	for id := range ids {
		if bar, ok := s.bars[id]; ok {
			out = append(out, bar.clone())
		}
	}
	sortBars(out)
	return out
}

// EnsureSummary creates the summary bar of a request with a caller-supplied
// total, or resizes an existing one. The summary then counts child
// completions instead of mirroring its own snapshots. Starting a disposed
// request id again reopens it.
func (s *Store) EnsureSummary(requestID string, total float64) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disposed, requestID)
	bar := s.lookupLocked(requestID, requestID)
	bar.Total = total
	bar.Aggregated = true
	bar.UpdatedAt = s.clock.Now()
	return Update{Kind: UpdateStart, Bar: bar.clone(), Completed: latch(bar)}
}

// Dispose removes every bar of the request and returns their final states.
// Later snapshots for the request are refused until it is started again.
func (s *Store) Dispose(requestID string) []BarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed[requestID] = struct{}{}
	ids, ok := s.requests[requestID]
	if !ok {
		return nil
	}
	out := make([]BarState, 0, len(ids))
	for id := range ids {
		if bar, ok := s.bars[id]; ok {
			out = append(out, bar.clone())
			delete(s.bars, id)
		}
	}
	delete(s.requests, requestID)
	sortBars(out)
	return out
}

// apply upserts the bar named by snap. Last write wins for the counters; an
// aggregated summary only takes timing fields, plus Total while it is unset.
// Snapshots of a disposed request are refused.
func (s *Store) apply(snap Snapshot) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.disposed[snap.RequestID]; gone {
		return Update{}, false
	}
	bar := s.lookupLocked(snap.RequestID, snap.BarID)
	if bar.Aggregated {
		if bar.Total == 0 {
			bar.Total = snap.Total
		}
	} else {
		bar.N = snap.N
		bar.Total = snap.Total
	}
	bar.Elapsed = snap.Elapsed
	bar.Rate = snap.Rate
	bar.Prefix = snap.Prefix
	bar.UpdatedAt = s.clock.Now()
	completed := latch(bar)
	return Update{Kind: UpdateSnapshot, Bar: bar.clone(), Completed: completed}, true
}

// incrementSummary advances the request's summary bar by one finished child,
// creating it with an unknown total if no start request announced it.
func (s *Store) incrementSummary(requestID string) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.disposed[requestID]; gone {
		return Update{}, false
	}
	bar := s.lookupLocked(requestID, requestID)
	bar.Aggregated = true
	bar.N++
	bar.UpdatedAt = s.clock.Now()
	completed := latch(bar)
	return Update{Kind: UpdateAggregate, Bar: bar.clone(), Completed: completed}, true
}

func (s *Store) lookupLocked(requestID, barID string) *BarState {
	if bar, ok := s.bars[barID]; ok {
		return bar
	}
	bar := &BarState{
		RequestID: requestID,
		BarID:     barID,
		Summary:   requestID == barID,
	}
	s.bars[barID] = bar
	group, ok := s.requests[requestID]
	if !ok {
		group = make(map[string]struct{})
		s.requests[requestID] = group
	}
	group[barID] = struct{}{}
	return bar
}

// latch flips Completed the first time N reaches a positive Total and reports
// whether this call flipped it.
func latch(bar *BarState) bool {
	if bar.Completed || bar.Total <= 0 || bar.N < bar.Total {
		return false
	}
	bar.Completed = true
	return true
}

func sortBars(bars []BarState) {
	slices.SortFunc(bars, func(a, b BarState) int {
		if c := cmp.Compare(a.RequestID, b.RequestID); c != 0 {
			return c
		}
		if a.Summary != b.Summary {
			if a.Summary {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.BarID, b.BarID)
	})
}
