package progress

import "time"

// BarState is the latest known state of one bar.
type BarState struct {
	RequestID string   `json:"request_id"`
	BarID     string   `json:"bar_id"`
	N         float64  `json:"n"`
	Total     float64  `json:"total"`
	Elapsed   float64  `json:"elapsed"`
	Rate      *float64 `json:"rate,omitempty"`
	Prefix    *string  `json:"prefix,omitempty"`
	// Summary marks the bar whose id equals its request id.
	Summary bool `json:"summary"`
	// Completed latches the first time N reaches a positive Total.
	Completed bool `json:"completed"`
	// Aggregated summaries count child completions; snapshots for them only
	// refresh timing fields.
	Aggregated bool      `json:"aggregated"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ratio returns N/Total, or 0 while the total is unknown. It is not clamped.
func (b BarState) Ratio() float64 {
	if b.Total <= 0 {
		return 0
	}
	return b.N / b.Total
}

// Percent returns Ratio scaled to 0..100 and clamped for display.
func (b BarState) Percent() float64 {
	p := b.Ratio() * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Label returns the prefix when set, otherwise the bar id.
func (b BarState) Label() string {
	if b.Prefix != nil && *b.Prefix != "" {
		return *b.Prefix
	}
	return b.BarID
}

func (b BarState) clone() BarState {
	if b.Rate != nil {
		rate := *b.Rate
		b.Rate = &rate
	}
	if b.Prefix != nil {
		prefix := *b.Prefix
		b.Prefix = &prefix
	}
	return b
}

// UpdateKind says what produced an Update.
type UpdateKind string

// Update sources.
const (
	// UpdateSnapshot is a bar refreshed from a decoded snapshot.
	UpdateSnapshot UpdateKind = "snapshot"
	// UpdateAggregate is a summary bar advanced by a child completion.
	UpdateAggregate UpdateKind = "aggregate"
	// UpdateStart is a summary bar created or resized by a start request.
	UpdateStart UpdateKind = "start"
	// UpdateDisposed is the last state of a bar removed with its request.
	UpdateDisposed UpdateKind = "disposed"
)

// Update is a bar state change handed to the Renderer.
type Update struct {
	Kind UpdateKind
	Bar  BarState
	// Completed is set only on the update that latched the bar's completion.
	Completed bool
}
