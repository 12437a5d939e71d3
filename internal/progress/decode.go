package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// WireVersion identifies the canonical frame schema the decoder normalizes to.
// Version 1 accepts the camelCase and snake_case field spellings below.
const WireVersion = 1

// ErrMalformedSnapshot marks frames that cannot be turned into a Snapshot.
var ErrMalformedSnapshot = errors.New("malformed progress snapshot")

type wireFrame struct {
	BarID         json.RawMessage `json:"barId"`
	ID            json.RawMessage `json:"id"`
	ProgressBarID json.RawMessage `json:"progress_bar_id"`
	RequestIDAlt  json.RawMessage `json:"requestId"`
	RequestID     json.RawMessage `json:"request_id"`
	FormatDictAlt *wireCounters   `json:"formatDict"`
	FormatDict    *wireCounters   `json:"format_dict"`
	Data          *wireCounters   `json:"data"`
}

type wireCounters struct {
	N       *float64        `json:"n"`
	Total   json.RawMessage `json:"total"`
	Elapsed *float64        `json:"elapsed"`
	Rate    *float64        `json:"rate"`
	Prefix  *string         `json:"prefix"`
}

// Decode parses one raw frame into a validated Snapshot. Bar ids come from
// barId, id or progress_bar_id; request ids from requestId or request_id,
// defaulting to the bar id; counters from formatDict, format_dict or data.
// Numeric ids are stringified. Every failure wraps ErrMalformedSnapshot.
func Decode(raw []byte) (Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty frame", ErrMalformedSnapshot)
	}
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}

	barID, err := firstID("bar id", frame.BarID, frame.ID, frame.ProgressBarID)
	if err != nil {
		return Snapshot{}, err
	}
	if barID == "" {
		return Snapshot{}, fmt.Errorf("%w: bar id is required", ErrMalformedSnapshot)
	}
	requestID, err := firstID("request id", frame.RequestIDAlt, frame.RequestID)
	if err != nil {
		return Snapshot{}, err
	}
	if requestID == "" {
		requestID = barID
	}

	counters := firstCounters(frame.FormatDictAlt, frame.FormatDict, frame.Data)
	if counters == nil {
		return Snapshot{}, fmt.Errorf("%w: counters are required", ErrMalformedSnapshot)
	}
	if counters.N == nil {
		return Snapshot{}, fmt.Errorf("%w: n is required", ErrMalformedSnapshot)
	}
	total, err := decodeTotal(counters.Total)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		RequestID: requestID,
		BarID:     barID,
		N:         *counters.N,
		Total:     total,
		Rate:      counters.Rate,
		Prefix:    counters.Prefix,
	}
	if counters.Elapsed != nil {
		snap.Elapsed = *counters.Elapsed
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func firstID(field string, candidates ...json.RawMessage) (string, error) {
	for _, raw := range candidates {
		id, err := decodeID(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrMalformedSnapshot, field, err)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.New("must be a string or number")
	}
	return n.String(), nil
}

func firstCounters(candidates ...*wireCounters) *wireCounters {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

// decodeTotal requires the key to be present; null means the total is unknown.
func decodeTotal(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: total is required", ErrMalformedSnapshot)
	}
	if bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	var total float64
	if err := json.Unmarshal(raw, &total); err != nil {
		return 0, fmt.Errorf("%w: total: %w", ErrMalformedSnapshot, err)
	}
	return total, nil
}
