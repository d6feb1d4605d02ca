// Package track implements the pure, lock-free guts of the track engine
// (spec §4.5, component C5): timestamp resolution, merge-by-timestamp
// within a flush buffer, and the row/columnar on-disk encoding policy.
// Session owns the mutex, the buffer slice, and the calls into Backend;
// this package only transforms the data it is handed. Session calls
// ResolveTimestamp under its lock, and MergeByTimestamp and Encode on a
// buffer it has already detached, with the lock released.
package track

import (
	"math"

	"github.com/fortyfive-labs/dreamlake-go/pkg/backend"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
)

const component = "track"

// InheritTimestamp is the sentinel spec §4.5/§9 pins as "-1 exactly",
// meaning "copy the session's last resolved timestamp".
const InheritTimestamp float64 = -1

// ResolveTimestamp implements the table in spec §4.5 "Append path":
//
//	absent              -> now
//	finite real number  -> as-is
//	sentinel -1         -> copy lastTimestamp, error if unset
//	non-numeric         -> BadInput
//
// incoming is nil when `_ts` was omitted by the caller. lastTimestamp is
// nil when the session has not resolved any timestamp yet. Session must
// hold its lock across the call and around folding the result back into
// lastTimestamp — this function has no side effects of its own.
func ResolveTimestamp(incoming any, lastTimestamp *float64, now float64) (float64, error) {
	if incoming == nil {
		return now, nil
	}

	ts, ok := toFloat(incoming)
	if !ok {
		return 0, dlerrors.BadInputf(component, "append", "_ts must be a real number, got %T", incoming)
	}
	if ts == InheritTimestamp {
		if lastTimestamp == nil {
			return 0, dlerrors.BadInputf(component, "append", "no previous timestamp to inherit")
		}
		return *lastTimestamp, nil
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0, dlerrors.BadInputf(component, "append", "_ts must be finite, got %v", ts)
	}
	return ts, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// MergeByTimestamp collapses points sharing an exact `_ts` into one,
// later-appended fields overwriting earlier ones for the same key, group
// order following first appearance (spec §4.5 "Buffer and merge-by-
// timestamp"). The input buffer is not mutated.
func MergeByTimestamp(points []dltypes.DataPoint) []dltypes.DataPoint {
	if len(points) == 0 {
		return nil
	}

	order := make([]float64, 0, len(points))
	groups := make(map[float64]map[string]any, len(points))
	for _, p := range points {
		g, ok := groups[p.Ts]
		if !ok {
			g = make(map[string]any, len(p.Fields))
			groups[p.Ts] = g
			order = append(order, p.Ts)
		}
		for k, v := range p.Fields {
			g[k] = v
		}
	}

	merged := make([]dltypes.DataPoint, 0, len(order))
	for _, ts := range order {
		merged = append(merged, dltypes.DataPoint{Ts: ts, Fields: groups[ts]})
	}
	return merged
}

// Encode applies the on-disk encoding policy from spec §4.5 "On-disk
// encoding" to an already-merged set of points: a lone point becomes a row
// record, two or more become a single columnar block with every field key
// encountered as a column and JSON null filling gaps. Returns nil for an
// empty input.
func Encode(points []dltypes.DataPoint) *backend.EncodedRecord {
	switch len(points) {
	case 0:
		return nil
	case 1:
		return &backend.EncodedRecord{Row: points[0].ToMap()}
	default:
		return &backend.EncodedRecord{Columns: encodeColumnar(points)}
	}
}

func encodeColumnar(points []dltypes.DataPoint) map[string][]any {
	keys := map[string]bool{"_ts": true}
	for _, p := range points {
		for k := range p.Fields {
			keys[k] = true
		}
	}

	n := len(points)
	cols := make(map[string][]any, len(keys))
	for k := range keys {
		cols[k] = make([]any, n)
	}
	for i, p := range points {
		cols["_ts"][i] = p.Ts
		for k := range keys {
			if k == "_ts" {
				continue
			}
			if v, ok := p.Fields[k]; ok {
				cols[k][i] = v
			} else {
				cols[k][i] = nil
			}
		}
	}
	return cols
}
