// Package dltypes holds the data structures shared across the Backend
// interface, the track engine, and the session lifecycle: the wire/disk
// shape of logs, tracks, data points, and file artifacts.
//
// DreamLake's user-supplied field sets (log metadata, data point fields,
// parameter values) are plain map[string]any. Go's encoding/json already
// round-trips arbitrary JSON through interface{} (nil, bool, float64,
// string, []any, map[string]any) without a hand-rolled tagged union, so no
// separate Value type is introduced here — see DESIGN.md.
package dltypes

import "time"

// LogLevel is one of the five levels spec §3 names for a LogRecord.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogRecord is one append-only log line (spec §3 LogRecord).
type LogRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	Level          LogLevel       `json:"level"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SequenceNumber int64          `json:"sequenceNumber"`
}

// TrackMetadata describes a track (spec §3 Track).
type TrackMetadata struct {
	Name            string         `json:"name"`
	DisplayName     string         `json:"displayName,omitempty"`
	Description     string         `json:"description,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	TotalDataPoints int64          `json:"totalDataPoints"`
}

// DataPoint is one logical record of a track (spec §3 DataPoint). Fields
// holds every key except `_ts`, which is tracked separately so the track
// engine can compare/merge/sort on it without a map lookup + type assertion
// on every access.
type DataPoint struct {
	Ts     float64
	Fields map[string]any
}

// ToMap renders the point back into the flat `{_ts, ...fields}` shape
// callers and the wire format expect.
func (p DataPoint) ToMap() map[string]any {
	out := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["_ts"] = p.Ts
	return out
}

// IndexedPoint pairs a DataPoint with its logical 0-based index within a
// track (the `{index, data}` shape of read_by_index, spec §4.5).
type IndexedPoint struct {
	Index int64          `json:"index"`
	Data  map[string]any `json:"data"`
}

// FileArtifact is an uploaded file's metadata (spec §3 FileArtifact).
type FileArtifact struct {
	FileID      string         `json:"fileId"`
	Filename    string         `json:"filename"`
	Prefix      string         `json:"prefix"`
	SizeBytes   int64          `json:"sizeBytes"`
	Checksum    string         `json:"checksum"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// SessionMeta is the persisted session.json shape (spec §4.2).
type SessionMeta struct {
	Namespace   string    `json:"namespace,omitempty"`
	Workspace   string    `json:"workspace"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Folder      string    `json:"folder,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SessionHandle is the opaque result of upsert_session (spec §4.1): enough
// for a Backend to address the session on every subsequent call.
type SessionHandle struct {
	ID        string
	Namespace string
	Workspace string
	Name      string
}
