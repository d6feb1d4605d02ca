// Package backend defines the polymorphic storage interface DreamLake
// Sessions are built on (spec §4.1, component C1), and implements its two
// concrete backends: LocalBackend (a filesystem tree) and RemoteBackend (an
// HTTP client).
package backend

import (
	"context"
	"time"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
)

// TrackRange is the result of read_track_range: a total point count for the
// track plus the requested page of indexed points.
type TrackRange struct {
	Total int64
	Items []dltypes.IndexedPoint
}

// TimeQuery are the arguments to read_track_time (spec §4.1/§4.5).
type TimeQuery struct {
	StartTs *float64
	EndTs   *float64
	Limit   int
	Reverse bool
}

// EncodedRecord is one persisted track record: either a row (len(Columns)
// == 0) or a columnar block. See spec §4.5 "On-disk encoding".
type EncodedRecord struct {
	// Row holds a single point's fields (including "_ts") when this
	// record is row-encoded.
	Row map[string]any
	// Columns holds one equal-length array per field (including "_ts")
	// when this record is columnar-encoded. Nil/empty means Row applies.
	Columns map[string][]any
}

// Backend is the persistence driver every Session operation goes through.
// Session owns buffering, sequencing, and the session mutex (spec §4.4/§5);
// Backend implementations are not required to buffer anything themselves.
type Backend interface {
	// UpsertSession creates the session if absent, or continues using the
	// existing one, returning a handle later calls are addressed by.
	UpsertSession(ctx context.Context, namespace, workspace, name, description string, tags []string, folder string) (*dltypes.SessionHandle, error)

	// LoadParameters returns the parameter map currently persisted for
	// handle, so Session.open can merge rather than overwrite (spec
	// §4.4 "open").
	LoadParameters(ctx context.Context, handle *dltypes.SessionHandle) (map[string]any, error)

	// AppendLogs appends records that already carry sequence numbers.
	AppendLogs(ctx context.Context, handle *dltypes.SessionHandle, records []dltypes.LogRecord) error

	// ReplaceParameters fully replaces the stored flat map; it is not a
	// patch, the Session computes the merged map (spec §4.1).
	ReplaceParameters(ctx context.Context, handle *dltypes.SessionHandle, flat map[string]any) error

	// EnsureTrack creates or updates a track's metadata sidecar.
	EnsureTrack(ctx context.Context, handle *dltypes.SessionHandle, trackName string, meta dltypes.TrackMetadata) error

	// WriteTrackRecords appends already-encoded records (row or
	// columnar) to a track's persisted stream.
	WriteTrackRecords(ctx context.Context, handle *dltypes.SessionHandle, trackName string, records []EncodedRecord) error

	// ReadTrackRange returns logical points at [start, start+limit).
	ReadTrackRange(ctx context.Context, handle *dltypes.SessionHandle, trackName string, start, limit int64) (*TrackRange, error)

	// ReadTrackTime returns logical points with _ts in [StartTs, EndTs).
	ReadTrackTime(ctx context.Context, handle *dltypes.SessionHandle, trackName string, q TimeQuery) ([]dltypes.IndexedPoint, error)

	// ListTracks returns the metadata of every track in the session.
	ListTracks(ctx context.Context, handle *dltypes.SessionHandle) ([]dltypes.TrackMetadata, error)

	// UploadFile streams localSourcePath's bytes into the store under
	// prefix, computing its SHA-256 digest as it goes (spec §4.7).
	UploadFile(ctx context.Context, handle *dltypes.SessionHandle, localSourcePath, prefix, description string, tags []string, metadata map[string]any) (*dltypes.FileArtifact, error)

	// ListFiles lists uploaded files, optionally filtered by prefix
	// and/or tag.
	ListFiles(ctx context.Context, handle *dltypes.SessionHandle, prefix string, tags []string) ([]dltypes.FileArtifact, error)

	// Close releases any transport or lock resources the backend holds.
	Close(ctx context.Context) error
}

// Clock is the wall-clock source a backend/session uses for `now()` (spec
// §4.5 "assign now()"). Exists so tests can inject a deterministic clock,
// the same seam `internal/app/app.go` leaves for its shutdown timers.
type Clock func() time.Time

// CredentialUpdater is implemented by backends that can rotate their
// authentication material without tearing down their transport.
// RemoteBackend implements it so a running Session can pick up a rotated
// api_key/user_name from a reloaded defaults file (spec §6 DefaultsFile);
// LocalBackend has no credentials and does not implement it.
type CredentialUpdater interface {
	SetCredentials(apiKey, userName string)
}
