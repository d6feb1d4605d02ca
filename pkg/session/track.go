package session

import (
	"context"
	"time"

	"github.com/fortyfive-labs/dreamlake-go/pkg/backend"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlmetrics"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/fortyfive-labs/dreamlake-go/pkg/track"
)

// Track is a handle bound to one named stream within a Session (spec §3
// Track, component C5). All state it touches — the pending buffer, the
// session's last_timestamp, its metadata and synced flag — is guarded by
// the owning Session's mutex; the Backend calls themselves (EnsureTrack,
// WriteTrackRecords, reads) are made with the mutex released.
type Track struct {
	session *Session
	name    string

	buffer []dltypes.DataPoint
	meta   dltypes.TrackMetadata
	synced bool // EnsureTrack has been called at least once
}

func newTrack(s *Session, name string) *Track {
	return &Track{session: s, name: name, meta: dltypes.TrackMetadata{Name: name}}
}

// Name returns the track's hierarchical name.
func (t *Track) Name() string { return t.name }

// resolveTimestampLocked resolves incoming _ts under the session lock and
// folds the result into lastTimestamp, implementing spec §4.5's "update
// last_timestamp" side effect and §5's "_ts=-1 inherits the most recent
// timestamp assigned under the mutex, across any track".
func (s *Session) resolveTimestampLocked(incoming any) (float64, error) {
	now := float64(s.clock().UnixNano()) / 1e9
	ts, err := track.ResolveTimestamp(incoming, s.lastTimestamp, now)
	if err != nil {
		return 0, err
	}
	s.lastTimestamp = &ts
	return ts, nil
}

// Append resolves _ts (fields["_ts"] if present, else absent) under the
// session lock, appends the resolved point to the in-memory buffer, and
// auto-flushes once the buffer reaches the configured threshold (spec
// §4.5 "Append path").
func (t *Track) Append(ctx context.Context, fields map[string]any) error {
	return t.appendMany(ctx, []map[string]any{fields})
}

// AppendBatch appends N>=2 points in one call; spec §4.5 mandates the
// resulting on-disk record is a single columnar block when the post-merge
// buffer holds more than one point.
func (t *Track) AppendBatch(ctx context.Context, points []map[string]any) error {
	return t.appendMany(ctx, points)
}

func (t *Track) appendMany(ctx context.Context, points []map[string]any) error {
	t.session.mu.Lock()
	if err := t.session.requireOpenLocked("track_append"); err != nil {
		t.session.mu.Unlock()
		return err
	}

	resolved := make([]dltypes.DataPoint, 0, len(points))
	for _, fields := range points {
		userFields := make(map[string]any, len(fields))
		var incomingTs any
		for k, v := range fields {
			if k == "_ts" {
				incomingTs = v
				continue
			}
			userFields[k] = v
		}
		ts, err := t.session.resolveTimestampLocked(incomingTs)
		if err != nil {
			t.session.mu.Unlock()
			return err
		}
		resolved = append(resolved, dltypes.DataPoint{Ts: ts, Fields: userFields})
	}
	t.buffer = append(t.buffer, resolved...)
	shouldFlush := len(t.buffer) >= t.session.flushThreshold
	dlmetrics.TrackAppendsTotal.WithLabelValues(t.name).Add(float64(len(resolved)))
	dlmetrics.BufferedPoints.WithLabelValues(t.name).Set(float64(len(t.buffer)))
	synced := t.synced
	t.session.mu.Unlock()

	if !synced {
		if err := t.ensureSynced(ctx); err != nil {
			return err
		}
	}
	if shouldFlush {
		return t.Flush(ctx)
	}
	return nil
}

func (t *Track) ensureSynced(ctx context.Context) error {
	t.session.mu.Lock()
	handle := t.session.handle
	meta := t.meta
	t.session.mu.Unlock()

	if err := t.session.backend.EnsureTrack(ctx, handle, t.name, meta); err != nil {
		return err
	}
	t.session.mu.Lock()
	t.synced = true
	t.session.mu.Unlock()
	return nil
}

// Flush performs the in-buffer merge-by-_ts (spec §4.5 "Buffer and
// merge-by-timestamp") and writes the resulting row-or-columnar record to
// the backend. Flushing an empty buffer is a no-op. On a Transient write
// error the un-flushed points are kept in the buffer so the caller may
// retry (spec §4.5 "Failure semantics").
func (t *Track) Flush(ctx context.Context) error {
	return t.flush(ctx, true)
}

// flushForClose is Flush without the requireOpenLocked gate, for use by
// Session.Close, which drains pending tracks before it marks the session
// closed (spec §4.4 "Close... flushes all tracks").
func (t *Track) flushForClose(ctx context.Context) error {
	return t.flush(ctx, false)
}

func (t *Track) flush(ctx context.Context, requireOpen bool) error {
	t.session.mu.Lock()
	if requireOpen {
		if err := t.session.requireOpenLocked("track_flush"); err != nil {
			t.session.mu.Unlock()
			return err
		}
	}
	// Detach the buffer entirely so concurrent appends build a fresh
	// slice instead of aliasing the one merge/encode is about to read.
	pending := t.buffer
	t.buffer = nil
	handle := t.session.handle
	t.session.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	dlmetrics.BufferedPoints.WithLabelValues(t.name).Set(0)

	started := time.Now()
	merged := track.MergeByTimestamp(pending)
	rec := track.Encode(merged)
	if rec == nil {
		return nil
	}
	encoding := "row"
	if rec.Columns != nil {
		encoding = "columnar"
	}

	spanCtx, end := t.session.tracer.StartBackendSpan(ctx, "write_track_records", handle.ID, t.name)
	err := t.session.backend.WriteTrackRecords(spanCtx, handle, t.name, []backend.EncodedRecord{*rec})
	end(err)
	dlmetrics.ObserveFlush(t.name, encoding, started)
	if err != nil {
		recordBackendError("write_track_records", err)
		// Keep the un-flushed points (ahead of whatever arrived during
		// the write) so the caller may retry (spec §4.5 "Failure
		// semantics").
		t.session.mu.Lock()
		t.buffer = append(pending, t.buffer...)
		dlmetrics.BufferedPoints.WithLabelValues(t.name).Set(float64(len(t.buffer)))
		t.session.mu.Unlock()
		return err
	}
	return nil
}

// ReadByIndex returns items at logical indices [start, start+limit), first
// flushing the buffer so pending points are visible (spec §4.5
// "read_by_index").
func (t *Track) ReadByIndex(ctx context.Context, start, limit int64) (*backend.TrackRange, error) {
	if err := t.Flush(ctx); err != nil {
		return nil, err
	}
	t.session.mu.Lock()
	handle := t.session.handle
	t.session.mu.Unlock()
	return t.session.backend.ReadTrackRange(ctx, handle, t.name, start, limit)
}

// ReadByTime returns points with _ts in [startTs, endTs), first flushing
// the buffer (spec §4.5 "read_by_time"). A nil bound means unbounded.
func (t *Track) ReadByTime(ctx context.Context, startTs, endTs *float64, limit int, reverse bool) ([]dltypes.IndexedPoint, error) {
	if err := t.Flush(ctx); err != nil {
		return nil, err
	}
	t.session.mu.Lock()
	handle := t.session.handle
	t.session.mu.Unlock()
	return t.session.backend.ReadTrackTime(ctx, handle, t.name, backend.TimeQuery{
		StartTs: startTs,
		EndTs:   endTs,
		Limit:   limit,
		Reverse: reverse,
	})
}

// Describe returns the track's persisted metadata (display name,
// description, tags, user metadata, total point count).
func (t *Track) Describe(ctx context.Context) (dltypes.TrackMetadata, error) {
	t.session.mu.Lock()
	handle := t.session.handle
	t.session.mu.Unlock()

	tracks, err := t.session.backend.ListTracks(ctx, handle)
	if err != nil {
		return dltypes.TrackMetadata{}, err
	}
	for _, m := range tracks {
		if m.Name == t.name {
			return m, nil
		}
	}
	return dltypes.TrackMetadata{}, dlerrors.NotFoundf(component, "describe_track", "track %q not found", t.name)
}

// SetMetadata sets the display name, description, tags and user metadata
// applied the next time the track is synced to the backend (on the next
// Append, or immediately if already synced).
func (t *Track) SetMetadata(ctx context.Context, displayName, description string, tags []string, metadata map[string]any) error {
	t.session.mu.Lock()
	t.meta.DisplayName = displayName
	t.meta.Description = description
	t.meta.Tags = tags
	t.meta.Metadata = metadata
	handle := t.session.handle
	meta := t.meta
	synced := t.synced
	t.session.mu.Unlock()

	if !synced {
		return nil
	}
	if err := t.session.backend.EnsureTrack(ctx, handle, t.name, meta); err != nil {
		return err
	}
	return nil
}
