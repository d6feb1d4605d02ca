// Package session implements the DreamLake Session lifecycle (spec §4.4,
// component C4): upsert-on-open, the mutex that guards last_timestamp,
// per-track buffers, the parameter map and the log sequence counter, and
// the guaranteed-flush-on-close contract.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fortyfive-labs/dreamlake-go/pkg/backend"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlmetrics"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltracing"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/fortyfive-labs/dreamlake-go/pkg/params"
	"github.com/sirupsen/logrus"
)

// recordBackendError tags a Backend failure onto dlmetrics.BackendErrorsTotal
// using its dlerrors.Kind when err carries one, "unknown" otherwise.
func recordBackendError(operation string, err error) {
	if err == nil {
		return
	}
	kind := "unknown"
	var de *dlerrors.Error
	if errors.As(err, &de) {
		kind = string(de.Kind)
	}
	dlmetrics.ObserveBackendError(operation, kind)
}

const component = "session"

// DefaultFlushThreshold is the buffered-point count spec §4.5 calls "a
// configurable size threshold" at which a track auto-flushes.
const DefaultFlushThreshold = 500

// Identity is the (namespace, workspace, name) triple spec §3 scopes a
// Session by.
type Identity struct {
	Namespace string
	Workspace string
	Name      string
}

// Options configures New. Description, Tags and Folder are stored verbatim
// on the session (spec §6 "Session construction options").
type Options struct {
	Identity
	Description    string
	Tags           []string
	Folder         string
	FlushThreshold int
	Clock          func() time.Time
	Logger         *logrus.Logger
	// BackendName labels dlmetrics.SessionsOpenTotal ("local" or "remote");
	// purely observational, never read by Session itself.
	BackendName string
	// Tracer wraps Backend operations in spans when non-nil. A nil Tracer
	// behaves like one built with dltracing.DefaultConfig (no-op spans).
	Tracer *dltracing.Manager
	// ConfigWatcher, if set, is stopped when the session closes. dreamlake.Open
	// sets this to an internal/config.DefaultsWatcher when the caller opts
	// into defaults-file hot reload (spec §6 DefaultsFile); Session only
	// needs to know it's something that must be shut down alongside the
	// backend, not what it watches.
	ConfigWatcher Stoppable
}

// Stoppable is anything Close must shut down before returning. Modeled
// after internal/config.DefaultsWatcher's Stop method, kept as a narrow
// local interface so Session doesn't need to import internal/config just
// to hold one optional field.
type Stoppable interface {
	Stop() error
}

// Session is the lifecycle object user code opens, emits logs/parameters/
// track points/files through, and closes. All exported methods are safe
// for concurrent use. Once the session has been closed, Open, Log,
// SetParameters and the Track handle's Append, AppendBatch, Flush,
// ReadByIndex and ReadByTime fail with SessionClosed; Track, Parameters,
// Tags, Description and Close itself do not, and neither do a Track
// handle's Describe and SetMetadata.
type Session struct {
	backend backend.Backend
	opts    Options
	logger  *logrus.Logger
	clock   func() time.Time
	tracer  *dltracing.Manager
	watcher Stoppable

	mu             sync.Mutex
	handle         *dltypes.SessionHandle
	opened         bool
	closed         bool
	lastTimestamp  *float64
	logSeq         int64
	parameters     map[string]any
	tracks         map[string]*Track
	flushThreshold int
}

// New builds a Session bound to backend b. Call Open before using it.
func New(b backend.Backend, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = dltracing.NewManager(dltracing.DefaultConfig(), opts.Logger)
	}
	return &Session{
		backend:        b,
		opts:           opts,
		logger:         opts.Logger,
		clock:          opts.Clock,
		tracer:         opts.Tracer,
		watcher:        opts.ConfigWatcher,
		parameters:     make(map[string]any),
		tracks:         make(map[string]*Track),
		flushThreshold: opts.FlushThreshold,
	}
}

// Open upserts the backing session state and, on success, loads any
// existing parameter map so later SetParameters calls merge rather than
// overwrite (spec §4.4 "open").
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dlerrors.SessionClosedf(component, "open")
	}

	spanCtx, end := s.tracer.StartBackendSpan(ctx, "upsert_session", "", "")
	handle, err := s.backend.UpsertSession(spanCtx, s.opts.Namespace, s.opts.Workspace, s.opts.Name, s.opts.Description, s.opts.Tags, s.opts.Folder)
	end(err)
	if err != nil {
		recordBackendError("upsert_session", err)
		return err
	}
	s.handle = handle

	loaded, err := s.backend.LoadParameters(ctx, handle)
	if err != nil {
		recordBackendError("load_parameters", err)
		return err
	}
	s.parameters = loaded
	if s.parameters == nil {
		s.parameters = make(map[string]any)
	}
	s.opened = true

	dlmetrics.SessionsOpenTotal.WithLabelValues(s.opts.BackendName).Inc()
	s.logger.WithFields(logrus.Fields{
		"namespace": s.opts.Namespace,
		"workspace": s.opts.Workspace,
		"name":      s.opts.Name,
	}).Info("session opened")
	return nil
}

func (s *Session) requireOpenLocked(operation string) error {
	if s.closed {
		return dlerrors.SessionClosedf(component, operation)
	}
	if !s.opened {
		return dlerrors.SessionClosedf(component, operation)
	}
	return nil
}

// Log appends a LogRecord, assigning the next monotonic sequence number
// (spec §4.4 "log").
func (s *Session) Log(ctx context.Context, message string, level dltypes.LogLevel, metadata map[string]any) error {
	if level == "" {
		level = dltypes.LevelInfo
	}

	s.mu.Lock()
	if err := s.requireOpenLocked("log"); err != nil {
		s.mu.Unlock()
		return err
	}
	record := dltypes.LogRecord{
		Timestamp:      s.clock().UTC(),
		Level:          level,
		Message:        message,
		Metadata:       metadata,
		SequenceNumber: s.logSeq,
	}
	s.logSeq++
	handle := s.handle
	s.mu.Unlock()

	if err := s.backend.AppendLogs(ctx, handle, []dltypes.LogRecord{record}); err != nil {
		recordBackendError("append_logs", err)
		return err
	}
	return nil
}

// SetParameters flattens updates (spec §4.6), merges the resulting leaves
// into the in-memory parameter map, and atomically persists the full map.
func (s *Session) SetParameters(ctx context.Context, updates map[string]any) error {
	flat := params.Flatten(updates)

	s.mu.Lock()
	if err := s.requireOpenLocked("set_parameters"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.parameters = params.Merge(s.parameters, flat)
	snapshot := make(map[string]any, len(s.parameters))
	for k, v := range s.parameters {
		snapshot[k] = v
	}
	handle := s.handle
	s.mu.Unlock()

	if err := s.backend.ReplaceParameters(ctx, handle, snapshot); err != nil {
		recordBackendError("replace_parameters", err)
		return err
	}
	return nil
}

// Parameters returns a snapshot of the current in-memory parameter map.
func (s *Session) Parameters() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.parameters))
	for k, v := range s.parameters {
		out[k] = v
	}
	return out
}

// Track returns the handle bound to trackName; calling Track twice with
// the same name returns handles sharing the same backing buffer (spec
// §4.4 "track(name)").
func (s *Session) Track(trackName string) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracks[trackName]; ok {
		return t
	}
	t := newTrack(s, trackName)
	s.tracks[trackName] = t
	return t
}

// FlushTracks flushes every pending track buffer (spec §4.4
// "tracks.flush()").
func (s *Session) FlushTracks(ctx context.Context) error {
	s.mu.Lock()
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := t.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Description returns the session's stored description (spec §3).
func (s *Session) Description() string { return s.opts.Description }

// Tags returns the session's stored tag set (spec §3).
func (s *Session) Tags() []string { return append([]string(nil), s.opts.Tags...) }

// Close idempotently flushes every track, releases the backend, and marks
// the session closed. Best-effort: a Transient error during the flush is
// logged as a warning rather than returned, so the session still closes
// cleanly (spec §7 "Propagation policy"). Tracks are flushed while the
// session is still marked open, since a flush issued from inside Close
// must not itself be rejected by the very closed flag Close is about to
// set.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := t.flushForClose(ctx); err != nil {
			if dlerrors.Is(err, dlerrors.Transient) {
				s.logger.WithError(err).Warn("best-effort flush on close hit a transient error")
			} else {
				return err
			}
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.WithError(err).Warn("config watcher stop failed")
		}
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("tracer shutdown failed")
	}
	return s.backend.Close(ctx)
}
