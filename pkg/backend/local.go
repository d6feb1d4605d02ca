package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlmetrics"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/fortyfive-labs/dreamlake-go/pkg/files"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const component = "local_backend"

// LocalBackend persists every session under a deterministic directory tree
// rooted at the directory passed to NewLocalBackend (spec §4.2):
//
//	<root>/<workspace>/<session>/session.json
//	<root>/<workspace>/<session>/parameters.json
//	<root>/<workspace>/<session>/logs/logs.jsonl
//	<root>/<workspace>/<session>/tracks/<safe(name)>/{metadata.json,data.msgpack}
//	<root>/<workspace>/<session>/files/.files_metadata.json
//	<root>/<workspace>/<session>/files/<prefix>/<file-id>/<filename>
type LocalBackend struct {
	root   string
	logger *logrus.Logger

	mu    sync.Mutex
	locks map[string]*os.File // sessionDir -> held lockfile
}

// NewLocalBackend roots a LocalBackend at dir, creating it if necessary.
func NewLocalBackend(dir string, logger *logrus.Logger) (*LocalBackend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dlerrors.Transientf(component, "new", err, "create root %s", dir)
	}
	return &LocalBackend{root: dir, logger: logger, locks: make(map[string]*os.File)}, nil
}

func (b *LocalBackend) sessionDir(workspace, name string) string {
	return filepath.Join(b.root, workspace, name)
}

// safeTrackDir replaces the hierarchical name's path separators so the
// track lives in a single directory component, while the logical name with
// its slashes is preserved in metadata.json (spec §4.2 "safe(track_name)").
func safeTrackDir(trackName string) string {
	return strings.ReplaceAll(trackName, "/", "__")
}

func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// UpsertSession creates the session directory tree and its lockfile if
// absent, or validates the lock is still ours if present (spec §4.1, §5
// Conflict detection).
func (b *LocalBackend) UpsertSession(ctx context.Context, namespace, workspace, name, description string, tags []string, folder string) (*dltypes.SessionHandle, error) {
	if workspace == "" || name == "" {
		return nil, dlerrors.BadInputf(component, "upsert_session", "workspace and name are required")
	}
	dir := b.sessionDir(workspace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dlerrors.Transientf(component, "upsert_session", err, "create session dir")
	}
	if err := b.acquireLock(dir); err != nil {
		return nil, err
	}

	metaPath := filepath.Join(dir, "session.json")
	var meta dltypes.SessionMeta
	existed, err := readJSON(metaPath, &meta)
	if err != nil {
		return nil, dlerrors.Corruptf(component, "upsert_session", err, "read session.json")
	}
	now := time.Now().UTC()
	if !existed {
		meta.CreatedAt = now
	}
	meta.Namespace = namespace
	meta.Workspace = workspace
	meta.Name = name
	meta.Description = description
	meta.Tags = mergeTags(meta.Tags, tags)
	meta.Folder = folder
	meta.UpdatedAt = now
	if err := atomicWriteJSON(metaPath, meta); err != nil {
		return nil, dlerrors.Transientf(component, "upsert_session", err, "write session.json")
	}

	b.logger.WithFields(logrus.Fields{"workspace": workspace, "name": name, "resumed": existed}).Info("session upserted")

	return &dltypes.SessionHandle{ID: dir, Namespace: namespace, Workspace: workspace, Name: name}, nil
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// acquireLock creates <dir>/session.lock exclusively; a pre-existing lock
// owned by a different live LocalBackend instance in this process (or left
// behind by a crashed one) surfaces as Conflict.
func (b *LocalBackend) acquireLock(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.locks[dir]; ok {
		return nil // already held by this backend instance (re-open / re-resolve Track)
	}
	lockPath := filepath.Join(dir, "session.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return dlerrors.Conflictf(component, "upsert_session", "lock held at %s", lockPath)
		}
		return dlerrors.Transientf(component, "upsert_session", err, "create lockfile")
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	b.locks[dir] = f
	return nil
}

func (b *LocalBackend) releaseLock(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.locks[dir]
	if !ok {
		return
	}
	_ = f.Close()
	_ = os.Remove(filepath.Join(dir, "session.lock"))
	delete(b.locks, dir)
}

func (b *LocalBackend) LoadParameters(ctx context.Context, handle *dltypes.SessionHandle) (map[string]any, error) {
	path := filepath.Join(handle.ID, "parameters.json")
	params := make(map[string]any)
	if _, err := readJSON(path, &params); err != nil {
		return nil, dlerrors.Corruptf(component, "load_parameters", err, "read parameters.json")
	}
	return params, nil
}

func (b *LocalBackend) ReplaceParameters(ctx context.Context, handle *dltypes.SessionHandle, flat map[string]any) error {
	path := filepath.Join(handle.ID, "parameters.json")
	if err := atomicWriteJSON(path, flat); err != nil {
		return dlerrors.Transientf(component, "replace_parameters", err, "write parameters.json")
	}
	return nil
}

func (b *LocalBackend) AppendLogs(ctx context.Context, handle *dltypes.SessionHandle, records []dltypes.LogRecord) error {
	dir := filepath.Join(handle.ID, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dlerrors.Transientf(component, "append_logs", err, "create logs dir")
	}
	f, err := os.OpenFile(filepath.Join(dir, "logs.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return dlerrors.Transientf(component, "append_logs", err, "open logs.jsonl")
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return dlerrors.BadInputf(component, "append_logs", "marshal log record: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return dlerrors.Transientf(component, "append_logs", err, "append logs.jsonl")
	}
	return nil
}

func (b *LocalBackend) trackDir(handle *dltypes.SessionHandle, trackName string) string {
	return filepath.Join(handle.ID, "tracks", safeTrackDir(trackName))
}

func (b *LocalBackend) EnsureTrack(ctx context.Context, handle *dltypes.SessionHandle, trackName string, meta dltypes.TrackMetadata) error {
	dir := b.trackDir(handle, trackName)
	metaPath := filepath.Join(dir, "metadata.json")
	var existing dltypes.TrackMetadata
	existed, err := readJSON(metaPath, &existing)
	if err != nil {
		return dlerrors.Corruptf(component, "ensure_track", err, "read track metadata.json")
	}
	meta.Name = trackName
	if existed {
		meta.TotalDataPoints = existing.TotalDataPoints
	}
	if err := atomicWriteJSON(metaPath, meta); err != nil {
		return dlerrors.Transientf(component, "ensure_track", err, "write track metadata.json")
	}
	return nil
}

func (b *LocalBackend) WriteTrackRecords(ctx context.Context, handle *dltypes.SessionHandle, trackName string, records []EncodedRecord) error {
	if len(records) == 0 {
		return nil
	}
	dir := b.trackDir(handle, trackName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dlerrors.Transientf(component, "write_track_records", err, "create track dir")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	var pointsAdded int64
	for _, rec := range records {
		if len(rec.Columns) > 0 {
			if err := enc.Encode(rec.Columns); err != nil {
				return dlerrors.BadInputf(component, "write_track_records", "encode columnar block: %v", err)
			}
			pointsAdded += int64(columnLen(rec.Columns))
		} else {
			if err := enc.Encode(rec.Row); err != nil {
				return dlerrors.BadInputf(component, "write_track_records", "encode row: %v", err)
			}
			pointsAdded++
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, "data.msgpack"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return dlerrors.Transientf(component, "write_track_records", err, "open data.msgpack")
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return dlerrors.Transientf(component, "write_track_records", err, "append data.msgpack")
	}

	metaPath := filepath.Join(dir, "metadata.json")
	var meta dltypes.TrackMetadata
	if _, err := readJSON(metaPath, &meta); err != nil {
		return dlerrors.Corruptf(component, "write_track_records", err, "read track metadata.json")
	}
	meta.Name = trackName
	meta.TotalDataPoints += pointsAdded
	if err := atomicWriteJSON(metaPath, meta); err != nil {
		return dlerrors.Transientf(component, "write_track_records", err, "update track metadata.json")
	}
	return nil
}

func columnLen(cols map[string][]any) int {
	for _, v := range cols {
		return len(v)
	}
	return 0
}

// decodeTrackStream reads every record (row or columnar) from a track's
// data.msgpack, expanding columnar blocks into individual points, and
// invokes yield for each in persisted (insertion) order with its logical
// index. yield returning false stops the scan early.
func (b *LocalBackend) decodeTrackStream(dir string, yield func(index int64, point map[string]any) bool) error {
	path := filepath.Join(dir, "data.msgpack")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dlerrors.Transientf(component, "read_track", err, "open data.msgpack")
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	var index int64
	for {
		var record map[string]any
		err := dec.Decode(&record)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dlerrors.Corruptf(component, "read_track", err, "decode record at byte offset")
		}

		tsVal, hasTs := record["_ts"]
		if !hasTs {
			return dlerrors.Corruptf(component, "read_track", nil, "record missing _ts")
		}
		if arr, ok := asAnySlice(tsVal); ok {
			// columnar block: every key is a same-length array.
			n := len(arr)
			for j := 0; j < n; j++ {
				point := make(map[string]any, len(record))
				for k, v := range record {
					col, ok := asAnySlice(v)
					if !ok || j >= len(col) {
						return dlerrors.Corruptf(component, "read_track", nil, "columnar block column %q malformed", k)
					}
					point[k] = col[j]
				}
				if !yield(index, point) {
					return nil
				}
				index++
			}
		} else {
			if !yield(index, record) {
				return nil
			}
			index++
		}
	}
	return nil
}

// asAnySlice reports whether v is an array value in the []any shape
// msgpack's generic decoder hands back; no other slice type is accepted.
func asAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	default:
		return nil, false
	}
}

func (b *LocalBackend) ReadTrackRange(ctx context.Context, handle *dltypes.SessionHandle, trackName string, start, limit int64) (*TrackRange, error) {
	dir := b.trackDir(handle, trackName)
	var meta dltypes.TrackMetadata
	if _, err := readJSON(filepath.Join(dir, "metadata.json"), &meta); err != nil {
		return nil, dlerrors.Corruptf(component, "read_track_range", err, "read track metadata.json")
	}

	var items []dltypes.IndexedPoint
	end := start + limit
	err := b.decodeTrackStream(dir, func(index int64, point map[string]any) bool {
		if index >= start && index < end {
			items = append(items, dltypes.IndexedPoint{Index: index, Data: point})
		}
		return index < end
	})
	if err != nil {
		return nil, err
	}
	return &TrackRange{Total: meta.TotalDataPoints, Items: items}, nil
}

func (b *LocalBackend) ReadTrackTime(ctx context.Context, handle *dltypes.SessionHandle, trackName string, q TimeQuery) ([]dltypes.IndexedPoint, error) {
	dir := b.trackDir(handle, trackName)
	var items []dltypes.IndexedPoint
	err := b.decodeTrackStream(dir, func(index int64, point map[string]any) bool {
		ts, _ := point["_ts"].(float64)
		if q.StartTs != nil && ts < *q.StartTs {
			return true
		}
		if q.EndTs != nil && ts >= *q.EndTs {
			return true
		}
		items = append(items, dltypes.IndexedPoint{Index: index, Data: point})
		return true
	})
	if err != nil {
		return nil, err
	}

	if q.Reverse {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Index > items[j].Index })
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (b *LocalBackend) ListTracks(ctx context.Context, handle *dltypes.SessionHandle) ([]dltypes.TrackMetadata, error) {
	tracksDir := filepath.Join(handle.ID, "tracks")
	entries, err := os.ReadDir(tracksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerrors.Transientf(component, "list_tracks", err, "list tracks dir")
	}
	var out []dltypes.TrackMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta dltypes.TrackMetadata
		found, err := readJSON(filepath.Join(tracksDir, e.Name(), "metadata.json"), &meta)
		if err != nil {
			return nil, dlerrors.Corruptf(component, "list_tracks", err, "read track metadata.json")
		}
		if found {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (b *LocalBackend) UploadFile(ctx context.Context, handle *dltypes.SessionHandle, localSourcePath, prefix, description string, tags []string, metadata map[string]any) (*dltypes.FileArtifact, error) {
	if err := files.ValidatePrefix(prefix); err != nil {
		return nil, err
	}

	src, err := os.Open(localSourcePath)
	if err != nil {
		return nil, dlerrors.Transientf(component, "upload_file", err, "open source file")
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, dlerrors.Transientf(component, "upload_file", err, "stat source file")
	}
	if err := files.ValidateSize(localSourcePath, info.Size()); err != nil {
		return nil, err
	}

	fileID := files.NewFileID()
	basename := filepath.Base(localSourcePath)
	destDir := filepath.Join(handle.ID, "files", filepath.FromSlash(strings.TrimPrefix(prefix, "/")), fileID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, dlerrors.Transientf(component, "upload_file", err, "create destination dir")
	}
	destPath := filepath.Join(destDir, basename)

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, dlerrors.Transientf(component, "upload_file", err, "create destination file")
	}
	defer dst.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		return nil, dlerrors.Transientf(component, "upload_file", err, "copy file contents")
	}

	artifact := dltypes.FileArtifact{
		FileID:      fileID,
		Filename:    basename,
		Prefix:      prefix,
		SizeBytes:   written,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		Description: description,
		Tags:        tags,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}

	if err := b.appendFileMetadata(handle, artifact); err != nil {
		return nil, err
	}
	dlmetrics.FileUploadBytesTotal.Add(float64(written))
	return &artifact, nil
}

func (b *LocalBackend) filesMetadataPath(handle *dltypes.SessionHandle) string {
	return filepath.Join(handle.ID, "files", ".files_metadata.json")
}

func (b *LocalBackend) appendFileMetadata(handle *dltypes.SessionHandle, artifact dltypes.FileArtifact) error {
	path := b.filesMetadataPath(handle)
	var all []dltypes.FileArtifact
	if _, err := readJSON(path, &all); err != nil {
		return dlerrors.Corruptf(component, "upload_file", err, "read files metadata sidecar")
	}
	all = append(all, artifact)
	if err := atomicWriteJSON(path, all); err != nil {
		return dlerrors.Transientf(component, "upload_file", err, "write files metadata sidecar")
	}
	return nil
}

func (b *LocalBackend) ListFiles(ctx context.Context, handle *dltypes.SessionHandle, prefix string, tags []string) ([]dltypes.FileArtifact, error) {
	var all []dltypes.FileArtifact
	if _, err := readJSON(b.filesMetadataPath(handle), &all); err != nil {
		return nil, dlerrors.Corruptf(component, "list_files", err, "read files metadata sidecar")
	}
	if prefix == "" && len(tags) == 0 {
		return all, nil
	}
	out := make([]dltypes.FileArtifact, 0, len(all))
	for _, f := range all {
		if prefix != "" && !strings.HasPrefix(f.Prefix, prefix) {
			continue
		}
		if len(tags) > 0 && !files.HasAnyTag(f.Tags, tags) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (b *LocalBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	dirs := make([]string, 0, len(b.locks))
	for dir := range b.locks {
		dirs = append(dirs, dir)
	}
	b.mu.Unlock()
	for _, dir := range dirs {
		b.releaseLock(dir)
	}
	return nil
}
