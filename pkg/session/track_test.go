package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadByIndexRoundTrips(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, s.Track("metrics").Append(ctx, map[string]any{"_ts": 1.0, "value": 10.0}))

	rng, err := s.Track("metrics").ReadByIndex(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), rng.Total)
	assert.Equal(t, 1.0, rng.Items[0].Data["_ts"])
	assert.Equal(t, 10.0, rng.Items[0].Data["value"])
}

// Three single-point appends sharing one resolved timestamp merge into a
// single row record on flush (spec §8 scenario S3).
func TestThreeAppendsSameTimestampMergeIntoOneRow(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	tr := s.Track("sensors")
	require.NoError(t, tr.Append(ctx, map[string]any{"_ts": 5.0, "q": []any{0.1, 0.2}}))
	require.NoError(t, tr.Append(ctx, map[string]any{"_ts": 5.0, "v": []any{0.01, 0.02}}))
	require.NoError(t, tr.Append(ctx, map[string]any{"_ts": 5.0, "e": []any{0.5, 0.6, 0.7}}))
	require.NoError(t, tr.Flush(ctx))

	rng, err := tr.ReadByIndex(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), rng.Total)
	assert.Equal(t, []any{0.1, 0.2}, rng.Items[0].Data["q"])
	assert.Equal(t, []any{0.01, 0.02}, rng.Items[0].Data["v"])
	assert.Equal(t, []any{0.5, 0.6, 0.7}, rng.Items[0].Data["e"])
}

// A single batch append of three distinct timestamps persists as one
// columnar block, but reads back as three independent rows (spec §8
// scenario S4).
func TestBatchAppendBecomesColumnarButReadsAsRows(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	tr := s.Track("frames")
	require.NoError(t, tr.AppendBatch(ctx, []map[string]any{
		{"_ts": 1.0, "width": 640},
		{"_ts": 2.0, "height": 480},
		{"_ts": 3.0, "width": 1280, "height": 720},
	}))
	require.NoError(t, tr.Flush(ctx))

	rng, err := tr.ReadByIndex(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(3), rng.Total)
	require.Len(t, rng.Items, 3)
	// msgpack's generic decoder hands Go ints back as int64.
	assert.Equal(t, int64(640), rng.Items[0].Data["width"])
	assert.Nil(t, rng.Items[0].Data["height"])
	assert.Equal(t, int64(480), rng.Items[1].Data["height"])
	assert.Equal(t, int64(1280), rng.Items[2].Data["width"])
	assert.Equal(t, int64(720), rng.Items[2].Data["height"])
}

// _ts=-1 inherits the most recently resolved timestamp across tracks,
// sharing the session-wide lastTimestamp (spec §8 scenario S2).
func TestInheritTimestampCrossesTracks(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, s.Track("gps").Append(ctx, map[string]any{"_ts": 100.0, "lat": 1.0}))
	require.NoError(t, s.Track("imu").Append(ctx, map[string]any{"_ts": -1.0, "accel": 9.8}))

	rng, err := s.Track("imu").ReadByIndex(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rng.Items, 1)
	assert.Equal(t, 100.0, rng.Items[0].Data["_ts"])
}

func TestReadByTimeFiltersAndReverses(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	tr := s.Track("metrics")
	for _, ts := range []float64{1, 2, 3, 4} {
		require.NoError(t, tr.Append(ctx, map[string]any{"_ts": ts, "value": ts * 10}))
	}
	require.NoError(t, tr.Flush(ctx))

	start, end := 2.0, 4.0
	points, err := tr.ReadByTime(ctx, &start, &end, 10, true)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 3.0, points[0].Data["_ts"])
	assert.Equal(t, 2.0, points[1].Data["_ts"])
}

func TestAutoFlushOnThreshold(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()
	s.flushThreshold = 2

	tr := s.Track("metrics")
	require.NoError(t, tr.Append(ctx, map[string]any{"_ts": 1.0, "v": 1}))
	assert.Len(t, tr.buffer, 1)
	require.NoError(t, tr.Append(ctx, map[string]any{"_ts": 2.0, "v": 2}))
	assert.Empty(t, tr.buffer)
}

func TestSetMetadataBeforeSyncAppliesOnFirstEnsureTrack(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	tr := s.Track("metrics")
	require.NoError(t, tr.SetMetadata(ctx, "Metrics", "training metrics", []string{"train"}, nil))
	require.NoError(t, tr.Append(ctx, map[string]any{"_ts": 1.0, "v": 1}))

	meta, err := tr.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Metrics", meta.DisplayName)
	assert.Equal(t, []string{"train"}, meta.Tags)
}
