package session

import (
	"context"
	"testing"
	"time"

	"github.com/fortyfive-labs/dreamlake-go/pkg/backend"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOpenedSession(t *testing.T) (*Session, func()) {
	t.Helper()
	b, err := backend.NewLocalBackend(t.TempDir(), nil)
	require.NoError(t, err)

	s := New(b, Options{
		Identity: Identity{Namespace: "ns", Workspace: "ws", Name: "run-1"},
		Tags:     []string{"unit"},
	})
	require.NoError(t, s.Open(context.Background()))
	return s, func() { _ = s.Close(context.Background()) }
}

func TestOpenUpsertsAndLoadsParameters(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()

	assert.Equal(t, []string{"unit"}, s.Tags())
	assert.Empty(t, s.Parameters())
}

func TestSetParametersFlattensAndMerges(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, s.SetParameters(ctx, map[string]any{
		"lr":    0.01,
		"model": map[string]any{"name": "resnet"},
	}))
	require.NoError(t, s.SetParameters(ctx, map[string]any{"batch_size": 32}))

	params := s.Parameters()
	assert.Equal(t, 0.01, params["lr"])
	assert.Equal(t, "resnet", params["model.name"])
	assert.Equal(t, 32, params["batch_size"])
}

func TestOperationsFailAfterClose(t *testing.T) {
	s, _ := newOpenedSession(t)
	ctx := context.Background()
	require.NoError(t, s.Close(ctx))

	err := s.Log(ctx, "hello", dltypes.LevelInfo, nil)
	assert.True(t, dlerrors.Is(err, dlerrors.SessionClosed))

	err = s.SetParameters(ctx, map[string]any{"x": 1})
	assert.True(t, dlerrors.Is(err, dlerrors.SessionClosed))

	err = s.Track("metrics").Append(ctx, map[string]any{"value": 1})
	assert.True(t, dlerrors.Is(err, dlerrors.SessionClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newOpenedSession(t)
	ctx := context.Background()
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
}

func TestTrackReturnsSameHandleForSameName(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()

	a := s.Track("metrics")
	b := s.Track("metrics")
	assert.Same(t, a, b)
}

func TestCloseFlushesPendingTrackPoints(t *testing.T) {
	s, _ := newOpenedSession(t)
	ctx := context.Background()

	require.NoError(t, s.Track("metrics").Append(ctx, map[string]any{"value": 1.0}))
	require.NoError(t, s.Close(ctx))

	// Read straight from the backend to confirm the point landed on disk
	// rather than staying in the closed session's buffer.
	rng, err := s.backend.ReadTrackRange(ctx, s.handle, "metrics", 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), rng.Total)
	assert.Equal(t, 1.0, rng.Items[0].Data["value"])
}

func TestLogAssignsMonotonicSequenceNumbers(t *testing.T) {
	s, done := newOpenedSession(t)
	defer done()
	ctx := context.Background()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }

	require.NoError(t, s.Log(ctx, "first", dltypes.LevelInfo, nil))
	require.NoError(t, s.Log(ctx, "second", dltypes.LevelWarn, nil))
	assert.Equal(t, int64(2), s.logSeq)
}
