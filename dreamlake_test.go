package dreamlake

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLocalSessionRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{
		Namespace: "ns",
		Workspace: "ws",
		Name:      "run-1",
		LocalPath: t.TempDir(),
		Tags:      []string{"smoke"},
	})
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Equal(t, []string{"smoke"}, s.Tags())

	require.NoError(t, s.Track("metrics").Append(ctx, map[string]any{"_ts": 1.0, "value": 42.0}))
	require.NoError(t, s.Close(ctx))
}

func TestOpenWithNeitherBackendFails(t *testing.T) {
	t.Setenv("DREAMLAKE_LOCAL_PATH", "")
	t.Setenv("DREAMLAKE_API_URL", "")
	_, err := Open(context.Background(), Options{Namespace: "ns", Workspace: "ws", Name: "run-1"})
	assert.True(t, dlerrors.Is(err, dlerrors.BadInput))
}

func TestOpenWithWatchDefaultsStartsAndStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	defaultsFile := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(defaultsFile, []byte(""), 0o644))

	ctx := context.Background()
	s, err := Open(ctx, Options{
		Namespace:     "ns",
		Workspace:     "ws",
		Name:          "run-1",
		LocalPath:     t.TempDir(),
		DefaultsFile:  defaultsFile,
		WatchDefaults: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
}

func TestOpenWithBothBackendsFails(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Namespace: "ns",
		Workspace: "ws",
		Name:      "run-1",
		LocalPath: t.TempDir(),
		RemoteURL: "https://api.example.com",
		APIKey:    "key",
	})
	assert.True(t, dlerrors.Is(err, dlerrors.BadInput))
}
