package backend

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeAPIServer builds a minimal DreamLake API double over gorilla/mux,
// enough to exercise RemoteBackend's request shape, auth header, and
// gzip-aware decoding without a real service. checkAuth inspects the
// Authorization header each handler receives.
func newFakeAPIServer(t *testing.T, checkAuth func(*testing.T, *http.Request)) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()

	router.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		body := readMaybeGzipBody(t, r)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))

		handle := dltypes.SessionHandle{
			ID:        "sess-1",
			Namespace: req["namespace"].(string),
			Workspace: req["workspace"].(string),
			Name:      req["name"].(string),
		}
		writeJSON(w, handle)
	}).Methods(http.MethodPost)

	router.HandleFunc("/v1/sessions/{id}/tracks/{track}/range", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		writeJSON(w, TrackRange{
			Total: 1,
			Items: []dltypes.IndexedPoint{{Index: 0, Data: map[string]any{"_ts": 1.0, "value": 10.0}}},
		})
	}).Methods(http.MethodGet)

	return httptest.NewServer(router)
}

// requireLiteralBearerToken asserts the request carries apiKey verbatim as
// its bearer token (spec §6 "api_key: explicit bearer token").
func requireLiteralBearerToken(t *testing.T, r *http.Request, apiKey string) {
	t.Helper()
	assert.Equal(t, "Bearer "+apiKey, r.Header.Get("Authorization"))
}

// requireDevToken asserts the request carries a JWT signed with
// devSharedSecret, with userName as its subject (spec §4.3 "dev-mode token
// derivation" for a caller that supplied only a user_name).
func requireDevToken(t *testing.T, r *http.Request, userName string) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "))
	raw := strings.TrimPrefix(auth, "Bearer ")

	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		return []byte(devSharedSecret), nil
	})
	require.NoError(t, err)
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	require.True(t, ok)
	assert.Equal(t, userName, claims.Subject)
}

func readMaybeGzipBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	var rdr io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		defer gr.Close()
		rdr = gr
	}
	body, err := io.ReadAll(rdr)
	require.NoError(t, err)
	return body
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRemoteBackendUpsertSessionSendsAPIKeyVerbatimAndDecodesHandle(t *testing.T) {
	srv := newFakeAPIServer(t, func(t *testing.T, r *http.Request) {
		requireLiteralBearerToken(t, r, "secret-key")
	})
	defer srv.Close()

	b, err := NewRemoteBackend(RemoteOptions{BaseURL: srv.URL, APIKey: "secret-key", UserName: "alice"})
	require.NoError(t, err)

	handle, err := b.UpsertSession(t.Context(), "ns", "ws", "run-1", "desc", []string{"t"}, "/folder")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", handle.ID)
	assert.Equal(t, "ws", handle.Workspace)
}

func TestRemoteBackendReadTrackRangeDecodesPage(t *testing.T) {
	srv := newFakeAPIServer(t, func(t *testing.T, r *http.Request) {
		requireLiteralBearerToken(t, r, "secret-key")
	})
	defer srv.Close()

	b, err := NewRemoteBackend(RemoteOptions{BaseURL: srv.URL, APIKey: "secret-key", UserName: "alice"})
	require.NoError(t, err)

	rng, err := b.ReadTrackRange(t.Context(), &dltypes.SessionHandle{ID: "sess-1"}, "metrics", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rng.Total)
	assert.Equal(t, 10.0, rng.Items[0].Data["value"])
}

func TestRemoteBackendUserNameOnlySendsSignedDevToken(t *testing.T) {
	srv := newFakeAPIServer(t, func(t *testing.T, r *http.Request) {
		requireDevToken(t, r, "alice")
	})
	defer srv.Close()

	b, err := NewRemoteBackend(RemoteOptions{BaseURL: srv.URL, UserName: "alice"})
	require.NoError(t, err)

	handle, err := b.UpsertSession(t.Context(), "ns", "ws", "run-1", "desc", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", handle.ID)
}

func TestNewRemoteBackendRejectsEmptyBaseURL(t *testing.T) {
	_, err := NewRemoteBackend(RemoteOptions{UserName: "alice"})
	assert.Error(t, err)
}

func TestNewRemoteBackendRejectsMissingCredentials(t *testing.T) {
	_, err := NewRemoteBackend(RemoteOptions{BaseURL: "https://api.example.com"})
	assert.Error(t, err)
}

func TestRemoteBackendSetCredentialsRotatesBearerToken(t *testing.T) {
	var gotAuth string
	srv := newFakeAPIServer(t, func(t *testing.T, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})
	defer srv.Close()

	b, err := NewRemoteBackend(RemoteOptions{BaseURL: srv.URL, APIKey: "old-key"})
	require.NoError(t, err)

	_, err = b.UpsertSession(t.Context(), "ns", "ws", "run-1", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer old-key", gotAuth)

	b.SetCredentials("new-key", "")
	_, err = b.UpsertSession(t.Context(), "ns", "ws", "run-1", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer new-key", gotAuth)
}
