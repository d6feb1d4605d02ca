package backend

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dlmetrics"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/fortyfive-labs/dreamlake-go/pkg/files"
	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

const remoteComponent = "remote_backend"

// HTTPClientConfig shapes RemoteBackend's transport pool. Defaults mirror a
// single-daemon HTTP client tuned for one busy upstream rather than many
// hosts.
type HTTPClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	RequestTimeout      time.Duration
	DisableKeepAlives   bool
	KeepAlive           time.Duration
}

// DefaultHTTPClientConfig returns pool settings sized for one DreamLake API
// endpoint under sustained write traffic.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      30 * time.Second,
		DisableKeepAlives:   false,
		KeepAlive:           30 * time.Second,
	}
}

func newTransport(cfg HTTPClientConfig) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
	}
}

// RemoteBackend is the HTTP client Backend (spec §4.1/§4.3/§6, component
// C1/C3): every method maps to one DreamLake API call, with a bearer token
// on every request (an explicit api_key sent verbatim, or a derived JWT
// dev token when only user_name is set), idempotent-read retries, and
// adaptive compression of large request bodies.
type RemoteBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	minGzip    int

	credMu   sync.RWMutex
	apiKey   string
	userName string
}

// RemoteOptions configures NewRemoteBackend.
type RemoteOptions struct {
	BaseURL    string
	APIKey     string
	UserName   string
	HTTPClient HTTPClientConfig
	// MinCompressBytes is the smallest request body RemoteBackend will
	// gzip before sending (spec §4.3 "adaptive compression"). 0 selects a
	// sensible default.
	MinCompressBytes int
	Logger           *logrus.Logger
}

// NewRemoteBackend dials no connections itself; the underlying transport's
// pool fills lazily as requests are issued.
func NewRemoteBackend(opts RemoteOptions) (*RemoteBackend, error) {
	if opts.BaseURL == "" {
		return nil, dlerrors.BadInputf(remoteComponent, "new", "remote_url must not be empty")
	}
	if opts.APIKey == "" && opts.UserName == "" {
		return nil, dlerrors.BadInputf(remoteComponent, "new", "one of api_key or user_name is required to authenticate")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	httpCfg := opts.HTTPClient
	if httpCfg == (HTTPClientConfig{}) {
		httpCfg = DefaultHTTPClientConfig()
	}
	minGzip := opts.MinCompressBytes
	if minGzip <= 0 {
		minGzip = 8 * 1024
	}

	return &RemoteBackend{
		baseURL:  opts.BaseURL,
		apiKey:   opts.APIKey,
		userName: opts.UserName,
		httpClient: &http.Client{
			Transport: newTransport(httpCfg),
			Timeout:   httpCfg.RequestTimeout,
		},
		logger:  opts.Logger,
		minGzip: minGzip,
	}, nil
}

// devSharedSecret signs the development-mode token devToken derives when a
// caller supplies only a user_name and no api_key (spec §4.3/§6: "derive a
// signed development token deterministically from that name and a shared
// secret... explicitly a development convenience"). It is not a per-caller
// secret — anyone holding this SDK's source can forge the same token — so
// this mode must never be relied on past local/dev use.
const devSharedSecret = "dreamlake-dev-shared-secret"

// bearerToken returns the value to send as "Authorization: Bearer <...>".
// An explicitly configured api_key (spec §6 "api_key: explicit bearer
// token") is sent verbatim; only when the caller supplied a user_name and
// no api_key does it fall back to devToken's signed development token.
func (b *RemoteBackend) bearerToken() (string, error) {
	b.credMu.RLock()
	apiKey := b.apiKey
	b.credMu.RUnlock()
	if apiKey != "" {
		return apiKey, nil
	}
	return b.devToken()
}

// devToken derives a short-lived JWT carrying the configured user_name as
// its subject, signed with devSharedSecret (spec §4.3: "the client derives
// its own bearer token for the declared identity rather than performing an
// interactive login").
func (b *RemoteBackend) devToken() (string, error) {
	b.credMu.RLock()
	userName := b.userName
	b.credMu.RUnlock()

	claims := jwt.RegisteredClaims{
		Subject:   userName,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(devSharedSecret))
	if err != nil {
		return "", dlerrors.Wrap(dlerrors.BadInput, remoteComponent, "dev_token", "sign dev token", err)
	}
	return signed, nil
}

// SetCredentials rotates the api_key/user_name used to authenticate future
// requests; in-flight requests are unaffected. Implements
// backend.CredentialUpdater for internal/config.DefaultsWatcher (spec §6
// DefaultsFile hot reload).
func (b *RemoteBackend) SetCredentials(apiKey, userName string) {
	b.credMu.Lock()
	defer b.credMu.Unlock()
	b.apiKey = apiKey
	b.userName = userName
}

func (b *RemoteBackend) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	var contentEncoding string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, dlerrors.Wrap(dlerrors.BadInput, remoteComponent, "encode", "encode request body", err)
		}
		if len(raw) >= b.minGzip {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(raw); err != nil {
				return nil, dlerrors.Transientf(remoteComponent, "compress", err, "gzip request body")
			}
			if err := gw.Close(); err != nil {
				return nil, dlerrors.Transientf(remoteComponent, "compress", err, "gzip request body")
			}
			rdr = &buf
			contentEncoding = "gzip"
		} else {
			rdr = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rdr)
	if err != nil {
		return nil, dlerrors.Transientf(remoteComponent, "new_request", err, "build request")
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if contentEncoding != "" {
			req.Header.Set("Content-Encoding", contentEncoding)
		}
	}
	token, err := b.bearerToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// do issues req, retrying idempotent (GET) requests on transport-level and
// 5xx failures via an exponential backoff, demoting them to dlerrors.
// Transient so Session/Track callers can decide whether to retry the whole
// operation (spec §7 "Propagation policy").
func (b *RemoteBackend) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, dlerrors.Transientf(remoteComponent, "do", err, "%s %s", req.Method, req.URL.Path)
		}
		return resp, nil
	}

	operation := func() (*http.Response, error) {
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(4),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, dlerrors.Transientf(remoteComponent, "do", err, "%s %s", req.Method, req.URL.Path)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return dlerrors.Corruptf(remoteComponent, "decode", err, "open gzip response")
		}
		defer gr.Close()
		body = gr
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return dlerrors.Corruptf(remoteComponent, "decode", err, "open zstd response")
		}
		defer zr.Close()
		body = zr
	case "lz4":
		body = lz4.NewReader(resp.Body)
	case "snappy":
		body = snappy.NewReader(resp.Body)
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(body)
		return statusToError(resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return dlerrors.Corruptf(remoteComponent, "decode", err, "decode response body")
	}
	return nil
}

func statusToError(status int, body string) error {
	switch status {
	case http.StatusBadRequest:
		return dlerrors.BadInputf(remoteComponent, "http", "%s", body)
	case http.StatusNotFound:
		return dlerrors.NotFoundf(remoteComponent, "http", "%s", body)
	case http.StatusConflict:
		return dlerrors.Conflictf(remoteComponent, "http", "%s", body)
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusGatewayTimeout, http.StatusBadGateway:
		return dlerrors.Transientf(remoteComponent, "http", nil, "%s", body)
	default:
		return dlerrors.Corruptf(remoteComponent, "http", nil, "unexpected status %d: %s", status, body)
	}
}

func (b *RemoteBackend) UpsertSession(ctx context.Context, namespace, workspace, name, description string, tags []string, folder string) (*dltypes.SessionHandle, error) {
	req, err := b.newRequest(ctx, http.MethodPost, "/v1/sessions", map[string]any{
		"namespace":   namespace,
		"workspace":   workspace,
		"name":        name,
		"description": description,
		"tags":        tags,
		"folder":      folder,
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var handle dltypes.SessionHandle
	if err := decodeResponse(resp, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

func (b *RemoteBackend) LoadParameters(ctx context.Context, handle *dltypes.SessionHandle) (map[string]any, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/v1/sessions/"+handle.ID+"/parameters", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := decodeResponse(resp, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (b *RemoteBackend) ReplaceParameters(ctx context.Context, handle *dltypes.SessionHandle, flat map[string]any) error {
	req, err := b.newRequest(ctx, http.MethodPut, "/v1/sessions/"+handle.ID+"/parameters", flat)
	if err != nil {
		return err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (b *RemoteBackend) AppendLogs(ctx context.Context, handle *dltypes.SessionHandle, records []dltypes.LogRecord) error {
	req, err := b.newRequest(ctx, http.MethodPost, "/v1/sessions/"+handle.ID+"/logs", map[string]any{"records": records})
	if err != nil {
		return err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (b *RemoteBackend) EnsureTrack(ctx context.Context, handle *dltypes.SessionHandle, trackName string, meta dltypes.TrackMetadata) error {
	req, err := b.newRequest(ctx, http.MethodPut, "/v1/sessions/"+handle.ID+"/tracks/"+trackName, meta)
	if err != nil {
		return err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (b *RemoteBackend) WriteTrackRecords(ctx context.Context, handle *dltypes.SessionHandle, trackName string, records []EncodedRecord) error {
	req, err := b.newRequest(ctx, http.MethodPost, "/v1/sessions/"+handle.ID+"/tracks/"+trackName+"/records", map[string]any{"records": records})
	if err != nil {
		return err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (b *RemoteBackend) ReadTrackRange(ctx context.Context, handle *dltypes.SessionHandle, trackName string, start, limit int64) (*TrackRange, error) {
	path := fmt.Sprintf("/v1/sessions/%s/tracks/%s/range?start=%d&limit=%d", handle.ID, trackName, start, limit)
	req, err := b.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out TrackRange
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *RemoteBackend) ReadTrackTime(ctx context.Context, handle *dltypes.SessionHandle, trackName string, q TimeQuery) ([]dltypes.IndexedPoint, error) {
	path := fmt.Sprintf("/v1/sessions/%s/tracks/%s/time?limit=%d&reverse=%t", handle.ID, trackName, q.Limit, q.Reverse)
	if q.StartTs != nil {
		path += fmt.Sprintf("&start_ts=%f", *q.StartTs)
	}
	if q.EndTs != nil {
		path += fmt.Sprintf("&end_ts=%f", *q.EndTs)
	}
	req, err := b.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []dltypes.IndexedPoint
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *RemoteBackend) ListTracks(ctx context.Context, handle *dltypes.SessionHandle) ([]dltypes.TrackMetadata, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/v1/sessions/"+handle.ID+"/tracks", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []dltypes.TrackMetadata
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *RemoteBackend) UploadFile(ctx context.Context, handle *dltypes.SessionHandle, localSourcePath, prefix, description string, tags []string, metadata map[string]any) (*dltypes.FileArtifact, error) {
	if err := files.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	f, size, err := files.OpenForUpload(localSourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/sessions/"+handle.ID+"/files?prefix="+prefix, f)
	if err != nil {
		return nil, dlerrors.Transientf(remoteComponent, "upload_file", err, "build upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Description", description)
	token, err := b.bearerToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, dlerrors.Transientf(remoteComponent, "upload_file", err, "upload %s", localSourcePath)
	}
	var artifact dltypes.FileArtifact
	if err := decodeResponse(resp, &artifact); err != nil {
		return nil, err
	}
	dlmetrics.FileUploadBytesTotal.Add(float64(size))
	return &artifact, nil
}

func (b *RemoteBackend) ListFiles(ctx context.Context, handle *dltypes.SessionHandle, prefix string, tags []string) ([]dltypes.FileArtifact, error) {
	path := "/v1/sessions/" + handle.ID + "/files?prefix=" + prefix
	req, err := b.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []dltypes.FileArtifact
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return out, nil
	}
	filtered := make([]dltypes.FileArtifact, 0, len(out))
	for _, f := range out {
		if files.HasAnyTag(f.Tags, tags) {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

func (b *RemoteBackend) Close(ctx context.Context) error {
	b.httpClient.CloseIdleConnections()
	return nil
}
