// Package dreamlake is the public entry point of the client SDK: Open
// resolves a session's backend (local filesystem or remote HTTP API) from
// construction options, environment variables and an optional defaults
// file, then returns a ready-to-use Session (spec §6 "Session construction
// options").
package dreamlake

import (
	"context"

	"github.com/fortyfive-labs/dreamlake-go/internal/config"
	"github.com/fortyfive-labs/dreamlake-go/pkg/backend"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltracing"
	"github.com/fortyfive-labs/dreamlake-go/pkg/session"
	"github.com/sirupsen/logrus"
)

// Re-exported so callers importing only this package can still name a
// Session and a Track. The error kinds are not re-exported; they live in
// pkg/dlerrors.
type (
	Session = session.Session
	Track   = session.Track
)

// Options are the construction options spec §6 lists. Exactly one of
// LocalPath or RemoteURL must resolve to a non-empty value once
// environment variables and DefaultsFile are folded in; both, or neither,
// is a dlerrors.BadInput error.
type Options struct {
	Namespace string
	Workspace string
	Name      string

	LocalPath string
	RemoteURL string
	UserName  string
	APIKey    string

	Description string
	Tags        []string
	Folder      string

	// FlushThreshold overrides session.DefaultFlushThreshold when > 0.
	FlushThreshold int
	// DefaultsFile is an optional YAML file read before environment
	// variables are applied (internal/config.Load's lowest-precedence
	// source).
	DefaultsFile string
	// WatchDefaults enables a background watch of DefaultsFile; on every
	// change the file is re-resolved and, for a remote session, a rotated
	// api_key/user_name is pushed into the live RemoteBackend without
	// restarting it. Ignored if DefaultsFile is empty.
	WatchDefaults bool

	Logger        *logrus.Logger
	Tracer        *dltracing.Manager
	RemoteHTTP    backend.HTTPClientConfig
	MinCompressKB int
}

// Open resolves Options against the environment and opens the resulting
// Session. Callers must Close the returned Session when done.
func Open(ctx context.Context, opts Options) (*session.Session, error) {
	resolved, err := config.Load(opts.DefaultsFile, config.Resolved{
		LocalPath: opts.LocalPath,
		APIURL:    opts.RemoteURL,
		APIKey:    opts.APIKey,
		UserName:  opts.UserName,
	})
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	var b backend.Backend
	backendName := "local"
	if resolved.LocalPath != "" {
		lb, err := backend.NewLocalBackend(resolved.LocalPath, opts.Logger)
		if err != nil {
			return nil, err
		}
		b = lb
	} else {
		backendName = "remote"
		minCompress := opts.MinCompressKB * 1024
		rb, err := backend.NewRemoteBackend(backend.RemoteOptions{
			BaseURL:          resolved.APIURL,
			APIKey:           resolved.APIKey,
			UserName:         resolved.UserName,
			HTTPClient:       opts.RemoteHTTP,
			MinCompressBytes: minCompress,
			Logger:           opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		b = rb
	}

	var watcher *config.DefaultsWatcher
	if opts.WatchDefaults && opts.DefaultsFile != "" {
		overrides := config.Resolved{
			LocalPath: opts.LocalPath,
			APIURL:    opts.RemoteURL,
			APIKey:    opts.APIKey,
			UserName:  opts.UserName,
		}
		updater, _ := b.(backend.CredentialUpdater)
		w, err := config.NewDefaultsWatcher(opts.DefaultsFile, overrides, 0, opts.Logger,
			func(r config.Resolved) {
				if updater != nil {
					updater.SetCredentials(r.APIKey, r.UserName)
				}
			},
			func(err error) {
				opts.Logger.WithError(err).Warn("defaults file watch error")
			},
		)
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			return nil, err
		}
		watcher = w
	}

	s := session.New(b, session.Options{
		Identity: session.Identity{
			Namespace: opts.Namespace,
			Workspace: opts.Workspace,
			Name:      opts.Name,
		},
		Description:    opts.Description,
		Tags:           opts.Tags,
		Folder:         opts.Folder,
		FlushThreshold: opts.FlushThreshold,
		Logger:         opts.Logger,
		Tracer:         opts.Tracer,
		BackendName:    backendName,
		ConfigWatcher:  watcherOrNil(watcher),
	})
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// watcherOrNil avoids handing session.Options a non-nil session.Stoppable
// holding a nil *config.DefaultsWatcher, which would make Session's own
// `s.watcher != nil` check in Close true for a watcher that was never
// started.
func watcherOrNil(w *config.DefaultsWatcher) session.Stoppable {
	if w == nil {
		return nil
	}
	return w
}
