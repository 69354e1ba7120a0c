package edge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hrcloud/edge/db"
	"github.com/hrcloud/edge/domain"
)

// WithOptions applies a series of configuration functions to the edge.
// It stops at the first option that fails.
func (edge *Edge) WithOptions(options ...func(*Edge) error) error {
	for _, option := range options {
		err := option(edge)
		if err != nil {
			return fmt.Errorf("applying option on edge : %w", err)
		}
	}
	return nil
}

// WithLogger sets the structured logger. A nil logger discards all output.
func WithLogger(logger *slog.Logger) func(*Edge) error {
	return func(edge *Edge) error {
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		edge.Logger = logger
		return nil
	}
}

// WithCacheRepo sets the versioned cache store.
func WithCacheRepo(repo domain.CacheRepository) func(*Edge) error {
	return func(edge *Edge) error {
		if repo == nil {
			return errors.New("cache repository is nil")
		}
		edge.Cache = repo
		return nil
	}
}

// WithLogRepo sets the repository lifecycle logs are persisted to.
func WithLogRepo(repo domain.LogRepository) func(*Edge) error {
	return func(edge *Edge) error {
		edge.Logs = repo
		return nil
	}
}

// WithDatabase opens (or creates) the SQLite database at path and uses it for both the cache
// store and the log repository. The database is closed with the edge.
func WithDatabase(path string) func(*Edge) error {
	return func(edge *Edge) error {
		conn, err := db.New(path)
		if err != nil {
			return fmt.Errorf("opening database %s : %w", path, err)
		}
		repo := db.NewEdgeRepo(conn)
		edge.Cache = repo
		edge.Logs = repo
		edge.closers = append(edge.closers, repo)
		return nil
	}
}

// WithOrigin sets the upstream the application and its assets are served from.
func WithOrigin(origin string) func(*Edge) error {
	return func(edge *Edge) error {
		u, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("parsing origin %q : %w", origin, err)
		}
		if err := checkOrigin(u); err != nil {
			return err
		}
		edge.Origin = u
		return nil
	}
}

// WithAPIPrefix sets the reserved API path prefix.
func WithAPIPrefix(prefix string) func(*Edge) error {
	return func(edge *Edge) error {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("api prefix %q must start with '/'", prefix)
		}
		edge.APIPrefix = prefix
		return nil
	}
}

// WithNetwork sets the transport used for every network fetch.
func WithNetwork(network http.RoundTripper) func(*Edge) error {
	return func(edge *Edge) error {
		if network == nil {
			return errors.New("network transport is nil")
		}
		edge.Network = network
		return nil
	}
}

// WithInstallConcurrency bounds the parallel asset fetches of an install.
func WithInstallConcurrency(n int) func(*Edge) error {
	return func(edge *Edge) error {
		if n <= 0 {
			return fmt.Errorf("install concurrency must be positive, got %d", n)
		}
		edge.InstallConcurrency = n
		return nil
	}
}

// WithWebApp sets the manifest served at /manifest.webmanifest.
func WithWebApp(webApp WebAppManifest) func(*Edge) error {
	return func(edge *Edge) error {
		edge.WebApp = webApp
		return nil
	}
}

// WithMode selects reverse or forward proxy serving.
func WithMode(mode string) func(*Edge) error {
	return func(edge *Edge) error {
		switch mode {
		case ModeReverse, ModeForward:
			edge.Mode = mode
			return nil
		default:
			return fmt.Errorf("invalid mode %q", mode)
		}
	}
}

// WithScope adds host patterns the worker controls besides the origin. A leading '-' excludes.
func WithScope(patterns ...string) func(*Edge) error {
	return func(edge *Edge) error {
		edge.ScopePatterns = append(edge.ScopePatterns, patterns...)
		return nil
	}
}

// WithChromePath sets the browser executable used by OpenBrowser.
func WithChromePath(path string) func(*Edge) error {
	return func(edge *Edge) error {
		edge.ChromePath = path
		return nil
	}
}

// WithConfig applies a loaded configuration. The database is opened when DatabasePath is set,
// otherwise the in-memory store stays in place.
func WithConfig(cfg *Config) func(*Edge) error {
	return func(edge *Edge) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		edge.Config = cfg
		options := []func(*Edge) error{
			WithOrigin(cfg.Origin),
			WithAPIPrefix(cfg.APIPrefix),
			WithMode(cfg.Mode),
			WithNetwork(newUpstreamTransport(cfg.ChromeFingerprint)),
			WithWebApp(cfg.WebApp),
			WithScope(cfg.Scope...),
			WithChromePath(cfg.ChromePath),
		}
		if cfg.InstallConcurrency > 0 {
			options = append(options, WithInstallConcurrency(cfg.InstallConcurrency))
		}
		if cfg.DatabasePath != "" {
			options = append(options, WithDatabase(cfg.DatabasePath))
		}
		return edge.WithOptions(options...)
	}
}
