// Package edge provides the offline edge of the Ham Radio Cloud logbook: a caching proxy that
// sits between the browser and the logbook backend and keeps the application usable when the
// network is gone.
//
// The core functionality includes:
//   - Versioned precaching of the build's asset manifest, one store per deployment
//   - Per-request routing to cache-first, network-only and network-first strategies
//   - Atomic promotion of a new deployment with cleanup of stale stores
//   - Reverse proxy (httputil) and forward proxy (martian) hosting
//   - SQLite persistence of captured responses and lifecycle logs
package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/hrcloud/edge/core"
	"github.com/hrcloud/edge/domain"
	"github.com/hrcloud/edge/listener"
	"github.com/hrcloud/edge/manifest"
	"github.com/hrcloud/edge/memstore"
)

// WebManifestPath is where the web app manifest is served in reverse mode.
const WebManifestPath = "/manifest.webmanifest"

// ErrEdgeClosed is returned by operations on a closed edge.
var ErrEdgeClosed = errors.New("edge is closed")

// Edge hosts the workers. It delivers install and activate to each new deployment, holds the
// active worker and routes every intercepted request to it.
type Edge struct {
	Config             *Config                // Loaded configuration, nil when built from options only
	Logger             *slog.Logger           // Structured logger
	Cache              domain.CacheRepository // Versioned cache store
	Logs               domain.LogRepository   // Persisted lifecycle logs, optional
	LogChannel         chan *domain.Log       // Buffered channel drained into Logs
	Network            http.RoundTripper      // Transport for every network fetch
	Origin             *url.URL               // Upstream the application is served from
	APIPrefix          string                 // Reserved API path prefix
	InstallConcurrency int                    // Parallel asset fetches during install
	WebApp             WebAppManifest         // Served at WebManifestPath
	Mode               string                 // ModeReverse or ModeForward
	ScopePatterns      []string               // Extra host patterns the worker controls, see NewScope
	ChromePath         string                 // Browser launched by OpenBrowser, searched when empty

	scope        *Scope
	active       atomic.Pointer[Worker]
	deployMu     sync.Mutex
	martianProxy *martian.Proxy
	server       *http.Server
	closers      []io.Closer
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	writer       sync.WaitGroup
}

var _ http.RoundTripper = (*Edge)(nil)

// New creates an edge with an in-memory store and the default upstream, then applies options.
func New(options ...func(*Edge) error) (*Edge, error) {
	origin, _ := url.Parse("http://localhost:8080")
	edge := &Edge{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cache:              memstore.New(),
		LogChannel:         make(chan *domain.Log, 64),
		Network:            newUpstreamTransport(false),
		Origin:             origin,
		APIPrefix:          DefaultAPIPrefix,
		InstallConcurrency: DefaultInstallConcurrency,
		WebApp:             DefaultWebAppManifest(),
		Mode:               ModeReverse,
		martianProxy:       martian.NewProxy(),
		done:               make(chan struct{}),
	}
	err := edge.WithOptions(options...)
	if err != nil {
		edge.closeResources()
		return nil, err
	}
	edge.scope, err = NewScope(edge.Origin, edge.ScopePatterns)
	if err != nil {
		edge.closeResources()
		return nil, err
	}

	if edge.Logs != nil {
		edge.writer.Add(1)
		go edge.writeLogs()
	}
	return edge, nil
}

// Active returns the worker currently serving requests, nil before the first deployment.
func (edge *Edge) Active() *Worker {
	return edge.active.Load()
}

// newWorker builds a worker for m wired to the edge's collaborators.
func (edge *Edge) newWorker(m *domain.Manifest, deploymentID uuid.UUID) (*Worker, error) {
	return NewWorker(WorkerConfig{
		Manifest:           m,
		Origin:             edge.Origin,
		Store:              edge.Cache,
		Network:            edge.Network,
		APIPrefix:          edge.APIPrefix,
		InstallConcurrency: edge.InstallConcurrency,
		Logger:             edge.Logger.With("deployment", deploymentID.String()),
		Events: func(level string, message string, context map[string]any) {
			edge.WriteLog(level, message,
				core.LogWithContext(context),
				core.LogWithVersion(m.Version()),
				core.LogWithDeploymentID(deploymentID))
		},
	})
}

// Deploy installs and activates a worker for m, then makes it the active worker.
// The previous worker keeps serving until the new one is activated. When install fails the
// previous worker stays active and the error wraps ErrInstallFailed.
func (edge *Edge) Deploy(ctx context.Context, m *domain.Manifest) (*Worker, error) {
	if edge.closed.Load() {
		return nil, ErrEdgeClosed
	}
	edge.deployMu.Lock()
	defer edge.deployMu.Unlock()

	deploymentID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating deployment id : %w", err)
	}
	worker, err := edge.newWorker(m, deploymentID)
	if err != nil {
		return nil, err
	}
	logOptions := []func(*domain.Log) error{
		core.LogWithVersion(m.Version()),
		core.LogWithDeploymentID(deploymentID),
	}

	if err := worker.OnInstall(ctx); err != nil {
		edge.WriteLog("ERROR", fmt.Sprintf("install of %s failed", m.Version()),
			append(logOptions, core.LogWithContext(map[string]any{"error": err.Error()}))...)
		return nil, err
	}
	edge.WriteLog("INFO", fmt.Sprintf("installed %d assets into %s", m.Len(), worker.StoreName()),
		append(logOptions, core.LogWithContext(map[string]any{"digest": manifest.Digest(m)}))...)

	if err := worker.OnActivate(ctx); err != nil {
		edge.WriteLog("ERROR", fmt.Sprintf("activation of %s failed", m.Version()), logOptions...)
		return nil, fmt.Errorf("activating %s : %w", m.Version(), err)
	}
	edge.promote(worker)
	edge.WriteLog("INFO", fmt.Sprintf("%s is active", m.Version()), logOptions...)
	return worker, nil
}

// Start resumes from a store persisted by an earlier run when it already holds every asset
// of m, and falls back to a full Deploy otherwise.
func (edge *Edge) Start(ctx context.Context, m *domain.Manifest) (*Worker, error) {
	if edge.closed.Load() {
		return nil, ErrEdgeClosed
	}
	edge.deployMu.Lock()
	deploymentID, err := uuid.NewV7()
	if err != nil {
		edge.deployMu.Unlock()
		return nil, fmt.Errorf("generating deployment id : %w", err)
	}
	worker, err := edge.newWorker(m, deploymentID)
	if err != nil {
		edge.deployMu.Unlock()
		return nil, err
	}

	restored, err := worker.Restore(ctx)
	if err != nil {
		edge.Logger.Warn("restoring persisted store", "store", worker.StoreName(), "error", err)
	}
	if restored {
		if err := worker.OnActivate(ctx); err != nil {
			edge.deployMu.Unlock()
			return nil, fmt.Errorf("activating %s : %w", m.Version(), err)
		}
		edge.promote(worker)
		edge.deployMu.Unlock()
		edge.WriteLog("INFO", fmt.Sprintf("%s resumed from %s", m.Version(), worker.StoreName()),
			core.LogWithVersion(m.Version()),
			core.LogWithDeploymentID(deploymentID))
		return worker, nil
	}
	edge.deployMu.Unlock()

	return edge.Deploy(ctx, m)
}

// Reload loads the manifest from source and deploys it when its version differs from the active one.
// It reports whether a deployment happened.
func (edge *Edge) Reload(ctx context.Context, source string) (bool, error) {
	m, err := edge.LoadManifest(ctx, source)
	if err != nil {
		return false, err
	}
	if active := edge.Active(); active != nil && active.Version() == m.Version() {
		edge.Logger.Debug("manifest unchanged", "version", m.Version())
		return false, nil
	}
	if _, err := edge.Deploy(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// LoadManifest reads the manifest from a file path, or fetches it through the network
// when source is an http(s) URL.
func (edge *Edge) LoadManifest(ctx context.Context, source string) (*domain.Manifest, error) {
	if manifest.IsRemote(source) {
		return manifest.Fetch(ctx, edge.Network, source)
	}
	return manifest.Load(source)
}

// promote swaps in worker and retires the one it replaces.
func (edge *Edge) promote(worker *Worker) {
	previous := edge.active.Swap(worker)
	if previous != nil && previous != worker {
		previous.retire()
	}
}

// RoundTrip routes req to the active worker. Before the first deployment, and for hosts
// outside the scope, requests go straight to the network.
func (edge *Edge) RoundTrip(req *http.Request) (*http.Response, error) {
	outcome, ok := core.OutcomeFromContext(req.Context())
	if !ok {
		req, outcome = core.ContextWithOutcome(req)
	}
	start := time.Now()

	var res *http.Response
	var err error
	worker := edge.active.Load()
	switch {
	case worker == nil:
		res, err = edge.passthrough(req)
		outcome.Source = core.SourceNetwork
	case !edge.scope.Matches(req):
		res, err = edge.passthrough(req)
		outcome.Category = "out-of-scope"
		outcome.Source = core.SourceNetwork
	default:
		res, err = worker.OnRequest(req)
	}

	if err != nil {
		edge.Logger.Debug("request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"category", outcome.Category,
			"error", err)
		return nil, err
	}
	edge.Logger.Debug("request",
		"method", req.Method,
		"url", req.URL.String(),
		"version", outcome.Version,
		"category", outcome.Category,
		"source", outcome.Source,
		"stored", outcome.Stored,
		"status", res.StatusCode,
		"duration", time.Since(start))
	return res, nil
}

func (edge *Edge) passthrough(req *http.Request) (*http.Response, error) {
	out := req
	if req.RequestURI != "" {
		out = req.Clone(req.Context())
		out.RequestURI = ""
	}
	res, err := edge.Network.RoundTrip(out)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return res, nil
}

// Handler returns the reverse proxy handler. Requests are rewritten to Origin and answered
// through the edge; the web app manifest is served locally.
func (edge *Edge) Handler() http.Handler {
	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(edge.Origin)
			pr.SetXForwarded()
		},
		Transport: edge,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			edge.Logger.Warn("upstream unreachable", "method", r.Method, "url", r.URL.String(), "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+WebManifestPath, edge.WebApp)
	mux.Handle("/", reverseProxy)
	return mux
}

// Listen opens a TCP listener on address:port. When the configuration names a certificate, TLS and
// plain HTTP are both accepted on the same port.
func (edge *Edge) Listen(address string, port string) (net.Listener, error) {
	rawListener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}

	var l net.Listener = rawListener
	if edge.Config != nil && edge.Config.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(edge.Config.TLSCertFile, edge.Config.TLSKeyFile)
		if err != nil {
			rawListener.Close()
			return nil, fmt.Errorf("loading tls key pair : %w", err)
		}
		l = listener.NewProtocolMuxListener(rawListener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		})
	}
	return listener.NewResilientListener(l, edge.Logger), nil
}

// Serve accepts connections on l until the edge is closed. Reverse mode serves Handler,
// forward mode runs a martian proxy whose round tripper is the edge.
func (edge *Edge) Serve(l net.Listener) error {
	if edge.closed.Load() {
		return ErrEdgeClosed
	}
	edge.WriteLog("INFO", fmt.Sprintf("edge serving in %s mode on %s", edge.Mode, l.Addr()))

	if edge.Mode == ModeForward {
		edge.martianProxy.SetRoundTripper(edge)
		return edge.martianProxy.Serve(l)
	}

	edge.deployMu.Lock()
	edge.server = &http.Server{
		Handler:           edge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := edge.server
	edge.deployMu.Unlock()

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops serving, flushes pending logs and closes the database when the edge opened it.
func (edge *Edge) Close() error {
	var err error
	edge.closeOnce.Do(func() {
		edge.closed.Store(true)
		edge.martianProxy.Close()

		edge.deployMu.Lock()
		server := edge.server
		edge.deployMu.Unlock()
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = server.Shutdown(ctx)
			cancel()
		}

		close(edge.done)
		edge.writer.Wait()
		if closeErr := edge.closeResources(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	})
	return err
}

func (edge *Edge) closeResources() error {
	var err error
	for _, closer := range edge.closers {
		err = errors.Join(err, closer.Close())
	}
	edge.closers = nil
	return err
}
