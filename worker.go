package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/hrcloud/edge/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/hrcloud/edge"

// DefaultInstallConcurrency bounds the number of asset fetches running at once during install.
const DefaultInstallConcurrency = 8

var (
	// ErrInstallFailed is returned when any asset of the manifest could not be fetched and stored.
	// Activation must not proceed on a worker whose install failed.
	ErrInstallFailed = errors.New("install failed")

	// ErrNotInstalled is returned by OnActivate when the worker has no successful install.
	ErrNotInstalled = errors.New("worker is not installed")

	// ErrInvalidState is returned when a trigger arrives in a state that does not accept it.
	ErrInvalidState = errors.New("trigger not allowed in current worker state")

	// ErrAssetStatus is returned when an asset fetch during install does not answer 200.
	ErrAssetStatus = errors.New("asset fetch did not return 200")

	// ErrInvalidOrigin is returned for an origin that is not a bare scheme://host[:port].
	ErrInvalidOrigin = errors.New("origin must be an absolute URL without path, query or fragment")
)

// checkOrigin accepts scheme://host[:port] with an optional trailing slash. Asset paths and
// routed request paths are both taken from the site root, an origin path would split them.
func checkOrigin(origin *url.URL) error {
	switch {
	case origin == nil:
		return fmt.Errorf("%w: none given", ErrInvalidOrigin)
	case origin.Scheme == "" || origin.Host == "":
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidOrigin, origin.String())
	case origin.Path != "" && origin.Path != "/":
		return fmt.Errorf("%w: %q has path %q", ErrInvalidOrigin, origin.String(), origin.Path)
	case origin.RawQuery != "" || origin.ForceQuery || origin.Fragment != "":
		return fmt.Errorf("%w: %q has a query or fragment", ErrInvalidOrigin, origin.String())
	}
	return nil
}

// Lifecycle is the contract between the host and a worker. The host delivers install and
// activate once per deployment, in that order, and waits for each to return before moving
// on. OnRequest is called once per intercepted request, concurrently across requests.
type Lifecycle interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnRequest(req *http.Request) (*http.Response, error)
}

// State is the lifecycle state of a worker.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// EventFunc receives lifecycle events worth persisting, such as a stale store that could not be deleted.
type EventFunc func(level string, message string, context map[string]any)

// WorkerConfig holds the collaborators of a Worker.
type WorkerConfig struct {
	Manifest           *domain.Manifest       // Version tag and precached asset set
	Origin             *url.URL               // Base URL the assets are fetched from during install
	Store              domain.CacheRepository // Versioned cache store
	Network            http.RoundTripper      // Network transport, http.DefaultTransport if nil
	APIPrefix          string                 // Reserved API path prefix, DefaultAPIPrefix if empty
	InstallConcurrency int                    // Parallel asset fetches during install
	Logger             *slog.Logger
	Events             EventFunc
}

// Worker is the offline cache for one deployment version. It owns the store named after
// its version, routes every intercepted request and runs the matching fetch strategy.
type Worker struct {
	manifest    *domain.Manifest
	storeName   string
	origin      *url.URL
	router      *Router
	store       domain.CacheRepository
	network     http.RoundTripper
	concurrency int
	logger      *slog.Logger
	events      EventFunc
	tracer      trace.Tracer
	now         func() time.Time
	state       atomic.Int32
}

var _ Lifecycle = (*Worker)(nil)
var _ http.RoundTripper = (*Worker)(nil)

// NewWorker validates cfg and returns a worker in StateParsed.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Manifest == nil {
		return nil, errors.New("worker requires a manifest")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker requires a cache store")
	}
	if err := checkOrigin(cfg.Origin); err != nil {
		return nil, err
	}

	network := cfg.Network
	if network == nil {
		network = http.DefaultTransport
	}
	concurrency := cfg.InstallConcurrency
	if concurrency <= 0 {
		concurrency = DefaultInstallConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	events := cfg.Events
	if events == nil {
		events = func(string, string, map[string]any) {}
	}

	return &Worker{
		manifest:    cfg.Manifest,
		storeName:   cfg.Manifest.StoreName(),
		origin:      cfg.Origin,
		router:      NewRouter(cfg.Manifest, cfg.APIPrefix),
		store:       cfg.Store,
		network:     network,
		concurrency: concurrency,
		logger:      logger.With("version", cfg.Manifest.Version()),
		events:      events,
		tracer:      otel.Tracer(instrumentationName),
		now:         time.Now,
	}, nil
}

// Version returns the version tag of the worker's manifest.
func (w *Worker) Version() string {
	return w.manifest.Version()
}

// StoreName returns the name of the store this worker reads and writes.
func (w *Worker) StoreName() string {
	return w.storeName
}

// Manifest returns the worker's manifest.
func (w *Worker) Manifest() *domain.Manifest {
	return w.manifest
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// OnInstall opens the worker's store and populates it with every asset of the manifest.
// Assets are fetched concurrently. The first failure cancels the remaining fetches and the
// install is reported as failed, the store may hold partial entries but the worker stays
// uninstalled. Installing again after a success re-fetches and replaces every entry.
func (w *Worker) OnInstall(ctx context.Context) (err error) {
	ctx, span := w.tracer.Start(ctx, "worker.install", trace.WithAttributes(
		attribute.String("hrcloud.version", w.Version()),
		attribute.Int("hrcloud.assets", w.manifest.Len()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "install failed")
		}
		span.End()
	}()

	previous := w.State()
	if previous != StateParsed && previous != StateInstalled {
		return fmt.Errorf("%w: install in state %s", ErrInvalidState, previous)
	}
	if !w.state.CompareAndSwap(int32(previous), int32(StateInstalling)) {
		return fmt.Errorf("%w: concurrent install", ErrInvalidState)
	}

	if err := w.populate(ctx); err != nil {
		w.state.Store(int32(StateParsed))
		w.logger.Error("install failed", "store", w.storeName, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, w.storeName, err)
	}

	w.state.Store(int32(StateInstalled))
	w.logger.Info("install complete", "store", w.storeName, "assets", w.manifest.Len())
	return nil
}

func (w *Worker) populate(ctx context.Context) error {
	if err := w.store.OpenStore(ctx, w.storeName); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, asset := range w.manifest.Assets() {
		g.Go(func() error {
			return w.precache(gctx, asset)
		})
	}
	return g.Wait()
}

// precache fetches one asset from the origin and writes it to the store.
// The entry is only written once the whole body has been read.
func (w *Worker) precache(ctx context.Context, asset string) error {
	assetURL := w.assetURL(asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", asset, err)
	}

	res, err := w.network.RoundTrip(req)
	if err != nil {
		return &TransportError{Method: req.Method, URL: assetURL, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return fmt.Errorf("%w: %s answered %d", ErrAssetStatus, asset, res.StatusCode)
	}

	captured, err := domain.Capture(res, w.now())
	if err != nil {
		return &TransportError{Method: req.Method, URL: assetURL, Err: err}
	}

	if err := w.store.Put(ctx, w.storeName, domain.RequestKey{Method: http.MethodGet, URL: assetURL}, captured); err != nil {
		return fmt.Errorf("storing %s: %w", asset, err)
	}
	return nil
}

// Restore marks the worker installed without fetching when its store already holds an entry
// for every asset. It lets a restarted edge resume offline from the persisted store.
func (w *Worker) Restore(ctx context.Context) (bool, error) {
	if w.State() != StateParsed {
		return false, fmt.Errorf("%w: restore in state %s", ErrInvalidState, w.State())
	}

	for _, asset := range w.manifest.Assets() {
		key := domain.RequestKey{Method: http.MethodGet, URL: w.assetURL(asset)}
		_, err := w.store.Match(ctx, w.storeName, key)
		if errors.Is(err, domain.ErrEntryNotFound) || errors.Is(err, domain.ErrStoreNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checking %s: %w", asset, err)
		}
	}

	w.state.Store(int32(StateInstalled))
	w.logger.Info("restored from existing store", "store", w.storeName)
	return true, nil
}

// OnActivate deletes every store that does not belong to this worker's version.
// It returns once the deletion pass has finished. A store that cannot be deleted is reported
// through the event hook and skipped, it never blocks activation.
func (w *Worker) OnActivate(ctx context.Context) (err error) {
	ctx, span := w.tracer.Start(ctx, "worker.activate", trace.WithAttributes(
		attribute.String("hrcloud.version", w.Version()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "activate failed")
		}
		span.End()
	}()

	if !w.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		if w.State() == StateParsed {
			return ErrNotInstalled
		}
		return fmt.Errorf("%w: activate in state %s", ErrInvalidState, w.State())
	}

	deleted := w.deleteStaleStores(ctx)
	span.SetAttributes(attribute.Int("hrcloud.deleted_stores", deleted))

	w.state.Store(int32(StateActivated))
	w.logger.Info("activated", "store", w.storeName, "deleted_stores", deleted)
	return nil
}

func (w *Worker) deleteStaleStores(ctx context.Context) int {
	names, err := w.store.StoreNames(ctx)
	if err != nil {
		w.logger.Warn("listing stores for cleanup", "error", err)
		w.events("WARN", "stale store cleanup skipped", map[string]any{"error": err.Error()})
		return 0
	}

	deleted := 0
	for _, name := range names {
		if name == w.storeName {
			continue
		}
		ok, err := w.store.DeleteStore(ctx, name)
		if err != nil {
			w.logger.Warn("deleting stale store", "store", name, "error", err)
			w.events("WARN", "stale store not deleted", map[string]any{"store": name, "error": err.Error()})
			continue
		}
		if ok {
			deleted++
			w.events("INFO", "stale store deleted", map[string]any{"store": name})
		}
	}
	return deleted
}

// retire marks a superseded worker. In-flight requests finish normally.
func (w *Worker) retire() {
	w.state.Store(int32(StateRedundant))
}

// assetURL resolves an asset path against the origin.
func (w *Worker) assetURL(asset string) string {
	u := *w.origin
	u.Path = asset
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
