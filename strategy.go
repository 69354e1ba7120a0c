package edge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hrcloud/edge/core"
	"github.com/hrcloud/edge/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	offlineBody  = "Offline"
	notFoundBody = "Not found"
)

// TransportError is returned when no response could be obtained from the network:
// connectivity loss, DNS failure, an aborted fetch or a body that failed mid-read.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetching %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// OnRequest classifies req and runs the strategy of its category.
//
// Every GET category terminates in a response: a live one, a cached one, a synthesized 503
// for an unreachable API or a synthesized 404 when nothing is cached. The only errors are
// *TransportError values for passthrough requests and for precached assets that missed the
// store and could not be fetched either, since neither has a further fallback.
func (w *Worker) OnRequest(req *http.Request) (res *http.Response, err error) {
	category := w.router.Classify(req)

	ctx, span := w.tracer.Start(req.Context(), "worker.request", trace.WithAttributes(
		attribute.String("hrcloud.version", w.Version()),
		attribute.String("hrcloud.category", category.String()),
		attribute.String("http.request.method", req.Method),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "no response")
		} else {
			span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
		}
		span.End()
	}()
	req = req.WithContext(ctx)

	outcome, ok := core.OutcomeFromContext(ctx)
	if !ok {
		outcome = &core.Outcome{}
	}
	outcome.Version = w.Version()
	outcome.Category = category.String()

	switch category {
	case Passthrough:
		return w.passthrough(req, outcome)
	case PrecachedAsset:
		return w.cacheFirst(req, outcome)
	case APICall:
		return w.networkOnly(req, outcome)
	default:
		return w.networkFirst(req, outcome)
	}
}

// RoundTrip implements http.RoundTripper so a worker can sit directly under an http.Client
// or a reverse proxy.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.OnRequest(req)
}

// passthrough sends a non-GET request to the network untouched. Nothing is stored.
func (w *Worker) passthrough(req *http.Request, outcome *core.Outcome) (*http.Response, error) {
	res, err := w.fetch(req)
	if err != nil {
		return nil, err
	}
	outcome.Source = core.SourceNetwork
	return res, nil
}

// cacheFirst serves a precached asset from the store without touching the network.
// On a miss (mid-install or manifest drift) the asset is fetched without caching it.
// The lookup ignores the query string, build assets are identified by path alone.
func (w *Worker) cacheFirst(req *http.Request, outcome *core.Outcome) (*http.Response, error) {
	key := domain.RequestKey{Method: http.MethodGet, URL: pathOnlyURL(req)}

	captured, err := w.store.Match(req.Context(), w.storeName, key)
	if err == nil {
		outcome.Source = core.SourceCache
		return captured.NewResponse(req), nil
	}
	if !errors.Is(err, domain.ErrEntryNotFound) {
		w.logger.Warn("precached asset lookup failed", "key", key.String(), "error", err)
	} else {
		w.logger.Debug("precached asset missing from store", "key", key.String())
	}

	res, err := w.fetch(req)
	if err != nil {
		return nil, err
	}
	outcome.Source = core.SourceNetwork
	return res, nil
}

// networkOnly forwards an API call. Responses are returned unmodified and never stored.
// When the network is unreachable the page receives a 503 instead of the transport error.
func (w *Worker) networkOnly(req *http.Request, outcome *core.Outcome) (*http.Response, error) {
	res, err := w.fetch(req)
	if err != nil {
		w.logger.Debug("api call offline", "url", req.URL.String(), "error", err)
		outcome.Source = core.SourceOffline
		return textResponse(req, http.StatusServiceUnavailable, offlineBody), nil
	}
	outcome.Source = core.SourceNetwork
	return res, nil
}

// networkFirst prefers live content and keeps a copy of every 200 for offline use.
// Non-200 responses are delivered but not stored. When the network fails, including a body
// that breaks mid-read, the stored copy is served, and a 404 when there is none.
func (w *Worker) networkFirst(req *http.Request, outcome *core.Outcome) (*http.Response, error) {
	key := domain.NewRequestKey(req)

	res, err := w.fetch(req)
	if err == nil {
		if res.StatusCode != http.StatusOK {
			outcome.Source = core.SourceNetwork
			return res, nil
		}

		captured, captureErr := domain.Capture(res, w.now())
		if captureErr == nil {
			if putErr := w.store.Put(req.Context(), w.storeName, key, captured); putErr != nil {
				w.logger.Warn("storing response", "key", key.String(), "error", putErr)
			} else {
				outcome.Stored = true
			}
			outcome.Source = core.SourceNetwork
			return captured.NewResponse(req), nil
		}
		w.logger.Debug("response body failed", "key", key.String(), "error", captureErr)
	}

	cached, matchErr := w.store.Match(req.Context(), w.storeName, key)
	if matchErr == nil {
		outcome.Source = core.SourceCache
		return cached.NewResponse(req), nil
	}
	if !errors.Is(matchErr, domain.ErrEntryNotFound) {
		w.logger.Warn("cache fallback lookup failed", "key", key.String(), "error", matchErr)
	}

	outcome.Source = core.SourceNotFound
	return textResponse(req, http.StatusNotFound, notFoundBody), nil
}

// fetch performs the network exchange. Server-side requests are turned into client requests first.
func (w *Worker) fetch(req *http.Request) (*http.Response, error) {
	out := req
	if req.RequestURI != "" {
		out = req.Clone(req.Context())
		out.RequestURI = ""
	}

	res, err := w.network.RoundTrip(out)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return res, nil
}

// pathOnlyURL returns the request URL without query string and fragment.
func pathOnlyURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// textResponse synthesizes a short plain-text response.
func textResponse(req *http.Request, statusCode int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		StatusCode:    statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
