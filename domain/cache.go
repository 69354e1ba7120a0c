package domain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEntryNotFound is returned by Match when the store holds no entry for the key.
	// A miss is a normal branch outcome, callers are expected to fall back.
	ErrEntryNotFound = errors.New("no cached entry for key")

	// ErrStoreNotFound is returned when an operation requires a store that was never opened.
	ErrStoreNotFound = errors.New("cache store does not exist")

	// ErrNotCacheable is returned by Put for keys whose method is not GET.
	ErrNotCacheable = errors.New("only GET requests can be cached")
)

// StorePrefix is prepended to the version tag to form the store name.
const StorePrefix = "cache-"

// StoreName returns the name of the store that belongs to the given version tag.
func StoreName(version string) string {
	return StorePrefix + version
}

// CacheRepository is the interface for the versioned cache store.
// Every method is a suspension point and honours the context.
//
// Writes are key-scoped replace operations. A single Put is applied fully or not at all.
type CacheRepository interface {
	// OpenStore creates the named store if it does not exist yet.
	OpenStore(ctx context.Context, name string) error

	// StoreNames returns the names of all existing stores, sorted.
	StoreNames(ctx context.Context) ([]string, error)

	// DeleteStore removes the named store and all of its entries.
	// It reports whether a store was actually deleted.
	DeleteStore(ctx context.Context, name string) (bool, error)

	// Match returns the captured response stored under key.
	// It returns ErrEntryNotFound if the store has no entry for the key,
	// and ErrStoreNotFound if the store itself does not exist.
	Match(ctx context.Context, name string, key RequestKey) (*CapturedResponse, error)

	// Put stores the captured response under key, replacing any previous entry.
	// It returns ErrNotCacheable if key.Method is not GET.
	Put(ctx context.Context, name string, key RequestKey, res *CapturedResponse) error

	// CountEntries returns the number of entries in the named store.
	CountEntries(ctx context.Context, name string) (int, error)

	// Entries returns a summary of every entry in the named store.
	Entries(ctx context.Context, name string) ([]*EntrySummary, error)
}

// RequestKey identifies a cache entry. URL is absolute.
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey builds a key from the request method and absolute URL.
func NewRequestKey(req *http.Request) RequestKey {
	return RequestKey{Method: req.Method, URL: req.URL.String()}
}

// String returns "METHOD URL".
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Cacheable reports whether an entry may be written for this key.
func (k RequestKey) Cacheable() bool {
	return k.Method == http.MethodGet
}

// CapturedResponse is an immutable snapshot of a network response taken at the moment it was cached.
// The body is fully read before the snapshot exists, so a capture never references a partial stream.
// Callers must treat the Header map and Body slice as read-only.
type CapturedResponse struct {
	StatusCode int         // HTTP status code (e.g., 200)
	Status     string      // HTTP status text (e.g., "200 OK")
	Header     http.Header // Response headers as received
	Body       []byte      // Complete response body
	CapturedAt time.Time   // When the body finished reading
}

// Capture reads the whole response body and returns a snapshot of the response.
// The original body is closed. If reading fails no snapshot is returned, the caller
// must treat the exchange as a transport failure.
func Capture(res *http.Response, capturedAt time.Time) (*CapturedResponse, error) {
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	status := res.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}

	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	// The body is stored fully buffered, framing headers no longer apply.
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &CapturedResponse{
		StatusCode: res.StatusCode,
		Status:     status,
		Header:     header,
		Body:       body,
		CapturedAt: capturedAt,
	}, nil
}

// NewResponse builds an independent *http.Response from the snapshot.
// Each call returns a fresh body reader and a copy of the headers, so one capture can be
// handed to the page and written to the store at the same time.
func (c *CapturedResponse) NewResponse(req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return &http.Response{
		Status:        c.Status,
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// ContentType returns the media type of the captured response without parameters.
func (c *CapturedResponse) ContentType() string {
	ct := c.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// EntrySummary describes a stored entry without its body.
type EntrySummary struct {
	Key         RequestKey
	StatusCode  int
	ContentType string
	Length      int
	CapturedAt  time.Time
}
