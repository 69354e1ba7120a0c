package edge

import (
	"net/http"
	"strings"

	"github.com/hrcloud/edge/domain"
)

// DefaultAPIPrefix is the reserved path prefix of the logbook REST API.
const DefaultAPIPrefix = "/api/"

// Category is the routing class of an intercepted request.
type Category int

const (
	// Passthrough requests (every non-GET) go straight to the network and are never stored.
	Passthrough Category = iota
	// PrecachedAsset requests match a path of the asset manifest exactly.
	PrecachedAsset
	// APICall requests fall under the reserved API prefix.
	APICall
	// Other covers every remaining GET request.
	Other
)

func (c Category) String() string {
	switch c {
	case Passthrough:
		return "passthrough"
	case PrecachedAsset:
		return "precached-asset"
	case APICall:
		return "api-call"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Router classifies requests using only their method and URL path.
// A Router is immutable and safe for concurrent use.
type Router struct {
	manifest  *domain.Manifest
	apiPrefix string
}

// NewRouter returns a Router for the manifest's asset set. An empty prefix selects DefaultAPIPrefix.
func NewRouter(manifest *domain.Manifest, apiPrefix string) *Router {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	return &Router{manifest: manifest, apiPrefix: apiPrefix}
}

// Classify returns the category of req. Precached assets win over the API prefix,
// so an asset listed under the prefix is still served cache-first.
func (r *Router) Classify(req *http.Request) Category {
	if req.Method != http.MethodGet {
		return Passthrough
	}

	path := req.URL.Path
	if r.manifest.HasAsset(path) {
		return PrecachedAsset
	}
	if strings.HasPrefix(path, r.apiPrefix) {
		return APICall
	}
	return Other
}
