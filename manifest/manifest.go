// Package manifest loads the asset manifest emitted by the front-end build.
//
// The file carries the deployment version tag and the paths that must be available
// offline. Bundler output is usually split in two lists, `build` (emitted, content-hashed
// artifacts) and `files` (static directory), which are concatenated in that order,
// followed by an optional explicit `assets` list. JSON and YAML are both accepted.
//
//	version: "1718031234567"
//	build: ["/_app/immutable/entry/start.js", "/_app/immutable/chunks/2.js"]
//	files: ["/favicon.png", "/icon-192.png", "/icon-512.png"]
//	assets: ["/"]
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/hrcloud/edge/domain"
	"gopkg.in/yaml.v3"
)

// ErrEmptyManifest is returned when the file lists no assets at all.
var ErrEmptyManifest = errors.New("manifest lists no assets")

type file struct {
	Version string   `yaml:"version"`
	Build   []string `yaml:"build"`
	Files   []string `yaml:"files"`
	Assets  []string `yaml:"assets"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}

// IsRemote reports whether source names a manifest served over HTTP rather than a file.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Fetch retrieves and parses the manifest served at url through rt.
func Fetch(ctx context.Context, rt http.RoundTripper, url string) (*domain.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request : %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := rt.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("getting %s : %w", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getting %s : unexpected status %s", url, res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s : %w", url, err)
	}
	m, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", url, err)
	}
	return m, nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (*domain.Manifest, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	assets := make([]string, 0, len(f.Build)+len(f.Files)+len(f.Assets))
	assets = append(assets, f.Build...)
	assets = append(assets, f.Files...)
	assets = append(assets, f.Assets...)
	if len(assets) == 0 {
		return nil, ErrEmptyManifest
	}

	return domain.NewManifest(f.Version, assets)
}

// Digest returns a stable fingerprint of the manifest's version and ordered asset list.
// Two manifests with the same digest produce the same store contents on install.
func Digest(m *domain.Manifest) string {
	h := xxhash.New()
	h.WriteString(m.Version())
	for _, asset := range m.Assets() {
		h.WriteString("\x00")
		h.WriteString(asset)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
