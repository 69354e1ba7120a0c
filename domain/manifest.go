package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrEmptyVersion is returned when a manifest has no version tag.
	ErrEmptyVersion = errors.New("manifest version tag is empty")

	// ErrInvalidAssetPath is returned when an asset identifier is not an absolute URL path
	// without query or fragment.
	ErrInvalidAssetPath = errors.New("asset path must start with '/' and carry no query or fragment")
)

// Manifest is the deployment description produced at build time: a version tag unique per
// deployment and the ordered set of asset paths that must be available offline.
// A Manifest is immutable once built.
type Manifest struct {
	version string
	assets  []string
	index   map[string]struct{}
}

// NewManifest validates the version and the asset paths and returns a manifest.
// Duplicate paths are dropped, keeping the first occurrence.
func NewManifest(version string, assets []string) (*Manifest, error) {
	if strings.TrimSpace(version) == "" {
		return nil, ErrEmptyVersion
	}

	m := &Manifest{
		version: version,
		assets:  make([]string, 0, len(assets)),
		index:   make(map[string]struct{}, len(assets)),
	}
	for _, asset := range assets {
		if !strings.HasPrefix(asset, "/") || strings.ContainsAny(asset, "?#") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAssetPath, asset)
		}
		if _, ok := m.index[asset]; ok {
			continue
		}
		m.index[asset] = struct{}{}
		m.assets = append(m.assets, asset)
	}
	return m, nil
}

// Version returns the version tag.
func (m *Manifest) Version() string {
	return m.version
}

// StoreName returns the name of the store for this manifest's version.
func (m *Manifest) StoreName() string {
	return StoreName(m.version)
}

// Assets returns a copy of the ordered asset paths.
func (m *Manifest) Assets() []string {
	return slices.Clone(m.assets)
}

// HasAsset reports whether path is one of the precached assets.
func (m *Manifest) HasAsset(path string) bool {
	_, ok := m.index[path]
	return ok
}

// Len returns the number of assets.
func (m *Manifest) Len() int {
	return len(m.assets)
}
