// Package memstore provides an in-memory domain.CacheRepository.
// It is used by tests and by the edge when no database path is configured.
// Nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hrcloud/edge/domain"
)

var _ domain.CacheRepository = (*Store)(nil)

// Store keeps named stores in maps guarded by a single RWMutex.
// Reads run concurrently, each write replaces one key under the write lock.
type Store struct {
	mu     sync.RWMutex
	stores map[string]map[domain.RequestKey]*domain.CapturedResponse
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		stores: make(map[string]map[domain.RequestKey]*domain.CapturedResponse),
	}
}

// OpenStore implements domain.CacheRepository.
func (s *Store) OpenStore(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[name]; !ok {
		s.stores[name] = make(map[domain.RequestKey]*domain.CapturedResponse)
	}
	return nil
}

// StoreNames implements domain.CacheRepository.
func (s *Store) StoreNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteStore implements domain.CacheRepository.
func (s *Store) DeleteStore(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	return true, nil
}

// Match implements domain.CacheRepository.
func (s *Store) Match(ctx context.Context, name string, key domain.RequestKey) (*domain.CapturedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStoreNotFound, name)
	}
	res, ok := entries[key]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	return res, nil
}

// Put implements domain.CacheRepository.
// It stores a private copy of res so later changes by the caller cannot reach the store.
func (s *Store) Put(ctx context.Context, name string, key domain.RequestKey, res *domain.CapturedResponse) error {
	if !key.Cacheable() {
		return fmt.Errorf("%w: %s", domain.ErrNotCacheable, key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := &domain.CapturedResponse{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Header:     res.Header.Clone(),
		Body:       slices.Clone(res.Body),
		CapturedAt: res.CapturedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.stores[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStoreNotFound, name)
	}
	entries[key] = stored
	return nil
}

// CountEntries implements domain.CacheRepository.
func (s *Store) CountEntries(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.stores[name]), nil
}

// Entries implements domain.CacheRepository.
func (s *Store) Entries(ctx context.Context, name string) ([]*domain.EntrySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]*domain.EntrySummary, 0, len(s.stores[name]))
	for key, res := range s.stores[name] {
		summaries = append(summaries, &domain.EntrySummary{
			Key:         key,
			StatusCode:  res.StatusCode,
			ContentType: res.ContentType(),
			Length:      len(res.Body),
			CapturedAt:  res.CapturedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Key.URL != summaries[j].Key.URL {
			return summaries[i].Key.URL < summaries[j].Key.URL
		}
		return summaries[i].Key.Method < summaries[j].Key.Method
	})
	return summaries, nil
}

// Snapshot returns the names of all stores and their entry counts. Intended for tests.
func (s *Store) Snapshot() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.stores))
	for name, entries := range s.stores {
		out[name] = len(entries)
	}
	return out
}

// Seed writes res under key, opening the store if needed. Intended for tests.
func (s *Store) Seed(name string, key domain.RequestKey, res *domain.CapturedResponse) error {
	ctx := context.Background()
	if err := s.OpenStore(ctx, name); err != nil {
		return err
	}
	return s.Put(ctx, name, key, res)
}
