// Package memory keeps mappings in process memory. It backs the memory
// STORE_DRIVER for local development and the service unit tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
)

type entry struct {
	mapping model.Mapping
	clicks  []model.ClickEvent
	purged  bool // tombstone: the code stays bound but is no longer served
}

// Store is a mutex-guarded map from short code to mapping and click log.
// Purged codes keep their entry so Put never hands them out again.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) Put(ctx context.Context, m *model.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[m.ShortCode]; exists {
		return repository.ErrCodeConflict
	}
	s.entries[m.ShortCode] = &entry{mapping: *m}
	return nil
}

// Get returns a copy so callers cannot mutate stored state
func (s *Store) Get(ctx context.Context, code string) (*model.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(code)
	if !ok {
		return nil, repository.ErrNotFound
	}
	m := e.mapping
	return &m, nil
}

func (s *Store) RecordClick(ctx context.Context, code string, event *model.ClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(code)
	if !ok {
		return repository.ErrNotFound
	}
	ev := *event
	ev.ShortCode = code
	e.clicks = append(e.clicks, ev)
	return nil
}

func (s *Store) Clicks(ctx context.Context, code string) ([]model.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(code)
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]model.ClickEvent, len(e.clicks))
	copy(out, e.clicks)
	return out, nil
}

func (s *Store) CountClicks(ctx context.Context, code string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(code)
	if !ok {
		return 0, repository.ErrNotFound
	}
	return int64(len(e.clicks)), nil
}

func (s *Store) PurgeExpired(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []string
	for code, e := range s.entries {
		if !e.purged && !e.mapping.ExpiresAt.After(before) {
			e.purged = true
			e.clicks = nil
			purged = append(purged, code)
		}
	}
	return purged, nil
}

// live returns the entry for code unless it is missing or purged.
// Callers hold s.mu.
func (s *Store) live(code string) (*entry, bool) {
	e, ok := s.entries[code]
	if !ok || e.purged {
		return nil, false
	}
	return e, true
}

func (s *Store) Close() error { return nil }

var _ repository.MappingStore = (*Store)(nil)
