// Package memory keeps stashes and concurrency reports in process memory.
// It backs the plan command and every test that needs a store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/service"
)

// Store is an in-memory stash and report store.
type Store struct {
	mu      sync.RWMutex
	stashes map[string][]byte         // site/vhost -> bytes
	reports map[string]service.Report // instance -> last report
	saved   map[string]time.Time      // instance -> when the report was saved
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates an empty store whose reports expire after ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		stashes: make(map[string][]byte),
		reports: make(map[string]service.Report),
		saved:   make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func key(site, vhost string) string { return site + "/" + vhost }

// PutStash stores data unless a stash already exists for the virtual host.
func (s *Store) PutStash(_ context.Context, site, vhost string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(site, vhost)
	if _, ok := s.stashes[k]; ok {
		return false, nil
	}
	s.stashes[k] = append([]byte(nil), data...)
	return true, nil
}

// GetStash returns a copy of the stash of a virtual host.
func (s *Store) GetStash(_ context.Context, site, vhost string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.stashes[key(site, vhost)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// DeleteStash removes the stash of a virtual host.
func (s *Store) DeleteStash(_ context.Context, site, vhost string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stashes, key(site, vhost))
	return nil
}

// StashCount returns the number of stored stashes.
func (s *Store) StashCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.stashes)
}

// SaveConcurrency replaces an instance's report.
func (s *Store) SaveConcurrency(_ context.Context, rep service.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[rep.Instance] = rep
	s.saved[rep.Instance] = s.now()
	return nil
}

// GetConcurrency returns the report of an instance unless it has expired.
func (s *Store) GetConcurrency(_ context.Context, instance string) (*service.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rep, ok := s.reports[instance]
	if !ok || (s.ttl > 0 && s.now().Sub(s.saved[instance]) > s.ttl) {
		return nil, false, nil
	}
	return &rep, true, nil
}
