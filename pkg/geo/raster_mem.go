package geo

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory raster store keyed by path. It is used by tests
// and by callers that stage grids without touching the filesystem.
type MemStore struct {
	mu    sync.RWMutex
	grids map[string]*Grid
}

// NewMemStore returns an empty in-memory raster store.
func NewMemStore() *MemStore {
	return &MemStore{grids: make(map[string]*Grid)}
}

// Read returns a deep copy of the stored grid.
func (s *MemStore) Read(path string) (*Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grids[path]
	if !ok {
		return nil, fmt.Errorf("geo: raster %s not found", path)
	}
	return g.Clone(), nil
}

// Write stores a deep copy of the grid under path.
func (s *MemStore) Write(path string, g *Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grids[path] = g.Clone()
	return nil
}

// Exists reports whether a grid is stored under path.
func (s *MemStore) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grids[path]
	return ok
}

// Paths returns the stored paths.
func (s *MemStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.grids))
	for p := range s.grids {
		paths = append(paths, p)
	}
	return paths
}
