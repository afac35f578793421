// Package vector implements the dense-embedding index behind retrieval. Two
// logical collections (code, memory) live as separate SQLite files under the
// vector directory. Each collection is tagged with the dimensionality of the
// embedding provider that populated it; a mismatch refuses writes until the
// operator rebuilds.
package vector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Collection names used by the daemon.
const (
	CollectionCode   = "code"
	CollectionMemory = "memory"
)

// ErrDimensionMismatch is returned on writes when the collection was
// populated with a different embedding dimensionality than the current
// provider reports. Reads still succeed.
var ErrDimensionMismatch = errors.New("vector: embedding dimension mismatch, rebuild required")

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("vector: not found")

// Store manages the collections.
type Store struct {
	dir string

	mu          sync.Mutex
	collections map[string]*Collection
}

// Open creates the vector directory if needed and returns the store.
// Collections open lazily on first use.
func Open(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector dir: %w", err)
		}
	}
	return &Store{dir: dir, collections: make(map[string]*Collection)}, nil
}

// Collection returns the named collection, opening it on first access. The
// expected dimension comes from the current embedding provider; a populated
// collection with a different stored dimension opens read-only for upserts.
func (s *Store) Collection(name string, dimension int) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		// Read paths pass 0 for "don't care". A caller that knows the
		// provider dimension binds it even when the collection was first
		// opened by a read, so the cached handle never pins expected=0.
		if dimension > 0 {
			c.SetExpectedDimension(dimension)
		}
		return c, nil
	}

	path := ":memory:"
	if s.dir != "" {
		path = filepath.Join(s.dir, name+".db")
	}
	c, err := openCollection(name, path, dimension)
	if err != nil {
		return nil, err
	}
	s.collections[name] = c
	return c, nil
}

// Close closes every open collection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.collections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.collections = make(map[string]*Collection)
	return firstErr
}
