package vector

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Entry is one stored vector with its metadata.
type Entry struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Match is one query result.
type Match struct {
	Entry
	Score float32 // cosine similarity to the query
}

// Collection is one named vector index. All operations serialize under a
// collection-level RW lock so a rebuild cannot race queries.
type Collection struct {
	name string

	mu        sync.RWMutex
	db        *sql.DB
	dimension int // stored dimension; 0 until first write
	expected  int // current provider's dimension
}

func openCollection(name, path string, expected int) (*Collection, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id       TEXT PRIMARY KEY,
			vector   BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS collection_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init collection %s: %w", name, err)
	}

	c := &Collection{name: name, db: db, expected: expected}

	var dim string
	err = db.QueryRow(`SELECT value FROM collection_meta WHERE key = 'dimension'`).Scan(&dim)
	switch {
	case err == sql.ErrNoRows:
		c.dimension = 0
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read dimension %s: %w", name, err)
	default:
		fmt.Sscanf(dim, "%d", &c.dimension)
	}

	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Dimension returns the stored dimensionality, 0 if empty.
func (c *Collection) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dimension
}

// Upsert inserts or replaces the entry for id. Idempotent: replaying the same
// id replaces the prior vector and metadata. The first write fixes the
// collection dimension; later writes with a different length, or a provider
// change detected at open, return ErrDimensionMismatch.
func (c *Collection) Upsert(id string, vec []float32, metadata map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dimension != 0 && c.dimension != c.expected {
		return fmt.Errorf("%w: collection %s has d=%d, provider reports d=%d",
			ErrDimensionMismatch, c.name, c.dimension, c.expected)
	}
	if c.dimension != 0 && len(vec) != c.dimension {
		return fmt.Errorf("%w: collection %s has d=%d, vector has d=%d",
			ErrDimensionMismatch, c.name, c.dimension, len(vec))
	}
	if len(vec) == 0 {
		return fmt.Errorf("vector: empty vector for id %s", id)
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO entries (id, vector, metadata) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, metadata = excluded.metadata`,
		id, encodeVector(vec), string(meta)); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}

	if c.dimension == 0 {
		if _, err := tx.Exec(`
			INSERT INTO collection_meta (key, value) VALUES ('dimension', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", len(vec))); err != nil {
			return fmt.Errorf("record dimension: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if c.dimension == 0 {
		c.dimension = len(vec)
	}
	return nil
}

// Filter narrows query results by exact metadata equality. A nil filter
// matches everything.
type Filter map[string]string

func (f Filter) matches(meta map[string]string) bool {
	for k, want := range f {
		if meta[k] != want {
			return false
		}
	}
	return true
}

// Query returns the k nearest entries by cosine similarity, optionally
// filtered by metadata. Results are ordered by descending score.
func (c *Collection) Query(query []float32, k int, filter Filter) ([]Match, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if k <= 0 {
		k = 10
	}

	rows, err := c.db.Query(`SELECT id, vector, metadata FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", c.name, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id, meta string
		var blob []byte
		if err := rows.Scan(&id, &blob, &meta); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var metadata map[string]string
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata %s: %w", id, err)
		}
		if !filter.matches(metadata) {
			continue
		}
		vec := decodeVector(blob)
		matches = append(matches, Match{
			Entry: Entry{ID: id, Vector: vec, Metadata: metadata},
			Score: cosineSimilarity(query, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Scan returns every entry matching the filter, without scoring. Used for
// reconciliation and metadata-only lookups.
func (c *Collection) Scan(filter Filter) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(`SELECT id, vector, metadata FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("scan collection %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id, meta string
		var blob []byte
		if err := rows.Scan(&id, &blob, &meta); err != nil {
			return nil, err
		}
		var metadata map[string]string
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			return nil, err
		}
		if !filter.matches(metadata) {
			continue
		}
		out = append(out, Entry{ID: id, Vector: decodeVector(blob), Metadata: metadata})
	}
	return out, rows.Err()
}

// Get returns one entry by id, or ErrNotFound.
func (c *Collection) Get(id string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var meta string
	var blob []byte
	err := c.db.QueryRow(`SELECT vector, metadata FROM entries WHERE id = ?`, id).Scan(&blob, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", id, err)
	}
	return &Entry{ID: id, Vector: decodeVector(blob), Metadata: metadata}, nil
}

// Delete removes an entry. Deleting a missing id is a no-op.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`DELETE FROM entries WHERE id = ?`, id)
	return err
}

// Has reports whether id exists.
func (c *Collection) Has(id string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM entries WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Count returns the number of stored entries.
func (c *Collection) Count() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// Clear drops every entry and resets the dimension to the current provider's.
// This is the first step of a rebuild; it takes the write lock so no query
// can observe a half-cleared collection.
func (c *Collection) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear %s: %w", c.name, err)
	}
	if _, err := tx.Exec(`DELETE FROM collection_meta WHERE key = 'dimension'`); err != nil {
		return fmt.Errorf("clear %s meta: %w", c.name, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.dimension = 0
	return nil
}

// SetExpectedDimension updates the provider dimension: after a provider swap
// followed by rebuild, or when a writer reaches a collection first opened by
// a read path that did not know the dimension.
func (c *Collection) SetExpectedDimension(d int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expected = d
}

// Close releases the underlying database.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// Vectors are stored as little-endian IEEE 754 float32 blobs.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
