package vector

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestCollection(t *testing.T, dim int) *Collection {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	c, err := s.Collection(CollectionMemory, dim)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestUpsertIsIdempotent(t *testing.T) {
	c := newTestCollection(t, 3)

	if err := c.Upsert("m1", []float32{1, 0, 0}, map[string]string{"type": "gotcha"}); err != nil {
		t.Fatal(err)
	}
	// Replay replaces, never duplicates.
	if err := c.Upsert("m1", []float32{0, 1, 0}, map[string]string{"type": "decision"}); err != nil {
		t.Fatal(err)
	}

	n, err := c.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v, want 1", n, err)
	}

	matches, err := c.Query([]float32{0, 1, 0}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if matches[0].Metadata["type"] != "decision" {
		t.Errorf("metadata not replaced: %v", matches[0].Metadata)
	}
}

func TestQueryOrdering(t *testing.T) {
	c := newTestCollection(t, 3)
	c.Upsert("far", []float32{0, 0, 1}, nil)
	c.Upsert("near", []float32{1, 0.1, 0}, nil)
	c.Upsert("exact", []float32{1, 0, 0}, nil)

	matches, err := c.Query([]float32{1, 0, 0}, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Fatalf("len = %d, want 3", len(matches))
	}
	if matches[0].ID != "exact" || matches[1].ID != "near" || matches[2].ID != "far" {
		t.Errorf("order = %s, %s, %s", matches[0].ID, matches[1].ID, matches[2].ID)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Error("scores not descending")
		}
	}
}

func TestQueryMetadataFilter(t *testing.T) {
	c := newTestCollection(t, 2)
	c.Upsert("a", []float32{1, 0}, map[string]string{"file_path": "x.go"})
	c.Upsert("b", []float32{1, 0}, map[string]string{"file_path": "y.go"})

	matches, err := c.Query([]float32{1, 0}, 10, Filter{"file_path": "x.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "a" {
		t.Errorf("filtered matches = %v", matches)
	}
}

func TestDimensionMismatchRefusesWrites(t *testing.T) {
	dir := t.TempDir()

	// Populate with d=3.
	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c1, err := s1.Collection(CollectionMemory, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.Upsert("m1", []float32{1, 0, 0}, nil); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	// Reopen as if the provider changed to d=4.
	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	c2, err := s2.Collection(CollectionMemory, 4)
	if err != nil {
		t.Fatal(err)
	}

	// Reads still work.
	if n, err := c2.Count(); err != nil || n != 1 {
		t.Fatalf("Count after reopen = %d, %v", n, err)
	}
	if _, err := c2.Query([]float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Query after dimension change: %v", err)
	}

	// Writes are refused until rebuild.
	err = c2.Upsert("m2", []float32{1, 0, 0, 0}, nil)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Upsert err = %v, want ErrDimensionMismatch", err)
	}

	// Rebuild: clear, then writes at the new dimension succeed.
	if err := c2.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := c2.Upsert("m2", []float32{1, 0, 0, 0}, nil); err != nil {
		t.Fatalf("Upsert after rebuild: %v", err)
	}
	if got := c2.Dimension(); got != 4 {
		t.Errorf("Dimension after rebuild = %d, want 4", got)
	}
}

func TestDimensionBindsAfterReadOnlyOpen(t *testing.T) {
	dir := t.TempDir()

	// Populate, then reopen so the stored dimension is read back from disk.
	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c1, err := s1.Collection(CollectionMemory, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.Upsert("m1", []float32{1, 0, 0}, nil); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	// A status endpoint or injection builder reads first, without knowing the
	// provider dimension.
	if _, err := s2.Collection(CollectionMemory, 0); err != nil {
		t.Fatal(err)
	}

	// The writer then supplies the real dimension; the cached handle must not
	// stay pinned to the read-only expectation.
	c2, err := s2.Collection(CollectionMemory, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Upsert("m2", []float32{0, 1, 0}, nil); err != nil {
		t.Fatalf("Upsert after read-first open: %v", err)
	}
	if n, _ := c2.Count(); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestWrongLengthVectorRejected(t *testing.T) {
	c := newTestCollection(t, 3)
	c.Upsert("m1", []float32{1, 0, 0}, nil)
	if err := c.Upsert("m2", []float32{1, 0}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestDeleteAndHas(t *testing.T) {
	c := newTestCollection(t, 2)
	c.Upsert("m1", []float32{1, 0}, nil)

	ok, err := c.Has("m1")
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v", ok, err)
	}
	if err := c.Delete("m1"); err != nil {
		t.Fatal(err)
	}
	ok, _ = c.Has("m1")
	if ok {
		t.Error("entry still present after delete")
	}
	// Deleting again is a no-op.
	if err := c.Delete("m1"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, _ := Open(dir)
	c1, _ := s1.Collection(CollectionCode, 2)
	c1.Upsert("chunk1", []float32{0.5, 0.5}, map[string]string{"file_path": "main.go"})
	s1.Close()

	s2, _ := Open(dir)
	defer s2.Close()
	c2, _ := s2.Collection(CollectionCode, 2)
	matches, err := c2.Query([]float32{0.5, 0.5}, 1, nil)
	if err != nil || len(matches) != 1 || matches[0].ID != "chunk1" {
		t.Fatalf("matches after reopen = %v, %v", matches, err)
	}
	if _, err := filepath.Glob(filepath.Join(dir, "*.db")); err != nil {
		t.Fatal(err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
