package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// fakeEmbedder maps known phrases to fixed unit vectors so similarity
// ordering is deterministic.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for phrase, vec := range f.vectors {
		if strings.Contains(text, phrase) {
			return vec, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Dimension() int { return 3 }

func newTestEngine(t *testing.T, emb *fakeEmbedder) (*Engine, *store.Store, *vector.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	vs, err := vector.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vs.Close() })

	e := New(Options{
		Store:    st,
		Vectors:  vs,
		Embedder: emb,
		Config: config.RetrievalConfig{
			MaxCodeChunks:    3,
			MaxCodeLines:     50,
			MaxMemories:      10,
			MaxSessions:      5,
			OversampleFactor: 3,
		},
	})
	return e, st, vs
}

func seedObservation(t *testing.T, st *store.Store, vs *vector.Store, text string, mt models.MemoryType, vec []float32) *models.Observation {
	t.Helper()
	ctx := context.Background()
	obs := &models.Observation{Text: text, MemoryType: mt, SourceSessionID: "s1"}
	if err := st.InsertObservation(ctx, obs); err != nil {
		t.Fatal(err)
	}
	coll, err := vs.Collection(vector.CollectionMemory, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := coll.Upsert(obs.ID, vec, map[string]string{"type": string(mt)}); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkObservationEmbedded(ctx, obs.ID); err != nil {
		t.Fatal(err)
	}
	return obs
}

func seedCodeChunk(t *testing.T, vs *vector.Store, id string, vec []float32, meta map[string]string) {
	t.Helper()
	coll, err := vs.Collection(vector.CollectionCode, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := coll.Upsert(id, vec, meta); err != nil {
		t.Fatal(err)
	}
}

func TestSearchMemoryResolvesRelationalRows(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"retry logic": {1, 0, 0}}}
	e, st, vs := newTestEngine(t, emb)
	ctx := context.Background()
	if _, _, err := st.GetOrCreateSession(ctx, "s1", "claude", models.SourceStartup, time.Now()); err != nil {
		t.Fatal(err)
	}

	near := seedObservation(t, st, vs, "Retries use exponential backoff.", models.MemoryDecision, []float32{0.9, 0.1, 0})
	seedObservation(t, st, vs, "The config loader accepts JSON5.", models.MemoryDiscovery, []float32{0, 1, 0})

	res, err := e.Search(ctx, Query{Text: "retry logic", Type: models.SearchMemory})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Memories) == 0 {
		t.Fatal("no memories returned")
	}
	if res.Memories[0].ID != near.ID {
		t.Errorf("top result = %s, want %s", res.Memories[0].ID, near.ID)
	}
	if res.Memories[0].Text != "Retries use exponential backoff." {
		t.Errorf("text = %q", res.Memories[0].Text)
	}
}

func TestSearchSkipsArchivedAndDangling(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"anything": {1, 0, 0}}}
	e, st, vs := newTestEngine(t, emb)
	ctx := context.Background()
	if _, _, err := st.GetOrCreateSession(ctx, "s1", "claude", models.SourceStartup, time.Now()); err != nil {
		t.Fatal(err)
	}

	archived := seedObservation(t, st, vs, "old fact", models.MemoryGotcha, []float32{1, 0, 0})
	if err := st.UpdateObservationStatus(ctx, archived.ID, models.ObservationResolved, true); err != nil {
		t.Fatal(err)
	}
	// Dangling replica: the vector entry exists but the row does not.
	coll, _ := vs.Collection(vector.CollectionMemory, 3)
	if err := coll.Upsert("ghost", []float32{0.9, 0, 0}, nil); err != nil {
		t.Fatal(err)
	}

	res, err := e.Search(ctx, Query{Text: "anything", Type: models.SearchMemory})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Memories) != 0 {
		t.Errorf("memories = %+v, want none", res.Memories)
	}
}

func TestSearchCodeDocTypeWeighting(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"parser": {1, 0, 0}}}
	e, _, vs := newTestEngine(t, emb)

	// The test chunk is marginally closer but its doc-type weight drops it
	// below the source chunk.
	seedCodeChunk(t, vs, "src", []float32{0.94, 0.1, 0}, map[string]string{
		"file_path": "parser.go", "doc_type": "source", "preview": "func Parse() {}",
	})
	seedCodeChunk(t, vs, "tst", []float32{0.96, 0.1, 0}, map[string]string{
		"file_path": "parser_test.go", "doc_type": "test", "preview": "func TestParse() {}",
	})

	res, err := e.Search(context.Background(), Query{Text: "parser", Type: models.SearchCode})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Code) != 2 {
		t.Fatalf("code results = %d", len(res.Code))
	}
	if res.Code[0].ID != "src" {
		t.Errorf("top = %s, want weighted source chunk first", res.Code[0].ID)
	}
}

func TestConfidenceMonotonicInRank(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0, 0}}}
	e, _, vs := newTestEngine(t, emb)
	for i := 0; i < 8; i++ {
		seedCodeChunk(t, vs, fmt.Sprintf("c%d", i), []float32{1 - float32(i)*0.1, float32(i) * 0.1, 0},
			map[string]string{"file_path": "a.go", "doc_type": "source", "preview": "x"})
	}

	res, err := e.Search(context.Background(), Query{Text: "query", Type: models.SearchCode, Limit: 8})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Code) < 3 {
		t.Fatalf("results = %d", len(res.Code))
	}
	if res.Code[0].Confidence != models.ConfidenceHigh {
		t.Errorf("top confidence = %s", res.Code[0].Confidence)
	}
	prev := res.Code[0].Confidence
	for _, r := range res.Code[1:] {
		if r.Confidence.AtLeast(prev) && r.Confidence != prev {
			t.Errorf("confidence rose with rank: %s after %s", r.Confidence, prev)
		}
		prev = r.Confidence
	}
}

func TestSearchPlansFiltersToPlanType(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"migration": {1, 0, 0}}}
	e, st, vs := newTestEngine(t, emb)
	ctx := context.Background()
	if _, _, err := st.GetOrCreateSession(ctx, "s1", "claude", models.SourceStartup, time.Now()); err != nil {
		t.Fatal(err)
	}
	plan := seedObservation(t, st, vs, "Plan: migrate store to WAL.", models.MemoryPlan, []float32{0.9, 0, 0})
	seedObservation(t, st, vs, "Unrelated decision.", models.MemoryDecision, []float32{0.95, 0, 0})

	res, err := e.Search(ctx, Query{Text: "migration", Type: models.SearchPlans})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Plans) != 1 || res.Plans[0].ID != plan.ID {
		t.Errorf("plans = %+v", res.Plans)
	}
	if len(res.Memories) != 0 {
		t.Errorf("memories leaked into plan search: %+v", res.Memories)
	}
}

func TestSearchSessionsReturnsRecentSummaries(t *testing.T) {
	e, st, _ := newTestEngine(t, &fakeEmbedder{})
	ctx := context.Background()
	if _, _, err := st.GetOrCreateSession(ctx, "s1", "claude", models.SourceStartup, time.Now()); err != nil {
		t.Fatal(err)
	}
	obs := &models.Observation{Text: "Session recap.", MemoryType: models.MemorySessionSummary, SourceSessionID: "s1"}
	if err := st.InsertObservation(ctx, obs); err != nil {
		t.Fatal(err)
	}

	res, err := e.Search(ctx, Query{Type: models.SearchSessions})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sessions) != 1 || res.Sessions[0].Summary != "Session recap." {
		t.Errorf("sessions = %+v", res.Sessions)
	}
}

func TestSearchEmptyQueryReturnsEmpty(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeEmbedder{})
	res, err := e.Search(context.Background(), Query{Text: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty() {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestSearchFilePathFilter(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"handler": {1, 0, 0}}}
	e, _, vs := newTestEngine(t, emb)
	seedCodeChunk(t, vs, "a", []float32{1, 0, 0}, map[string]string{
		"file_path": "server.go", "doc_type": "source", "preview": "x",
	})
	seedCodeChunk(t, vs, "b", []float32{1, 0, 0}, map[string]string{
		"file_path": "client.go", "doc_type": "source", "preview": "x",
	})

	res, err := e.Search(context.Background(), Query{Text: "handler", Type: models.SearchCode, FilePath: "server.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Code) != 1 || res.Code[0].FilePath != "server.go" {
		t.Errorf("code = %+v", res.Code)
	}
}

func TestMinConfidenceFloor(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0, 0}}}
	e, _, vs := newTestEngine(t, emb)
	for i := 0; i < 8; i++ {
		seedCodeChunk(t, vs, fmt.Sprintf("c%d", i), []float32{1 - float32(i)*0.1, float32(i) * 0.1, 0},
			map[string]string{"file_path": "a.go", "doc_type": "source", "preview": "x"})
	}

	res, err := e.Search(context.Background(), Query{
		Text: "query", Type: models.SearchCode, Limit: 8, MinConfidence: models.ConfidenceHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res.Code {
		if r.Confidence != models.ConfidenceHigh {
			t.Errorf("result below floor: %+v", r)
		}
	}
	if len(res.Code) == 0 || len(res.Code) >= 8 {
		t.Errorf("floor did not narrow results: %d", len(res.Code))
	}
}

func TestPreviewClippedToLineCap(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"long": {1, 0, 0}}}
	e, _, vs := newTestEngine(t, emb)
	long := strings.Repeat("line\n", 120)
	seedCodeChunk(t, vs, "big", []float32{1, 0, 0}, map[string]string{
		"file_path": "big.go", "doc_type": "source", "preview": long,
	})

	res, err := e.Search(context.Background(), Query{Text: "long", Type: models.SearchCode})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Code) != 1 {
		t.Fatalf("code = %d", len(res.Code))
	}
	if got := strings.Count(res.Code[0].Preview, "\n") + 1; got > 50 {
		t.Errorf("preview lines = %d, want <= 50", got)
	}
}
