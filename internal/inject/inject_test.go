package inject

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/retrieval"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

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

func newTestBuilder(t *testing.T, emb *fakeEmbedder) (*Builder, *store.Store, *vector.Store) {
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

	engine := retrieval.New(retrieval.Options{
		Store:    st,
		Vectors:  vs,
		Embedder: emb,
		Config: config.RetrievalConfig{
			MaxCodeChunks: 3, MaxCodeLines: 50, MaxMemories: 10, MaxSessions: 5, OversampleFactor: 3,
		},
	})
	b := New(Options{Engine: engine, Store: st, Vectors: vs})
	return b, st, vs
}

func seedMemory(t *testing.T, st *store.Store, vs *vector.Store, text string, mt models.MemoryType, filePath string, vec []float32) {
	t.Helper()
	ctx := context.Background()
	obs := &models.Observation{Text: text, MemoryType: mt, FilePath: filePath, SourceSessionID: "s1"}
	if err := st.InsertObservation(ctx, obs); err != nil {
		t.Fatal(err)
	}
	coll, err := vs.Collection(vector.CollectionMemory, 3)
	if err != nil {
		t.Fatal(err)
	}
	meta := map[string]string{"type": string(mt)}
	if filePath != "" {
		meta["file_path"] = filePath
	}
	if err := coll.Upsert(obs.ID, vec, meta); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkObservationEmbedded(ctx, obs.ID); err != nil {
		t.Fatal(err)
	}
}

func seedSession(t *testing.T, st *store.Store) {
	t.Helper()
	if _, _, err := st.GetOrCreateSession(context.Background(), "s1", "claude", models.SourceStartup, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestSessionStartIncludesStatusAndSummaries(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"auth flow": {1, 0, 0}}}
	b, st, vs := newTestBuilder(t, emb)
	ctx := context.Background()
	seedSession(t, st)

	summary := &models.Observation{Text: "Reworked the auth flow.", MemoryType: models.MemorySessionSummary, SourceSessionID: "s1"}
	if err := st.InsertObservation(ctx, summary); err != nil {
		t.Fatal(err)
	}
	seedMemory(t, st, vs, "Auth tokens rotate hourly.", models.MemoryGotcha, "", []float32{0.95, 0, 0})

	out, err := b.SessionStart(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Oak memory active:") {
		t.Errorf("missing status line: %q", out)
	}
	if !strings.Contains(out, "Recent sessions:") || !strings.Contains(out, "Reworked the auth flow.") {
		t.Errorf("missing summaries: %q", out)
	}
	if !strings.Contains(out, "Auth tokens rotate hourly.") {
		t.Errorf("missing seeded memory: %q", out)
	}
}

func TestSessionStartInjectsMemoriesWithoutPriorSessions(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"important gotchas": {1, 0, 0}}}
	b, st, vs := newTestBuilder(t, emb)
	seedSession(t, st)

	// Nothing has been summarized yet; the only knowledge is a manually
	// remembered gotcha. It must still surface at session start.
	seedMemory(t, st, vs, "The migration runner needs WAL off.", models.MemoryGotcha, "", []float32{0.96, 0, 0})

	out, err := b.SessionStart(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Recent sessions:") {
		t.Errorf("unexpected session section: %q", out)
	}
	if !strings.Contains(out, "The migration runner needs WAL off.") {
		t.Errorf("remembered memory not injected: %q", out)
	}
}

func TestPromptSubmitInjectsOnlyHighConfidence(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"retry backoff": {1, 0, 0}}}
	b, st, vs := newTestBuilder(t, emb)
	seedSession(t, st)

	seedMemory(t, st, vs, "Backoff is capped at 30s.", models.MemoryDecision, "", []float32{0.98, 0.1, 0})
	// Distant memories grade below high and stay out.
	for i, text := range []string{"Logging uses JSON.", "Config lives in .oak.", "Plans are markdown.", "Tests run in memory.", "Sessions expire hourly.", "Ports derive from path.", "Tokens rotate."} {
		seedMemory(t, st, vs, text, models.MemoryDiscovery, "", []float32{0.1, 1 - float32(i)*0.05, float32(i) * 0.05})
	}

	out, err := b.PromptSubmit(context.Background(), "retry backoff")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Backoff is capped at 30s.") {
		t.Errorf("missing high-confidence memory: %q", out)
	}
	if strings.Contains(out, "Logging uses JSON.") {
		t.Errorf("low-confidence memory leaked: %q", out)
	}
}

func TestPromptSubmitEmptyWhenNothingRelevant(t *testing.T) {
	b, _, _ := newTestBuilder(t, &fakeEmbedder{})
	out, err := b.PromptSubmit(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("out = %q, want empty", out)
	}
}

func TestPromptSubmitRendersCodeBlock(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"parser": {1, 0, 0}}}
	b, st, vs := newTestBuilder(t, emb)
	seedSession(t, st)
	coll, err := vs.Collection(vector.CollectionCode, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := coll.Upsert("chunk-1", []float32{0.97, 0, 0}, map[string]string{
		"file_path": "internal/parse/parser.go", "start_line": "10", "end_line": "42",
		"symbol": "Parse", "doc_type": "source", "preview": "func Parse() {}",
	}); err != nil {
		t.Fatal(err)
	}

	out, err := b.PromptSubmit(context.Background(), "parser")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Relevant Code:") {
		t.Fatalf("missing code section: %q", out)
	}
	if !strings.Contains(out, "internal/parse/parser.go:10-42 (Parse)") {
		t.Errorf("missing chunk header: %q", out)
	}
	if !strings.Contains(out, "```go\nfunc Parse() {}\n```") {
		t.Errorf("missing fenced preview: %q", out)
	}
}

func TestFileTouchAcceptsMediumConfidence(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"store.go": {1, 0, 0}}}
	b, st, vs := newTestBuilder(t, emb)
	seedSession(t, st)

	// Four seeded memories put rank 1 in the medium quartile.
	seedMemory(t, st, vs, "WAL mode is required.", models.MemoryGotcha, "store.go", []float32{0.99, 0, 0})
	seedMemory(t, st, vs, "Busy timeout is 5s.", models.MemoryDiscovery, "store.go", []float32{0.9, 0.2, 0})
	seedMemory(t, st, vs, "Unrelated note one.", models.MemoryDiscovery, "store.go", []float32{0.2, 1, 0})
	seedMemory(t, st, vs, "Unrelated note two.", models.MemoryDiscovery, "store.go", []float32{0.1, 1, 0})

	out, err := b.FileTouch(context.Background(), "store.go", "rows affected: 1", "fix the query")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "WAL mode is required.") {
		t.Errorf("missing high result: %q", out)
	}
	if !strings.Contains(out, "Busy timeout is 5s.") {
		t.Errorf("missing medium result: %q", out)
	}
	if !strings.Contains(out, "(store.go)") {
		t.Errorf("missing file parenthetical: %q", out)
	}
}

func TestLanguageOf(t *testing.T) {
	cases := map[string]string{
		"a/b/main.go":  "go",
		"script.py":    "python",
		"web/app.tsx":  "typescript",
		"query.sql":    "sql",
		"conf.yaml":    "yaml",
		"unknown.zig":  "",
		"Makefile":     "",
		"doc/notes.md": "markdown",
	}
	for path, want := range cases {
		if got := languageOf(path); got != want {
			t.Errorf("languageOf(%q) = %q, want %q", path, got, want)
		}
	}
}
