package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/dedupe"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/pkg/models"
)

type fakeQueue struct {
	mu        sync.Mutex
	batches   []int64
	summaries []string
}

func (q *fakeQueue) Enqueue(batchID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batchID)
}

func (q *fakeQueue) EnqueueSessionSummary(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.summaries = append(q.summaries, sessionID)
}

type fakeInjector struct {
	sessionStarts []string
	prompts       []string
	files         []string
}

func (f *fakeInjector) SessionStart(ctx context.Context, sessionID string) (string, error) {
	f.sessionStarts = append(f.sessionStarts, sessionID)
	return "prior knowledge", nil
}

func (f *fakeInjector) PromptSubmit(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return "relevant memories", nil
}

func (f *fakeInjector) FileTouch(ctx context.Context, filePath, outputExcerpt, promptExcerpt string) (string, error) {
	f.files = append(f.files, filePath)
	return "file memories", nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *fakeQueue, *fakeInjector) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	queue := &fakeQueue{}
	injector := &fakeInjector{}
	cfg := config.Default(t.TempDir())
	p := New(Options{
		Store:       st,
		Dedupe:      dedupe.New(dedupe.Options{TTL: time.Minute, MaxSize: 100}),
		Queue:       queue,
		Injector:    injector,
		Config:      cfg.Pipeline,
		ProjectRoot: cfg.ProjectRoot,
	})
	return p, st, queue, injector
}

func startSession(t *testing.T, p *Pipeline, sid string) {
	t.Helper()
	_, err := p.Handle(context.Background(), models.EventSessionStart, &models.Envelope{
		Agent: "claude", SessionID: sid, Source: "startup",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func submitPrompt(t *testing.T, p *Pipeline, sid, prompt string) int64 {
	t.Helper()
	resp, err := p.Handle(context.Background(), models.EventPromptSubmit, &models.Envelope{
		Agent: "claude", SessionID: sid, GenerationID: "gen-" + prompt, Prompt: prompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.PromptBatchID == 0 {
		t.Fatal("no batch id in response")
	}
	return resp.PromptBatchID
}

func TestSessionStartCreatesAndInjects(t *testing.T) {
	p, st, _, injector := newTestPipeline(t)

	resp, err := p.Handle(context.Background(), models.EventSessionStart, &models.Envelope{
		Agent: "claude", SessionID: "s1", Source: "startup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.SessionID != "s1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.InjectedContext != "prior knowledge" {
		t.Errorf("injected = %q", resp.InjectedContext)
	}
	if len(injector.sessionStarts) != 1 {
		t.Errorf("injector calls = %d", len(injector.sessionStarts))
	}

	sess, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionActive {
		t.Errorf("status = %s", sess.Status)
	}
}

func TestSessionStartResumeSkipsInjection(t *testing.T) {
	p, _, _, injector := newTestPipeline(t)

	resp, err := p.Handle(context.Background(), models.EventSessionStart, &models.Envelope{
		Agent: "claude", SessionID: "s1", Source: "resume",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.InjectedContext != "" {
		t.Errorf("resume injected %q", resp.InjectedContext)
	}
	if len(injector.sessionStarts) != 0 {
		t.Error("injector called on resume")
	}
}

func TestSessionStartMintsIDWhenAbsent(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	resp, err := p.Handle(context.Background(), models.EventSessionStart, &models.Envelope{
		Agent: "claude", Source: "startup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" {
		t.Error("no session id minted")
	}
}

func TestDualHookSessionStart(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	// The same lifecycle event arrives twice with different agent labels.
	// Both must pass dedupe; the latest label wins.
	for _, agent := range []string{"cursor", "claude"} {
		resp, err := p.Handle(ctx, models.EventSessionStart, &models.Envelope{
			Agent: agent, SessionID: "s1", Source: "startup",
		})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Detail == "duplicate" {
			t.Fatalf("agent %s dropped as duplicate", agent)
		}
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.AgentLabel != "claude" {
		t.Errorf("agent label = %s, want claude", sess.AgentLabel)
	}

	// A true replay with the same label is dropped.
	resp, err := p.Handle(ctx, models.EventSessionStart, &models.Envelope{
		Agent: "claude", SessionID: "s1", Source: "startup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Detail != "duplicate" {
		t.Error("replay not dropped")
	}
}

func TestPromptSubmitClosesPriorBatch(t *testing.T) {
	p, st, queue, injector := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")

	first := submitPrompt(t, p, "s1", "add logging")
	second := submitPrompt(t, p, "s1", "now add tests")
	if first == second {
		t.Fatal("same batch id for both prompts")
	}

	b1, err := st.GetBatch(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Status != models.BatchCompleted {
		t.Errorf("first batch status = %s", b1.Status)
	}
	b2, err := st.GetBatch(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if b2.Status != models.BatchActive {
		t.Errorf("second batch status = %s", b2.Status)
	}

	if len(queue.batches) != 1 || queue.batches[0] != first {
		t.Errorf("enqueued = %v", queue.batches)
	}
	if len(injector.prompts) != 2 {
		t.Errorf("prompt injections = %d", len(injector.prompts))
	}
}

func TestPromptSubmitDuplicateDropped(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	submitPrompt(t, p, "s1", "do the thing")

	resp, err := p.Handle(ctx, models.EventPromptSubmit, &models.Envelope{
		Agent: "claude", SessionID: "s1", GenerationID: "gen-do the thing", Prompt: "do the thing",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Detail != "duplicate" {
		t.Error("duplicate prompt not dropped")
	}
}

func TestToolUseBufferedAndFlushedAtThreshold(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "refactor")

	threshold := p.cfg.FlushThreshold
	for i := 0; i < threshold-1; i++ {
		_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
			SessionID: "s1", ToolName: "bash", ToolUseID: fmt.Sprintf("tu-%d", i),
			ToolInput: `{"command":"ls"}`, ToolOutput: "ok",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if acts, _ := st.BatchActivities(ctx, batchID); len(acts) != 0 {
		t.Fatalf("flushed before threshold: %d rows", len(acts))
	}

	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "bash", ToolUseID: "tu-final",
		ToolInput: `{"command":"ls"}`, ToolOutput: "ok",
	})
	if err != nil {
		t.Fatal(err)
	}
	acts, err := st.BatchActivities(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != threshold {
		t.Errorf("flushed %d rows, want %d", len(acts), threshold)
	}
}

func TestToolOutputBase64AndTruncation(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "inspect")

	long := strings.Repeat("z", p.cfg.OutputSummaryBytes+500)
	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "bash", ToolUseID: "tu-b64",
		ToolOutputB64: base64.StdEncoding.EncodeToString([]byte(long)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Handle(ctx, models.EventStop, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	acts, err := st.BatchActivities(ctx, batchID)
	if err != nil || len(acts) != 1 {
		t.Fatalf("acts = %d, %v", len(acts), err)
	}
	got := acts[0].OutputSummary
	if len(got) > p.cfg.OutputSummaryBytes+3 {
		t.Errorf("output not truncated: %d bytes", len(got))
	}
	if !strings.HasPrefix(got, "zzz") {
		t.Errorf("base64 not decoded: %q", got[:10])
	}
}

func TestToolInputPlaceholder(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "write big file")

	big := `{"file_path":"big.txt","content":"` + strings.Repeat("a", p.cfg.ToolInputBytes) + `"}`
	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "write", ToolUseID: "tu-big", ToolInput: big,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Handle(ctx, models.EventStop, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	acts, _ := st.BatchActivities(ctx, batchID)
	if len(acts) != 1 {
		t.Fatalf("acts = %d", len(acts))
	}
	if acts[0].ToolInput != fmt.Sprintf("<%d chars>", len(big)) {
		t.Errorf("tool input = %q", acts[0].ToolInput)
	}
	// The file path is still extracted from the original input.
	if acts[0].FilePath != "big.txt" {
		t.Errorf("file path = %q", acts[0].FilePath)
	}
}

func TestToolUseDuplicateDropped(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	submitPrompt(t, p, "s1", "x")

	env := &models.Envelope{SessionID: "s1", ToolName: "bash", ToolUseID: "tu-1", ToolOutput: "ok"}
	if _, err := p.Handle(ctx, models.EventPostToolUse, env); err != nil {
		t.Fatal(err)
	}
	resp, err := p.Handle(ctx, models.EventPostToolUse, env)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Detail != "duplicate" {
		t.Error("duplicate tool use not dropped")
	}
}

func TestToolUseCanceledThenRetriedIsCaptured(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	submitPrompt(t, p, "s1", "slow tool")

	env := &models.Envelope{SessionID: "s1", ToolName: "bash", ToolUseID: "tu-slow", ToolOutput: "ok"}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Handle(canceled, models.EventPostToolUse, env); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled delivery err = %v, want context.Canceled", err)
	}

	// The aborted delivery applied nothing, so the agent's retry must be
	// admitted and captured, not dropped as a duplicate.
	resp, err := p.Handle(ctx, models.EventPostToolUse, env)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Detail == "duplicate" {
		t.Fatal("retry dropped as duplicate")
	}
	if _, err := p.Handle(ctx, models.EventStop, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	recorded, err := st.HasToolUse(ctx, "tu-slow")
	if err != nil {
		t.Fatal(err)
	}
	if !recorded {
		t.Error("retried tool use not persisted")
	}
}

func TestDuplicateReplaysFirstResponse(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	startEnv := &models.Envelope{Agent: "claude", SessionID: "s1", Source: "startup"}
	firstStart, err := p.Handle(ctx, models.EventSessionStart, startEnv)
	if err != nil {
		t.Fatal(err)
	}
	replayStart, err := p.Handle(ctx, models.EventSessionStart, startEnv)
	if err != nil {
		t.Fatal(err)
	}
	if replayStart.Detail != "duplicate" {
		t.Fatalf("session-start replay detail = %q", replayStart.Detail)
	}
	if replayStart.InjectedContext != firstStart.InjectedContext {
		t.Errorf("replay injected = %q, first = %q", replayStart.InjectedContext, firstStart.InjectedContext)
	}

	promptEnv := &models.Envelope{Agent: "claude", SessionID: "s1", GenerationID: "g1", Prompt: "add caching"}
	first, err := p.Handle(ctx, models.EventPromptSubmit, promptEnv)
	if err != nil {
		t.Fatal(err)
	}
	replay, err := p.Handle(ctx, models.EventPromptSubmit, promptEnv)
	if err != nil {
		t.Fatal(err)
	}
	if replay.Detail != "duplicate" {
		t.Fatalf("prompt replay detail = %q", replay.Detail)
	}
	if replay.PromptBatchID != first.PromptBatchID || replay.PromptBatchID == 0 {
		t.Errorf("replay batch id = %d, first = %d", replay.PromptBatchID, first.PromptBatchID)
	}
	if replay.InjectedContext != first.InjectedContext {
		t.Errorf("replay injected = %q, first = %q", replay.InjectedContext, first.InjectedContext)
	}
	if replay.SessionID != "s1" {
		t.Errorf("replay session id = %q", replay.SessionID)
	}
}

func TestToolUseDuplicateSurvivesRestart(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	submitPrompt(t, p, "s1", "x")

	env := &models.Envelope{SessionID: "s1", ToolName: "bash", ToolUseID: "tu-1", ToolOutput: "ok"}
	if _, err := p.Handle(ctx, models.EventPostToolUse, env); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Handle(ctx, models.EventStop, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	// A fresh pipeline over the same store models a daemon restart: the
	// recency cache is empty but the activity row survives.
	cfg := config.Default(t.TempDir())
	restarted := New(Options{
		Store:       st,
		Dedupe:      dedupe.New(dedupe.Options{TTL: time.Minute, MaxSize: 100}),
		Queue:       &fakeQueue{},
		Config:      cfg.Pipeline,
		ProjectRoot: cfg.ProjectRoot,
	})
	resp, err := restarted.Handle(ctx, models.EventPostToolUse, env)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Detail != "duplicate" {
		t.Errorf("replay after restart detail = %q", resp.Detail)
	}
	n, err := st.CountActivities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("activities = %d, want 1", n)
	}
}

func TestToolFailureRecorded(t *testing.T) {
	p, st, _, injector := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "run tests")

	_, err := p.Handle(ctx, models.EventPostToolFail, &models.Envelope{
		SessionID: "s1", ToolName: "bash", ToolUseID: "tu-fail",
		ToolInput: `{"command":"go test"}`, ErrorMessage: "exit status 1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Handle(ctx, models.EventStop, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	acts, _ := st.BatchActivities(ctx, batchID)
	if len(acts) != 1 {
		t.Fatalf("acts = %d", len(acts))
	}
	if acts[0].Success || acts[0].ErrorMessage != "exit status 1" {
		t.Errorf("activity = %+v", acts[0])
	}
	if len(injector.files) != 0 {
		t.Error("failure event triggered injection")
	}

	sess, _ := st.GetSession(ctx, "s1")
	if sess.ErrorCount != 1 {
		t.Errorf("error count = %d", sess.ErrorCount)
	}
}

func TestFileTouchInjection(t *testing.T) {
	p, _, _, injector := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	submitPrompt(t, p, "s1", "read the store")

	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "read", ToolUseID: "tu-read",
		ToolInput: `{"file_path":"internal/store/store.go"}`, ToolOutput: "package store",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(injector.files) != 1 || injector.files[0] != "internal/store/store.go" {
		t.Errorf("file injections = %v", injector.files)
	}
}

func TestStopClosesBatchAndEnqueues(t *testing.T) {
	p, st, queue, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "do work")

	if _, err := p.Handle(ctx, models.EventStop, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	b, _ := st.GetBatch(ctx, batchID)
	if b.Status != models.BatchCompleted {
		t.Errorf("batch status = %s", b.Status)
	}
	if len(queue.batches) != 1 || queue.batches[0] != batchID {
		t.Errorf("enqueued = %v", queue.batches)
	}
}

func TestSessionEndFinalizes(t *testing.T) {
	p, st, queue, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "wrap up")
	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "bash", ToolUseID: "tu-1", ToolOutput: "done",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Handle(ctx, models.EventSessionEnd, &models.Envelope{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	sess, _ := st.GetSession(ctx, "s1")
	if sess.Status != models.SessionCompleted || sess.EndedAt == nil {
		t.Errorf("session = %+v", sess)
	}
	b, _ := st.GetBatch(ctx, batchID)
	if b.Status != models.BatchCompleted {
		t.Errorf("batch status = %s", b.Status)
	}
	acts, _ := st.BatchActivities(ctx, batchID)
	if len(acts) != 1 {
		t.Errorf("buffered activity not flushed: %d", len(acts))
	}
	if len(queue.summaries) != 1 || queue.summaries[0] != "s1" {
		t.Errorf("session summaries = %v", queue.summaries)
	}
}

func TestOrphanActivityWithoutBatch(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")

	// Tool use before any prompt lands without a batch.
	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "bash", ToolUseID: "tu-orphan", ToolOutput: "ok",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	orphans, err := st.OrphanActivities(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].ToolUseID != "tu-orphan" {
		t.Errorf("orphans = %v", orphans)
	}
}

func TestPlanPromptClassification(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	planDir := filepath.Join(p.projectRoot, ".claude", "plans")
	if err := os.MkdirAll(planDir, 0o755); err != nil {
		t.Fatal(err)
	}
	planPath := filepath.Join(planDir, "rollout.md")
	if err := os.WriteFile(planPath, []byte("# Rollout plan\n1. ship it"), 0o644); err != nil {
		t.Fatal(err)
	}

	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", ".claude/plans/rollout.md execute this plan")

	b, err := st.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if b.PromptSource != models.PromptPlan {
		t.Errorf("prompt source = %s", b.PromptSource)
	}

	obs, err := st.ListObservations(ctx, store.ObservationFilter{MemoryType: models.MemoryPlan})
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 || !strings.Contains(obs[0].Text, "Rollout plan") {
		t.Errorf("plan observations = %v", obs)
	}
}

func TestPlanFileWriteReclassifiesBatch(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")
	batchID := submitPrompt(t, p, "s1", "write a migration plan")

	_, err := p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
		SessionID: "s1", ToolName: "write", ToolUseID: "tu-plan",
		ToolInput: `{"file_path":".claude/plans/migrate.md","content":"# Migration\nstep 1"}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	b, _ := st.GetBatch(ctx, batchID)
	if b.PromptSource != models.PromptPlan {
		t.Errorf("prompt source = %s", b.PromptSource)
	}
	obs, err := st.ListObservations(ctx, store.ObservationFilter{MemoryType: models.MemoryPlan})
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 || obs[0].FilePath != ".claude/plans/migrate.md" {
		t.Errorf("plan observations = %+v", obs)
	}
}

func TestSubagentAndPreCompactMarkers(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()
	startSession(t, p, "s1")

	events := []struct {
		event models.HookEvent
		env   *models.Envelope
	}{
		{models.EventSubagentStart, &models.Envelope{SessionID: "s1", SubagentID: "sub-1"}},
		{models.EventSubagentStop, &models.Envelope{SessionID: "s1", SubagentID: "sub-1"}},
		{models.EventPreCompact, &models.Envelope{SessionID: "s1"}},
	}
	for _, e := range events {
		resp, err := p.Handle(ctx, e.event, e.env)
		if err != nil {
			t.Fatal(err)
		}
		if resp.InjectedContext != "" {
			t.Errorf("%s injected context", e.event)
		}
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := st.CountActivities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("marker activities = %d, want 3", n)
	}

	// Replayed subagent events are dropped.
	resp, err := p.Handle(ctx, models.EventSubagentStart, &models.Envelope{SessionID: "s1", SubagentID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Detail != "duplicate" {
		t.Error("subagent replay not dropped")
	}
}

func TestHandleRecoverableErrorReturnsOK(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	resp, err := p.Handle(context.Background(), models.EventPromptSubmit, &models.Envelope{
		Prompt: "no session id here",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Detail == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestConcurrentSessionsProceedIndependently(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		sid := fmt.Sprintf("s%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Handle(ctx, models.EventSessionStart, &models.Envelope{
				Agent: "claude", SessionID: sid, Source: "startup",
			})
			p.Handle(ctx, models.EventPromptSubmit, &models.Envelope{
				SessionID: sid, GenerationID: "g-" + sid, Prompt: "work for " + sid,
			})
			for j := 0; j < 3; j++ {
				p.Handle(ctx, models.EventPostToolUse, &models.Envelope{
					SessionID: sid, ToolName: "bash",
					ToolUseID: fmt.Sprintf("%s-tu-%d", sid, j), ToolOutput: "ok",
				})
			}
			p.Handle(ctx, models.EventSessionEnd, &models.Envelope{SessionID: sid})
		}()
	}
	wg.Wait()

	n, err := st.CountSessionsByStatus(ctx, models.SessionCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("completed sessions = %d, want 4", n)
	}
	total, err := st.CountActivities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 12 {
		t.Errorf("activities = %d, want 12", total)
	}
}
