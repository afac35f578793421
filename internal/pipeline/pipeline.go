// Package pipeline implements the session state machine behind the hook
// endpoints: session and batch lifecycle, activity buffering, deduplication,
// plan detection, and context injection. All transitions are serialized per
// session; sessions proceed independently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/dedupe"
	"github.com/oakmemory/oak/internal/observability"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/pkg/models"
)

// Queue receives batches that are ready for summarization. The processor
// implements it.
type Queue interface {
	// Enqueue stages a completed batch for processing.
	Enqueue(batchID int64)

	// EnqueueSessionSummary schedules an asynchronous session summary after
	// session-end.
	EnqueueSessionSummary(sessionID string)
}

// Injector produces the injected_context string for context-producing
// events. The retrieval engine implements it; a nil Injector disables
// injection without disabling capture.
type Injector interface {
	SessionStart(ctx context.Context, sessionID string) (string, error)
	PromptSubmit(ctx context.Context, prompt string) (string, error)
	FileTouch(ctx context.Context, filePath, outputExcerpt, promptExcerpt string) (string, error)
}

// Pipeline is the hook event dispatcher.
type Pipeline struct {
	store    *store.Store
	dedupe   *dedupe.Cache
	queue    Queue
	injector Injector
	locks    *lockManager
	buffer   *activityBuffer
	logger   *slog.Logger
	metrics  *observability.Metrics

	cfg         config.PipelineConfig
	projectRoot string
}

// Options wires the pipeline's collaborators.
type Options struct {
	Store       *store.Store
	Dedupe      *dedupe.Cache
	Queue       Queue
	Injector    Injector
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Config      config.PipelineConfig
	ProjectRoot string
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       opts.Store,
		dedupe:      opts.Dedupe,
		queue:       opts.Queue,
		injector:    opts.Injector,
		locks:       newLockManager(),
		buffer:      newActivityBuffer(),
		logger:      logger.With("component", "pipeline"),
		metrics:     opts.Metrics,
		cfg:         opts.Config,
		projectRoot: opts.ProjectRoot,
	}
}

// Handle dispatches one hook event. Hook callers must never be blocked by
// daemon-side failures, so Handle returns an ok envelope with a detail string
// on recoverable errors; the error return is reserved for context
// cancellation.
func (p *Pipeline) Handle(ctx context.Context, event models.HookEvent, env *models.Envelope) (*models.HookResponse, error) {
	resp, err := p.dispatch(ctx, event, env)
	switch {
	case err == nil:
		p.countEvent(event, "ok")
		return resp, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.countEvent(event, "canceled")
		return nil, err
	default:
		p.countEvent(event, "error")
		p.logger.Error("hook event failed", "event", string(event), "error", err)
		return &models.HookResponse{
			Status: "ok",
			Detail: fmt.Sprintf("event dropped: %v", err),
		}, nil
	}
}

func (p *Pipeline) dispatch(ctx context.Context, event models.HookEvent, env *models.Envelope) (*models.HookResponse, error) {
	switch event {
	case models.EventSessionStart:
		return p.handleSessionStart(ctx, env)
	case models.EventPromptSubmit:
		return p.handlePromptSubmit(ctx, env)
	case models.EventPostToolUse:
		return p.handleToolUse(ctx, env, true)
	case models.EventPostToolFail:
		return p.handleToolUse(ctx, env, false)
	case models.EventStop:
		return p.handleStop(ctx, env)
	case models.EventSessionEnd:
		return p.handleSessionEnd(ctx, env)
	case models.EventSubagentStart, models.EventSubagentStop:
		return p.handleSubagent(ctx, event, env)
	case models.EventPreCompact:
		return p.handlePreCompact(ctx, env)
	case models.EventNotify:
		return p.handleNotify(ctx, env)
	default:
		return nil, fmt.Errorf("unknown hook event %q", event)
	}
}

func (p *Pipeline) handleSessionStart(ctx context.Context, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		sid = uuid.NewString()
	}

	// Session-start fingerprints include the agent label: dual-hook agents
	// fire the event once per label and the latest label must win.
	fp := dedupe.SessionStartKey(sid, env.Agent, env.Source)
	if cached, ok := p.dedupe.Lookup(fp); ok {
		return duplicateResponse(sid, cached), nil
	}

	release, err := p.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer release()

	source := models.SessionSource(env.Source)
	if source == "" {
		source = models.SourceStartup
	}
	sess, created, err := p.store.GetOrCreateSession(ctx, sid, env.Agent, source, time.Now())
	if err != nil {
		return nil, err
	}
	if created && p.metrics != nil {
		p.metrics.ActiveSessions.Inc()
	}

	resp := &models.HookResponse{
		Status:      "ok",
		SessionID:   sess.ID,
		ProjectRoot: p.projectRoot,
	}

	// Fresh starts get prior knowledge; resume and compact restarts already
	// carry their context.
	if (source == models.SourceStartup || source == models.SourceClear) && p.injector != nil {
		injected, err := p.injector.SessionStart(ctx, sess.ID)
		if err != nil {
			p.logger.Warn("session-start injection failed", "session", sess.ID, "error", err)
		} else {
			resp.InjectedContext = injected
		}
	}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handlePromptSubmit(ctx context.Context, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return nil, fmt.Errorf("prompt-submit without session_id")
	}
	fp := dedupe.PromptSubmitKey(sid, env.GenerationID, env.Prompt)
	if cached, ok := p.dedupe.Lookup(fp); ok {
		return duplicateResponse(sid, cached), nil
	}

	release, err := p.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	if _, _, err := p.store.GetOrCreateSession(ctx, sid, env.Agent, models.SourceStartup, now); err != nil {
		return nil, err
	}

	// A new prompt supersedes the in-flight batch.
	if err := p.closeActiveBatch(ctx, sid, now); err != nil {
		return nil, err
	}

	source, planContent := classifyPrompt(p.projectRoot, p.cfg.PlanDirs, env)
	batch := &models.PromptBatch{
		SessionID:    sid,
		PromptText:   env.Prompt,
		PromptSource: source,
		GenerationID: env.GenerationID,
		CreatedAt:    now,
	}
	if err := p.store.OpenBatch(ctx, batch); err != nil {
		return nil, err
	}
	if planContent != "" {
		if err := p.storePlanObservation(ctx, sid, batch.ID, planPathFromPrompt(env.Prompt), planContent); err != nil {
			p.logger.Warn("plan capture failed", "session", sid, "error", err)
		}
	}
	if err := p.store.TouchSession(ctx, sid, now); err != nil {
		return nil, err
	}

	resp := &models.HookResponse{
		Status:        "ok",
		SessionID:     sid,
		PromptBatchID: batch.ID,
	}
	if p.injector != nil {
		injected, err := p.injector.PromptSubmit(ctx, env.Prompt)
		if err != nil {
			p.logger.Warn("prompt-submit injection failed", "session", sid, "error", err)
		} else {
			resp.InjectedContext = injected
		}
	}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handleToolUse(ctx context.Context, env *models.Envelope, success bool) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return nil, fmt.Errorf("tool event without session_id")
	}
	fp := ""
	toolUseID := env.ToolUseID
	if toolUseID == "" {
		toolUseID = uuid.NewString()
	} else {
		fp = dedupe.ToolUseKey(toolUseID)
		if cached, ok := p.dedupe.Lookup(fp); ok {
			return duplicateResponse(sid, cached), nil
		}
	}

	release, err := p.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer release()

	// The recency cache dies with the process. The stored tool_use_id is the
	// durable duplicate check for deliveries that straddle a restart.
	if env.ToolUseID != "" {
		recorded, err := p.store.HasToolUse(ctx, toolUseID)
		if err != nil {
			return nil, err
		}
		if recorded {
			return duplicateResponse(sid, nil), nil
		}
	}

	now := time.Now()
	if _, _, err := p.store.GetOrCreateSession(ctx, sid, env.Agent, models.SourceStartup, now); err != nil {
		return nil, err
	}

	output, err := normalizeToolOutput(env, p.cfg.OutputSummaryBytes)
	if err != nil {
		return nil, err
	}
	filePath := extractFilePath(env.ToolInput)

	activity := &models.Activity{
		SessionID:     sid,
		ToolName:      env.ToolName,
		ToolUseID:     toolUseID,
		ToolInput:     normalizeToolInput(env.ToolInput, p.cfg.ToolInputBytes),
		OutputSummary: output,
		FilePath:      filePath,
		Success:       success,
		ErrorMessage:  env.ErrorMessage,
		Timestamp:     now,
	}

	active, err := p.store.ActiveBatch(ctx, sid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if active != nil {
		activity.BatchID = &active.ID
	}

	// A write under a plan directory reclassifies the surrounding batch.
	if success && active != nil && isFileWritingTool(env.ToolName) && isPlanFile(p.projectRoot, p.cfg.PlanDirs, filePath) {
		content := extractFileContent(env.ToolInput)
		if err := p.store.MarkBatchPlan(ctx, active.ID, content); err != nil {
			return nil, err
		}
		if content != "" {
			if err := p.storePlanObservation(ctx, sid, active.ID, filePath, content); err != nil {
				p.logger.Warn("plan capture failed", "session", sid, "error", err)
			}
		}
	}

	if depth := p.buffer.Append(activity); depth >= p.cfg.FlushThreshold {
		if err := p.flushSession(ctx, sid); err != nil {
			return nil, err
		}
	}
	if err := p.store.TouchSession(ctx, sid, now); err != nil {
		return nil, err
	}

	resp := &models.HookResponse{Status: "ok", SessionID: sid}
	if success && p.injector != nil && isFileTouchingTool(env.ToolName) && filePath != "" {
		promptExcerpt := ""
		if active != nil {
			promptExcerpt = truncate(active.PromptText, 200)
		}
		injected, err := p.injector.FileTouch(ctx, filePath, truncate(output, 300), promptExcerpt)
		if err != nil {
			p.logger.Warn("file-touch injection failed", "session", sid, "error", err)
		} else {
			resp.InjectedContext = injected
		}
	}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handleStop(ctx context.Context, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return nil, fmt.Errorf("stop without session_id")
	}

	release, err := p.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer release()

	active, err := p.store.ActiveBatch(ctx, sid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	fp := ""
	if active != nil {
		fp = dedupe.StopKey(active.ID)
		if cached, ok := p.dedupe.Lookup(fp); ok {
			return duplicateResponse(sid, cached), nil
		}
	}

	if err := p.flushSession(ctx, sid); err != nil {
		return nil, err
	}
	if active != nil {
		if err := p.store.CloseBatch(ctx, active.ID, time.Now()); err != nil {
			return nil, err
		}
		p.queue.Enqueue(active.ID)
	}
	resp := &models.HookResponse{Status: "ok", SessionID: sid}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handleSessionEnd(ctx context.Context, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return nil, fmt.Errorf("session-end without session_id")
	}
	fp := dedupe.SessionEndKey(sid)
	if cached, ok := p.dedupe.Lookup(fp); ok {
		return duplicateResponse(sid, cached), nil
	}

	release, err := p.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	if err := p.flushSession(ctx, sid); err != nil {
		return nil, err
	}
	if err := p.closeActiveBatch(ctx, sid, now); err != nil {
		return nil, err
	}
	if err := p.store.CompleteSession(ctx, sid, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ActiveSessions.Dec()
	}
	p.queue.EnqueueSessionSummary(sid)
	resp := &models.HookResponse{Status: "ok", SessionID: sid}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handleSubagent(ctx context.Context, event models.HookEvent, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return nil, fmt.Errorf("%s without session_id", event)
	}
	fp := dedupe.SubagentKey(event, env.SubagentID)
	if cached, ok := p.dedupe.Lookup(fp); ok {
		return duplicateResponse(sid, cached), nil
	}
	resp, err := p.recordMarker(ctx, sid, env.Agent, string(event), "subagent "+env.SubagentID)
	if err != nil {
		return nil, err
	}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handlePreCompact(ctx context.Context, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return nil, fmt.Errorf("pre-compact without session_id")
	}
	fp := dedupe.PreCompactKey(sid)
	if cached, ok := p.dedupe.Lookup(fp); ok {
		return duplicateResponse(sid, cached), nil
	}
	resp, err := p.recordMarker(ctx, sid, env.Agent, "pre-compact", "context compaction imminent")
	if err != nil {
		return nil, err
	}
	p.dedupe.Record(fp, resp)
	return resp, nil
}

func (p *Pipeline) handleNotify(ctx context.Context, env *models.Envelope) (*models.HookResponse, error) {
	sid := env.EffectiveSessionID()
	if sid == "" {
		return &models.HookResponse{Status: "ok"}, nil
	}
	summary := truncate(env.LastAssistantMessage, p.cfg.OutputSummaryBytes)
	return p.recordMarker(ctx, sid, env.Agent, "notify", summary)
}

// recordMarker captures a lightweight lifecycle activity with no injection.
func (p *Pipeline) recordMarker(ctx context.Context, sid, agent, name, summary string) (*models.HookResponse, error) {
	release, err := p.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	if _, _, err := p.store.GetOrCreateSession(ctx, sid, agent, models.SourceStartup, now); err != nil {
		return nil, err
	}

	activity := &models.Activity{
		SessionID:     sid,
		ToolName:      name,
		ToolUseID:     uuid.NewString(),
		OutputSummary: summary,
		Success:       true,
		Timestamp:     now,
	}
	active, err := p.store.ActiveBatch(ctx, sid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if active != nil {
		activity.BatchID = &active.ID
	}

	if depth := p.buffer.Append(activity); depth >= p.cfg.FlushThreshold {
		if err := p.flushSession(ctx, sid); err != nil {
			return nil, err
		}
	}
	if err := p.store.TouchSession(ctx, sid, now); err != nil {
		return nil, err
	}
	return &models.HookResponse{Status: "ok", SessionID: sid}, nil
}

// closeActiveBatch flushes the buffer, completes the session's active batch
// if one exists, and stages it for processing.
func (p *Pipeline) closeActiveBatch(ctx context.Context, sid string, now time.Time) error {
	if err := p.flushSession(ctx, sid); err != nil {
		return err
	}
	active, err := p.store.ActiveBatch(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	if err := p.store.CloseBatch(ctx, active.ID, now); err != nil {
		return err
	}
	p.queue.Enqueue(active.ID)
	return nil
}

// flushSession persists the session's buffered activities.
func (p *Pipeline) flushSession(ctx context.Context, sid string) error {
	return p.insertActivities(ctx, p.buffer.Drain(sid))
}

// Flush persists every buffered activity. Called by recovery passes and on
// shutdown.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.insertActivities(ctx, p.buffer.DrainAll())
}

func (p *Pipeline) insertActivities(ctx context.Context, acts []*models.Activity) error {
	if len(acts) == 0 {
		return nil
	}
	err := p.store.BulkInsertActivities(ctx, acts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrDuplicateToolUse) {
		return err
	}
	// The bulk path rejects the whole transaction on one duplicate; replay
	// row by row so the rest of the buffer is not lost.
	for _, a := range acts {
		if err := p.store.InsertActivity(ctx, a); err != nil {
			if errors.Is(err, store.ErrDuplicateToolUse) {
				continue
			}
			return err
		}
	}
	return nil
}

// storePlanObservation captures plan content as a plan-typed observation.
// The row lands with embedded=false; the embedding repair pass replicates it
// into the vector store.
func (p *Pipeline) storePlanObservation(ctx context.Context, sid string, batchID int64, filePath, content string) error {
	obs := &models.Observation{
		Text:            truncate(content, maxPlanBytes),
		MemoryType:      models.MemoryPlan,
		SourceSessionID: sid,
		SourceBatchID:   &batchID,
		FilePath:        filePath,
	}
	return p.store.InsertObservation(ctx, obs)
}

// duplicateResponse replays the response served for the first delivery, so a
// retry observes the same batch id and injected context it would have gotten.
// With nothing recorded (a duplicate detected against the store after a
// restart) only the acknowledgement survives.
func duplicateResponse(sid string, recorded any) *models.HookResponse {
	cached, _ := recorded.(*models.HookResponse)
	if cached == nil {
		return &models.HookResponse{Status: "ok", Detail: "duplicate", SessionID: sid}
	}
	dup := *cached
	dup.Detail = "duplicate"
	return &dup
}

func (p *Pipeline) countEvent(event models.HookEvent, outcome string) {
	if p.metrics != nil {
		p.metrics.EventsIngested.WithLabelValues(string(event), outcome).Inc()
	}
}

// planPathFromPrompt returns the plan file path referenced at the head of a
// plan prompt.
func planPathFromPrompt(prompt string) string {
	fields := []rune{}
	for _, r := range prompt {
		if r == ' ' || r == '\n' || r == '\t' {
			break
		}
		fields = append(fields, r)
	}
	return string(fields)
}
