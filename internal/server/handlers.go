package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/oakmemory/oak/internal/retrieval"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// handleHook decodes the envelope and dispatches to the pipeline. Hook
// callers must never block on daemon problems: malformed bodies and
// recoverable errors all come back as 200 {status:"ok"} with a detail.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request, event models.HookEvent) {
	if !requirePost(w, r) {
		return
	}
	var env models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.logger.Warn("malformed hook payload", "event", string(event), "error", err)
		writeJSON(w, http.StatusOK, &models.HookResponse{Status: "ok", Detail: "malformed payload"})
		return
	}

	// An accepted event must be applied even when the hook client times out
	// and retries; capture runs detached from the request's cancellation.
	resp, err := s.pipeline.Handle(context.WithoutCancel(r.Context()), event, &env)
	if err != nil {
		// Only context cancellation propagates out of the pipeline.
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if event == models.EventSessionStart {
		resp.ProjectRoot = s.projectRoot
		if coll, err := s.vectors.Collection(vector.CollectionCode, 0); err == nil {
			resp.IndexedChunks, _ = coll.Count()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status    string                `json:"status"`
	MachineID string                `json:"machine_id"`
	Store     *store.AggregateStats `json:"store"`
	Memory    int64                 `json:"memory_entries"`
	Code      int64                 `json:"code_chunks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := &statusResponse{Status: "ok", MachineID: s.store.MachineID(), Store: stats}
	if coll, err := s.vectors.Collection(vector.CollectionMemory, 0); err == nil {
		resp.Memory, _ = coll.Count()
	}
	if coll, err := s.vectors.Collection(vector.CollectionCode, 0); err == nil {
		resp.Code, _ = coll.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query         string `json:"query"`
	SearchType    string `json:"search_type,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	MinConfidence string `json:"min_confidence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed search request")
		return
	}
	result, err := s.engine.Search(r.Context(), retrieval.Query{
		Text:          req.Query,
		Type:          models.SearchType(req.SearchType),
		FilePath:      req.FilePath,
		MinConfidence: models.Confidence(req.MinConfidence),
		Limit:         req.Limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type fetchRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	obs, err := s.store.GetObservation(r.Context(), req.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no observation with that id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

type rememberRequest struct {
	Text       string   `json:"text"`
	MemoryType string   `json:"memory_type"`
	FilePath   string   `json:"file_path,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// handleRemember stores a caller-authored observation and embeds it
// synchronously so it is searchable on return.
func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed remember request")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	mt := models.MemoryType(req.MemoryType)
	if req.MemoryType == "" {
		mt = models.MemoryDiscovery
	}
	if !models.ValidMemoryType(mt) {
		writeError(w, http.StatusBadRequest, "unknown memory_type "+req.MemoryType)
		return
	}

	obs := &models.Observation{
		Text:            text,
		MemoryType:      mt,
		FilePath:        req.FilePath,
		Tags:            req.Tags,
		SourceSessionID: req.SessionID,
	}
	if err := s.store.InsertObservation(r.Context(), obs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.embedder.EmbedObservation(r.Context(), obs); err != nil {
		// The row is durable; recovery finishes the replica.
		s.logger.Warn("remember embed deferred", "observation", obs.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, obs)
}

// Devtools

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	n, err := s.recovery.RebuildIndex(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rebuilt": n})
}

func (s *Server) handleRebuildMemories(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	n, err := s.recovery.RebuildMemories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rebuilt": n})
}

type resetRequest struct {
	DeleteDerived bool `json:"delete_derived,omitempty"`
}

func (s *Server) handleResetProcessing(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req resetRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means defaults
	}
	res, err := s.recovery.ResetProcessing(r.Context(), req.DeleteDerived)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTriggerProcessing(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.recovery.RunOnce(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Backup / restore

type backupRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	path, err := s.resolveProjectPath(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	if err := s.store.Export(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	path, err := s.resolveProjectPath(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer f.Close()
	if err := s.store.Restore(r.Context(), f, store.RestoreOptions{Force: req.Force}); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrMachineMismatch) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
}

// resolveProjectPath rejects any path outside the project root.
func (s *Server) resolveProjectPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.projectRoot, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.projectRoot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes project root")
	}
	return p, nil
}
