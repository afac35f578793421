// Package server exposes the daemon's HTTP surface: the hook ingestion
// endpoints, the retrieval API, operator devtools, and backup/restore.
// Binding is loopback-only; mutating endpoints require the bearer token
// written to the data dir at startup.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/pipeline"
	"github.com/oakmemory/oak/internal/recovery"
	"github.com/oakmemory/oak/internal/retrieval"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// ConfirmHeader must carry "yes" on devtools requests. It keeps a stray
// dashboard click or replayed request from wiping derived state.
const ConfirmHeader = "X-Oak-Confirm"

// ObservationEmbedder writes the vector replica for one observation. The
// processor implements it; /api/remember embeds synchronously through it.
type ObservationEmbedder interface {
	EmbedObservation(ctx context.Context, obs *models.Observation) error
}

// Server is the daemon's HTTP front end.
type Server struct {
	pipeline *pipeline.Pipeline
	engine   *retrieval.Engine
	store    *store.Store
	vectors  *vector.Store
	recovery *recovery.Loop
	embedder ObservationEmbedder
	registry *prometheus.Registry
	logger   *slog.Logger

	cfg         config.ServerConfig
	projectRoot string
	dataDir     string
	token       string

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
}

// Options wires the server's collaborators.
type Options struct {
	Pipeline *pipeline.Pipeline
	Engine   *retrieval.Engine
	Store    *store.Store
	Vectors  *vector.Store
	Recovery *recovery.Loop
	Embedder ObservationEmbedder
	Registry *prometheus.Registry
	Logger   *slog.Logger

	Config      config.ServerConfig
	ProjectRoot string
	DataDir     string
}

// New creates the server and mints the auth token when the config leaves it
// empty.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token := opts.Config.AuthToken
	if token == "" {
		token = uuid.NewString()
	}
	s := &Server{
		pipeline:    opts.Pipeline,
		engine:      opts.Engine,
		store:       opts.Store,
		vectors:     opts.Vectors,
		recovery:    opts.Recovery,
		embedder:    opts.Embedder,
		registry:    opts.Registry,
		logger:      logger.With("component", "server"),
		cfg:         opts.Config,
		projectRoot: opts.ProjectRoot,
		dataDir:     opts.DataDir,
		token:       token,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Token returns the bearer token accepted on mutating endpoints.
func (s *Server) Token() string { return s.token }

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func (s *Server) routes() {
	hook := func(event models.HookEvent) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.handleHook(w, r, event)
		}
	}
	s.mux.HandleFunc("/api/oak/ci/session-start", hook(models.EventSessionStart))
	s.mux.HandleFunc("/api/oak/ci/prompt-submit", hook(models.EventPromptSubmit))
	s.mux.HandleFunc("/api/oak/ci/post-tool-use", hook(models.EventPostToolUse))
	s.mux.HandleFunc("/api/oak/ci/post-tool-use-failure", hook(models.EventPostToolFail))
	s.mux.HandleFunc("/api/oak/ci/stop", hook(models.EventStop))
	s.mux.HandleFunc("/api/oak/ci/session-end", hook(models.EventSessionEnd))
	s.mux.HandleFunc("/api/oak/ci/subagent-start", hook(models.EventSubagentStart))
	s.mux.HandleFunc("/api/oak/ci/subagent-stop", hook(models.EventSubagentStop))
	s.mux.HandleFunc("/api/oak/ci/pre-compact", hook(models.EventPreCompact))
	s.mux.HandleFunc("/api/oak/ci/notify", hook(models.EventNotify))

	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	if s.registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("/api/search", s.handleSearch)
	s.mux.HandleFunc("/api/fetch", s.handleFetch)
	s.mux.HandleFunc("/api/remember", s.requireAuth(s.handleRemember))

	s.mux.HandleFunc("/api/devtools/rebuild-index", s.requireAuth(s.requireConfirm(s.handleRebuildIndex)))
	s.mux.HandleFunc("/api/devtools/rebuild-memories", s.requireAuth(s.requireConfirm(s.handleRebuildMemories)))
	s.mux.HandleFunc("/api/devtools/reset-processing", s.requireAuth(s.requireConfirm(s.handleResetProcessing)))
	s.mux.HandleFunc("/api/devtools/trigger-processing", s.requireAuth(s.requireConfirm(s.handleTriggerProcessing)))

	s.mux.HandleFunc("/api/backup/export", s.requireAuth(s.handleBackup))
	s.mux.HandleFunc("/api/restore/import", s.requireAuth(s.handleRestore))
}

// Start binds the loopback listener, writes the port and PID files, and
// serves until Shutdown.
func (s *Server) Start(ctx context.Context) (int, error) {
	port := s.cfg.Port
	if port == 0 {
		port = DerivePort(s.projectRoot, s.cfg.ReservedPort)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	port = listener.Addr().(*net.TCPAddr).Port

	if err := writeRuntimeFiles(s.dataDir, port, s.token); err != nil {
		listener.Close()
		return 0, err
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("listening", "addr", addr)
	return port, nil
}

// Shutdown drains in-flight requests and removes the runtime files.
func (s *Server) Shutdown(ctx context.Context) error {
	defer removeRuntimeFiles(s.dataDir)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireConfirm(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get(ConfirmHeader), "yes") {
			writeError(w, http.StatusPreconditionRequired,
				fmt.Sprintf("destructive operation requires %s: yes", ConfirmHeader))
			return
		}
		next(w, r)
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	return true
}

// JSON helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"status": "error", "detail": detail})
}
