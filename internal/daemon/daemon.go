// Package daemon wires the Oak components into a running process: config,
// stores, providers, pipeline, processor, recovery, and the HTTP server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/dedupe"
	"github.com/oakmemory/oak/internal/embeddings"
	embollama "github.com/oakmemory/oak/internal/embeddings/ollama"
	embopenai "github.com/oakmemory/oak/internal/embeddings/openai"
	"github.com/oakmemory/oak/internal/inject"
	"github.com/oakmemory/oak/internal/observability"
	"github.com/oakmemory/oak/internal/pipeline"
	"github.com/oakmemory/oak/internal/processor"
	"github.com/oakmemory/oak/internal/recovery"
	"github.com/oakmemory/oak/internal/retrieval"
	"github.com/oakmemory/oak/internal/server"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/summarizer"
	sumanthropic "github.com/oakmemory/oak/internal/summarizer/anthropic"
	sumopenai "github.com/oakmemory/oak/internal/summarizer/openai"
	"github.com/oakmemory/oak/internal/vector"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns every long-lived component and their shutdown order.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	vectors   *vector.Store
	pipeline  *pipeline.Pipeline
	processor *processor.Processor
	recovery  *recovery.Loop
	server    *server.Server

	port int
}

// New builds the daemon from config. Nothing starts running until Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Logging)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	vs, err := vector.Open(cfg.VectorDir())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	embedder, err := newEmbedder(cfg.Embeddings)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}
	sum, err := newSummarizer(cfg.Summarizer)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	proc := processor.New(processor.Options{
		Store: st, Vectors: vs, Embedder: embedder, Summarizer: sum,
		Logger: logger, Metrics: metrics, Config: cfg.Processor,
	})
	engine := retrieval.New(retrieval.Options{
		Store: st, Vectors: vs, Embedder: embedder,
		Logger: logger, Metrics: metrics, Config: cfg.Retrieval,
	})
	builder := inject.New(inject.Options{
		Engine: engine, Store: st, Vectors: vs, Logger: logger,
	})
	pipe := pipeline.New(pipeline.Options{
		Store: st,
		Dedupe: dedupe.New(dedupe.Options{
			TTL: cfg.Pipeline.DedupeTTL, MaxSize: cfg.Pipeline.DedupeSize,
		}),
		Queue: proc, Injector: builder,
		Logger: logger, Metrics: metrics,
		Config: cfg.Pipeline, ProjectRoot: cfg.ProjectRoot,
	})
	loop := recovery.New(recovery.Options{
		Store: st, Vectors: vs, Embedder: embedder,
		Flusher: pipe, Processor: proc,
		Logger: logger, Metrics: metrics,
		Config: cfg.Recovery, MaxRetries: cfg.Processor.MaxRetries,
	})
	srv := server.New(server.Options{
		Pipeline: pipe, Engine: engine, Store: st, Vectors: vs,
		Recovery: loop, Embedder: proc, Registry: registry, Logger: logger,
		Config: cfg.Server, ProjectRoot: cfg.ProjectRoot, DataDir: cfg.DataDir,
	})

	return &Daemon{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		store:     st,
		vectors:   vs,
		pipeline:  pipe,
		processor: proc,
		recovery:  loop,
		server:    srv,
	}, nil
}

// Port returns the bound port once Run has started the server.
func (d *Daemon) Port() int { return d.port }

// Run starts every background component and blocks until ctx is canceled,
// then shuts down cooperatively: stop accepting, flush buffers, drain
// workers, close stores.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.processor.Start(runCtx)
	go func() {
		if err := d.recovery.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("recovery loop exited", "error", err)
		}
	}()

	port, err := d.server.Start(runCtx)
	if err != nil {
		cancel()
		d.processor.Wait()
		d.closeStores()
		return err
	}
	d.port = port
	d.logger.Info("oak ready",
		"port", port, "project_root", d.cfg.ProjectRoot, "machine", d.store.MachineID())

	<-runCtx.Done()
	return d.shutdown(cancel)
}

func (d *Daemon) shutdown(cancel context.CancelFunc) error {
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("server shutdown", "error", err)
	}
	cancel()
	d.processor.Wait()

	// Buffered activities become orphans if lost here; flush them while the
	// store is still open.
	if err := d.pipeline.Flush(shutdownCtx); err != nil {
		d.logger.Warn("final flush", "error", err)
	}
	d.closeStores()
	d.logger.Info("oak stopped")
	return nil
}

func (d *Daemon) closeStores() {
	if err := d.vectors.Close(); err != nil {
		d.logger.Warn("close vector store", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store", "error", err)
	}
}

func newEmbedder(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return embollama.New(embollama.Config{BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	case "openai":
		return embopenai.New(embopenai.Config{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

func newSummarizer(cfg config.SummarizerConfig) (summarizer.Summarizer, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return sumanthropic.New(sumanthropic.Config{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL,
			Model: cfg.Model, MaxTokens: cfg.MaxTokens,
		})
	case "openai":
		return sumopenai.New(sumopenai.Config{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL,
			Model: cfg.Model, MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}
