// Package config defines the Oak daemon configuration and its loader.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/oakmemory/oak/internal/observability"
)

// Config is the root daemon configuration.
type Config struct {
	// ProjectRoot is the directory Oak observes. Data lives under
	// <ProjectRoot>/.oak unless DataDir overrides it.
	ProjectRoot string `yaml:"project_root"`
	DataDir     string `yaml:"data_dir"`

	Server     ServerConfig            `yaml:"server"`
	Logging    observability.LogConfig `yaml:"logging"`
	Pipeline   PipelineConfig          `yaml:"pipeline"`
	Processor  ProcessorConfig         `yaml:"processor"`
	Recovery   RecoveryConfig          `yaml:"recovery"`
	Embeddings EmbeddingsConfig        `yaml:"embeddings"`
	Summarizer SummarizerConfig        `yaml:"summarizer"`
	Retrieval  RetrievalConfig         `yaml:"retrieval"`
}

// ServerConfig configures the HTTP listener. Binding is loopback-only.
type ServerConfig struct {
	// Port of 0 derives the port deterministically from the project path.
	Port int `yaml:"port"`

	// ReservedPort is excluded from derivation (relay port).
	ReservedPort int `yaml:"reserved_port"`

	// AuthToken is the bearer token required on mutating endpoints. Empty
	// mints a random token at startup.
	AuthToken string `yaml:"auth_token"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PipelineConfig tunes ingestion normalization and buffering.
type PipelineConfig struct {
	// FlushThreshold is the buffered-activity count that forces a flush.
	FlushThreshold int `yaml:"flush_threshold"`

	// OutputSummaryBytes caps stored tool output.
	OutputSummaryBytes int `yaml:"output_summary_bytes"`

	// ToolInputBytes caps stored tool input before placeholder substitution.
	ToolInputBytes int `yaml:"tool_input_bytes"`

	// DedupeSize bounds the event fingerprint cache.
	DedupeSize int `yaml:"dedupe_size"`

	// DedupeTTL bounds the dedupe window by age.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`

	// PlanDirs are project-relative directories whose writes reclassify the
	// surrounding batch as a plan batch.
	PlanDirs []string `yaml:"plan_dirs"`
}

// ProcessorConfig tunes the batch processing workers.
type ProcessorConfig struct {
	Workers         int           `yaml:"workers"`
	ConfidenceFloor float64       `yaml:"confidence_floor"`
	MaxRetries      int           `yaml:"max_retries"`
	SummarizeTO     time.Duration `yaml:"summarize_timeout"`
	EmbedTO         time.Duration `yaml:"embed_timeout"`
}

// RecoveryConfig tunes the periodic recovery loop. Schedule, when set, is a
// standard cron expression and takes precedence over Interval.
type RecoveryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Schedule       string        `yaml:"schedule"`
	BatchStaleAge  time.Duration `yaml:"batch_stale_age"`
	SessionIdleAge time.Duration `yaml:"session_idle_age"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // ollama, openai
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// SummarizerConfig selects and configures the summarization LLM.
type SummarizerConfig struct {
	Provider  string `yaml:"provider"` // anthropic, openai
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// RetrievalConfig caps retrieval output per endpoint.
type RetrievalConfig struct {
	MaxCodeChunks    int `yaml:"max_code_chunks"`
	MaxCodeLines     int `yaml:"max_code_lines"`
	MaxMemories      int `yaml:"max_memories"`
	MaxSessions      int `yaml:"max_sessions"`
	OversampleFactor int `yaml:"oversample_factor"`
}

// Default returns the configuration defaults for the given project root.
func Default(projectRoot string) *Config {
	return &Config{
		ProjectRoot: projectRoot,
		DataDir:     filepath.Join(projectRoot, ".oak"),
		Server: ServerConfig{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: observability.LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Pipeline: PipelineConfig{
			FlushThreshold:     10,
			OutputSummaryBytes: 4096,
			ToolInputBytes:     8192,
			DedupeSize:         1000,
			DedupeTTL:          10 * time.Minute,
			PlanDirs:           []string{".claude/plans", ".cursor/plans"},
		},
		Processor: ProcessorConfig{
			Workers:         2,
			ConfidenceFloor: 0.7,
			MaxRetries:      3,
			SummarizeTO:     30 * time.Second,
			EmbedTO:         10 * time.Second,
		},
		Recovery: RecoveryConfig{
			Interval:       60 * time.Second,
			BatchStaleAge:  5 * time.Minute,
			SessionIdleAge: time.Hour,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
		Summarizer: SummarizerConfig{
			Provider:  "anthropic",
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 2048,
		},
		Retrieval: RetrievalConfig{
			MaxCodeChunks:    3,
			MaxCodeLines:     50,
			MaxMemories:      10,
			MaxSessions:      5,
			OversampleFactor: 3,
		},
	}
}

// Validate checks invariants the rest of the daemon relies on.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("project_root is required")
	}
	if c.Pipeline.FlushThreshold <= 0 {
		return fmt.Errorf("pipeline.flush_threshold must be positive")
	}
	if c.Processor.ConfidenceFloor < 0 || c.Processor.ConfidenceFloor > 1 {
		return fmt.Errorf("processor.confidence_floor must be in [0,1]")
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be positive")
	}
	switch c.Embeddings.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("embeddings.provider %q is not supported", c.Embeddings.Provider)
	}
	switch c.Summarizer.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("summarizer.provider %q is not supported", c.Summarizer.Provider)
	}
	return nil
}

// DatabasePath returns the relational store file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "oak.db")
}

// VectorDir returns the vector store directory.
func (c *Config) VectorDir() string {
	return filepath.Join(c.DataDir, "vectors")
}

// PortFilePath returns the port file location.
func (c *Config) PortFilePath() string {
	return filepath.Join(c.DataDir, "oak.port")
}

// PIDFilePath returns the PID file location.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.DataDir, "oak.pid")
}

// LogFilePath returns the daemon log file location.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "oak.log")
}
