// Package embeddings defines the embedding provider interface shared by the
// memory and code collections. Both collections must use the same provider so
// their vectors are comparable dimensionally.
package embeddings

import (
	"context"
)

// Provider turns text into dense vectors.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name for logging and metrics.
	Name() string

	// Dimension returns the embedding dimensionality for the configured
	// model. The vector store tags collections with this value.
	Dimension() int
}
