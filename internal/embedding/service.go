// Package embedding provides text and joint (text↔image space)
// embedding generation behind a single provider-agnostic interface.
// Providers are injected capabilities, never process-wide globals, so
// tests substitute fakes trivially.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Client is the interface for embedding API clients
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider   string // "openai" | "ollama"
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

// ProviderError wraps a failure from an embedding provider. Ingestion
// treats it as fatal for the current source; already-upserted records
// stay behind for reconciliation.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Service provides embedding generation functionality
type Service struct {
	cfg    Config
	client Client
}

// NewService creates a new embedding service
func NewService(cfg Config) (*Service, error) {
	svc := &Service{cfg: cfg}

	var client Client
	var err error

	switch cfg.Provider {
	case "openai":
		client, err = NewOpenAIClient(cfg)
	case "ollama":
		client, err = NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	svc.client = client
	return svc, nil
}

// NewServiceWithClient wires a service around an existing client.
// Used by tests and by callers that construct clients directly.
func NewServiceWithClient(cfg Config, client Client) *Service {
	return &Service{cfg: cfg, client: client}
}

// Embed generates an embedding for a single text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	vec, err := s.client.Embed(ctx, text)
	if err != nil {
		return nil, &ProviderError{Provider: s.cfg.Provider, Err: err}
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts. Empty texts are
// filtered before the provider call and come back as nil slots.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	validTexts := make([]string, 0, len(texts))
	validIndices := make([]int, 0, len(texts))
	for i, text := range texts {
		if text != "" {
			validTexts = append(validTexts, text)
			validIndices = append(validIndices, i)
		}
	}

	if len(validTexts) == 0 {
		return nil, fmt.Errorf("no valid texts to embed")
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	results := make([][]float32, len(texts))

	for i := 0; i < len(validTexts); i += batchSize {
		end := i + batchSize
		if end > len(validTexts) {
			end = len(validTexts)
		}

		batch := validTexts[i:end]
		embeddings, err := s.client.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, &ProviderError{Provider: s.cfg.Provider, Err: fmt.Errorf("batch %d-%d: %w", i, end, err)}
		}

		// Map results back to original indices
		for j, emb := range embeddings {
			results[validIndices[i+j]] = emb
		}
	}

	return results, nil
}

// Dimensions returns the dimension of the embeddings
func (s *Service) Dimensions() int {
	if s.cfg.Dimensions > 0 {
		return s.cfg.Dimensions
	}
	return s.client.Dimensions()
}

// Similarity computes cosine similarity between two vectors
func Similarity(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("vector dimension mismatch: %d vs %d", len(a), len(b)))
	}

	var dotProduct float32
	var normA float32
	var normB float32

	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// L2Distance computes L2 (Euclidean) distance between two vectors
func L2Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("vector dimension mismatch: %d vs %d", len(a), len(b)))
	}

	var sum float32
	for i := 0; i < len(a); i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}

	return float32(math.Sqrt(float64(sum)))
}

// NormalizeL2 scales a vector to unit length in place. Joint-space
// vectors are normalized before indexing so squared L2 distances stay
// within the [0,4] range the retrieval threshold assumes.
func NormalizeL2(vec []float32) {
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range vec {
		vec[i] *= inv
	}
}
