// Package embedding provides the dense vector capabilities behind retrieval:
// a text engine (Ollama local or Google GenAI cloud) and a CLIP-style
// multimodal engine that embeds text and images into a shared space.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// =============================================================================
// TEXT ENGINE INTERFACE
// =============================================================================

// TextEngine generates dense vector embeddings for text.
type TextEngine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify their
// backing service is reachable before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	// Target dimensionality for text vectors. Engines whose models emit
	// wider vectors truncate and renormalize (Matryoshka-style).
	Dimensions int `json:"dimensions"`

	// Ollama configuration
	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	// GenAI configuration
	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`

	// TaskType for GenAI: "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT",
	// "SEMANTIC_SIMILARITY"
	TaskType string `json:"task_type"`

	// CLIP multimodal server
	CLIPEndpoint   string `json:"clip_endpoint"`
	CLIPModel      string `json:"clip_model"`
	CLIPDimensions int    `json:"clip_dimensions"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "genai",
		Dimensions:     384,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "text-embedding-004",
		TaskType:       "RETRIEVAL_QUERY",
		CLIPEndpoint:   "http://localhost:8089",
		CLIPModel:      "clip-vit-base-patch32",
		CLIPDimensions: 512,
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewTextEngine creates a text embedding engine based on configuration.
func NewTextEngine(cfg Config) (TextEngine, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimensions)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// =============================================================================
// VECTOR UTILITIES
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// Normalize scales a vector to unit length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	mag = math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
	return v
}

// truncate cuts a vector to dim and renormalizes. Models trained with
// Matryoshka representation keep their semantics under prefix truncation.
func truncate(v []float32, dim int) []float32 {
	if dim <= 0 || len(v) <= dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v[:dim])
	return Normalize(out)
}
