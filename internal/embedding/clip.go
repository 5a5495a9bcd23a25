package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"chronofact/internal/core"
)

// =============================================================================
// CLIP MULTIMODAL ENGINE
// =============================================================================

// MultimodalEngine projects texts and images into a shared vector space.
// Both modalities land in the same space, so a text query can retrieve
// image-bearing posts and vice versa.
type MultimodalEngine interface {
	// EmbedText embeds a text into the shared text/image space.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedImage embeds raw image bytes into the shared space.
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)

	// Dimensions returns the dimensionality of the shared space.
	Dimensions() int

	// Name returns a human-readable engine identifier.
	Name() string
}

// CLIPEngine calls a CLIP-compatible embedding sidecar over HTTP.
// Image embeddings are cached by content hash because the same media
// tends to recur across posts on a breaking topic.
type CLIPEngine struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
	cache    *vectorCache
}

// NewCLIPEngine creates a CLIP engine against the given sidecar endpoint.
func NewCLIPEngine(endpoint, model string, dims int) (*CLIPEngine, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("clip endpoint is required")
	}
	if model == "" {
		model = "clip-vit-base-patch32"
	}
	if dims <= 0 {
		dims = 512
	}

	return &CLIPEngine{
		endpoint: endpoint,
		model:    model,
		dims:     dims,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		cache: newVectorCache(100),
	}, nil
}

// EmbedText embeds a text into the shared space.
func (e *CLIPEngine) EmbedText(ctx context.Context, text string) ([]float32, error) {
	req := clipEmbedRequest{
		Model: e.model,
		Text:  text,
	}
	return e.post(ctx, "/embed/text", req)
}

// EmbedImage embeds raw image bytes into the shared space.
// Results are cached by SHA-256 of the bytes.
func (e *CLIPEngine) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", core.ErrInvalidRequest)
	}

	key := sha256.Sum256(image)
	if vec, ok := e.cache.get(key); ok {
		return vec, nil
	}

	req := clipEmbedRequest{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(image),
	}
	vec, err := e.post(ctx, "/embed/image", req)
	if err != nil {
		return nil, err
	}

	e.cache.put(key, vec)
	return vec, nil
}

// Dimensions returns the dimensionality of the shared space.
func (e *CLIPEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *CLIPEngine) Name() string {
	return fmt.Sprintf("clip:%s", e.model)
}

// HealthCheck verifies the sidecar is reachable.
func (e *CLIPEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: clip sidecar unreachable: %v", core.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: clip sidecar returned status %d", core.ErrEmbeddingUnavailable, resp.StatusCode)
	}
	return nil
}

func (e *CLIPEngine) post(ctx context.Context, path string, req clipEmbedRequest) ([]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: clip request: %v", core.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: clip returned status %d: %s", core.ErrEmbeddingUnavailable, resp.StatusCode, string(bodyBytes))
	}

	var result clipEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode clip response: %v", core.ErrEmbeddingUnavailable, err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: clip returned empty embedding", core.ErrEmbeddingUnavailable)
	}

	return truncate(result.Embedding, e.dims), nil
}

// =============================================================================
// CLIP API TYPES
// =============================================================================

type clipEmbedRequest struct {
	Model string `json:"model"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type clipEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// =============================================================================
// IMAGE EMBEDDING CACHE
// =============================================================================

// vectorCache is a small LRU keyed by content hash. Eviction is oldest-first.
type vectorCache struct {
	mu      sync.Mutex
	cap     int
	entries map[[32]byte][]float32
	order   [][32]byte
}

func newVectorCache(cap int) *vectorCache {
	return &vectorCache{
		cap:     cap,
		entries: make(map[[32]byte][]float32, cap),
	}
}

func (c *vectorCache) get(key [32]byte) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.touch(key)
	return vec, true
}

func (c *vectorCache) put(key [32]byte, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = vec
		c.touch(key)
		return
	}

	for len(c.entries) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = vec
	c.order = append(c.order, key)
}

// touch moves key to the most-recently-used end.
func (c *vectorCache) touch(key [32]byte) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}
