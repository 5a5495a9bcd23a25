package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronofact/internal/core"
)

// =============================================================================
// PROVIDER CLIENTS
// =============================================================================

// Client is one structured-output LLM provider. CompleteStructured returns
// the raw JSON the model produced; decoding and validation happen in the
// Generator so every provider is held to the same contract.
type Client interface {
	CompleteStructured(ctx context.Context, systemPrompt, userPrompt string, schema *Schema) (json.RawMessage, error)
	Name() string
}

// VisionClient is implemented by providers that accept inline images.
type VisionClient interface {
	CompleteStructuredWithImage(ctx context.Context, systemPrompt, userPrompt string, image []byte, mimeType string, schema *Schema) (json.RawMessage, error)
}

// ClientConfig selects and configures a provider.
type ClientConfig struct {
	Provider        string // gemini, openai, mock
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
	Timeout         time.Duration
}

// maxTransportRetries bounds each provider's retries of transient transport
// failures (5xx, 429, broken connections). Validation retries are counted
// separately by the Generator.
const maxTransportRetries = 3

// NewClient creates the configured provider client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (Client, error) {
	logger = logger.Named("generator")
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg, logger), nil
	case "openai":
		return NewOpenAIClient(cfg, logger), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("%w: unknown generator provider %q", core.ErrInvalidRequest, cfg.Provider)
	}
}

// =============================================================================
// MOCK PROVIDER
// =============================================================================

// MockClient serves queued responses, or schema-derived minimal values when
// the queue is empty. It exists for offline development and tests.
type MockClient struct {
	mu    sync.Mutex
	queue []json.RawMessage
	calls int
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Push queues a response to be returned by the next call.
func (m *MockClient) Push(raw json.RawMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, raw)
	m.mu.Unlock()
}

// Calls reports how many completions were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) CompleteStructured(ctx context.Context, systemPrompt, userPrompt string, schema *Schema) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.queue) > 0 {
		raw := m.queue[0]
		m.queue = m.queue[1:]
		return raw, nil
	}
	value := synthesize(schema)
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("mock synthesis failed: %w", err)
	}
	return raw, nil
}

func (m *MockClient) Name() string { return "mock" }

// synthesize builds the smallest value conforming to the schema: required
// fields only, first enum value, numeric minimum, empty arrays.
func synthesize(schema *Schema) any {
	if schema == nil {
		return nil
	}
	switch schema.Type {
	case "object":
		obj := make(map[string]any, len(schema.Required))
		for _, req := range schema.Required {
			obj[req] = synthesize(schema.Properties[req])
		}
		return obj
	case "array":
		return []any{}
	case "string":
		if len(schema.Enum) > 0 {
			return schema.Enum[0]
		}
		return ""
	case "number", "integer":
		if schema.Minimum != nil {
			return *schema.Minimum
		}
		return 0
	case "boolean":
		return false
	}
	return nil
}
