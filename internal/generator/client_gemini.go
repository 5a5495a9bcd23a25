package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronofact/internal/core"
)

// =============================================================================
// GEMINI PROVIDER
// =============================================================================

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel   = "gemini-2.0-flash"
	geminiMinInterval    = 100 * time.Millisecond
)

// GeminiClient talks to the Gemini REST API directly. Structured output is
// requested through generationConfig's response schema, so the model returns
// raw JSON conforming to our schemas without post-hoc extraction.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	httpClient      *http.Client
	logger          *zap.Logger

	// retryBaseDelay is the unit for exponential backoff. Tests shrink it.
	retryBaseDelay time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(cfg ClientConfig, logger *zap.Logger) *GeminiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &GeminiClient{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(baseURL, "/"),
		model:           model,
		maxOutputTokens: maxTokens,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
		retryBaseDelay:  time.Second,
	}
}

func (c *GeminiClient) Name() string { return "gemini" }

// Gemini wire format. Request fields are camelCase except the generation
// config's schema controls, which the API accepts in snake_case.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	ResponseSchema   *Schema `json:"response_schema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *GeminiClient) CompleteStructured(ctx context.Context, systemPrompt, userPrompt string, schema *Schema) (json.RawMessage, error) {
	parts := []geminiPart{{Text: userPrompt}}
	return c.complete(ctx, systemPrompt, parts, schema)
}

func (c *GeminiClient) CompleteStructuredWithImage(ctx context.Context, systemPrompt, userPrompt string, image []byte, mimeType string, schema *Schema) (json.RawMessage, error) {
	parts := []geminiPart{
		{InlineData: &geminiInlineData{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(image),
		}},
		{Text: userPrompt},
	}
	return c.complete(ctx, systemPrompt, parts, schema)
}

func (c *GeminiClient) complete(ctx context.Context, systemPrompt string, parts []geminiPart, schema *Schema) (json.RawMessage, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      0.2,
			MaxOutputTokens:  c.maxOutputTokens,
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling gemini request: %w", err)
	}

	// Ensure a deadline exists so a stuck connection cannot hold the
	// request forever.
	if _, ok := ctx.Deadline(); !ok && c.httpClient.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var lastErr error
	rateLimited := false
	for i := 0; i <= maxTransportRetries; i++ {
		if i > 0 {
			c.logger.Warn("retrying gemini request",
				zap.Int("attempt", i),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * c.retryBaseDelay):
			}
		}
		c.pace()

		raw, status, err := c.doRequest(ctx, url, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			rateLimited = false
			continue
		}
		switch {
		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("gemini returned 429")
			rateLimited = true
			continue
		case status >= 500:
			lastErr = fmt.Errorf("gemini returned %d: %s", status, truncateBody(raw))
			rateLimited = false
			continue
		case status != http.StatusOK:
			return nil, fmt.Errorf("gemini returned %d: %s", status, truncateBody(raw))
		}

		text, err := extractGeminiText(raw)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(text), nil
	}

	if rateLimited {
		return nil, fmt.Errorf("%w: gemini: retries exhausted", core.ErrRateLimited)
	}
	return nil, fmt.Errorf("gemini: retries exhausted: %w", lastErr)
}

// pace enforces a minimum interval between requests so bursts from parallel
// pipeline stages do not trip the per-key quota.
func (c *GeminiClient) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < geminiMinInterval {
		time.Sleep(geminiMinInterval - elapsed)
	}
	c.lastRequest = time.Now()
}

func (c *GeminiClient) doRequest(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("creating gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading gemini response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

// extractGeminiText joins the text parts of the first candidate.
func extractGeminiText(raw []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding gemini response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("gemini error %d (%s): %s", resp.Error.Code, resp.Error.Status, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: no completion returned")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("gemini: empty completion (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

func truncateBody(raw []byte) string {
	const max = 512
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
