// Package provider holds the LLM provider registry, the per-fragment
// router, and the HTTP client facade for OpenAI-compatible chat endpoints.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// Generation is one provider completion.
type Generation struct {
	Text      string
	TokensIn  int
	TokensOut int
	Cost      float64
}

// GenerateOptions tune a single call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
}

// Client abstracts one remote LLM endpoint. Implementations must honor
// context cancellation on every call.
type Client interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (Generation, error)
	Ping(ctx context.Context) error
}

// Config seeds one registry entry. Loaded from the PROVIDERS secret/env.
type Config struct {
	ID           string   `json:"id"`
	BaseURL      string   `json:"base_url"`
	Model        string   `json:"model"`
	APIKey       string   `json:"api_key"`
	Capabilities []string `json:"capabilities"`
	// Weight is the static confidence factor used during aggregation.
	Weight float64 `json:"weight"`
	// CostPer1K is the blended per-1000-token price used for cost totals.
	CostPer1K float64 `json:"cost_per_1k"`
}

// httpClient talks to an OpenAI-compatible chat completions API.
type httpClient struct {
	cfg  Config
	http *http.Client
}

// NewHTTPClient constructs the production Client for one provider.
func NewHTTPClient(cfg Config) Client {
	return &httpClient{
		cfg: cfg,
		// No client-level timeout: per-call deadlines come from the
		// scheduler's context.
		http: &http.Client{},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate posts one chat completion and maps the reply onto a Generation.
// Non-2xx statuses and API-level errors surface as ErrProviderError so the
// scheduler's retry policy can classify them.
func (c *httpClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (Generation, error) {
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Generation{}, fmt.Errorf("provider %s: marshal request: %w", c.cfg.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("provider %s: build request: %w", c.cfg.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Generation{}, ctx.Err()
		}
		return Generation{}, fmt.Errorf("%w: %s: %v", domain.ErrProviderError, c.cfg.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: %s: read body: %v", domain.ErrProviderError, c.cfg.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Generation{}, fmt.Errorf("%w: %s: status %d: %s", domain.ErrProviderError, c.cfg.ID, resp.StatusCode, truncate(raw, 200))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Generation{}, fmt.Errorf("%w: %s: unmarshal response: %v", domain.ErrProviderError, c.cfg.ID, err)
	}
	if out.Error != nil {
		return Generation{}, fmt.Errorf("%w: %s: %s", domain.ErrProviderError, c.cfg.ID, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Generation{}, fmt.Errorf("%w: %s: empty choices", domain.ErrProviderError, c.cfg.ID)
	}

	totalTokens := out.Usage.PromptTokens + out.Usage.CompletionTokens
	return Generation{
		Text:      out.Choices[0].Message.Content,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
		Cost:      float64(totalTokens) / 1000 * c.cfg.CostPer1K,
	}, nil
}

// Ping checks endpoint liveness with a cheap models listing.
func (c *httpClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("provider %s: build ping: %w", c.cfg.ID, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: ping: %w", c.cfg.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider %s: ping status %d", c.cfg.ID, resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
