package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/willhutson/agentvbx/pkg/models"
)

// ── OpenAI-compatible adapter ────────────────────────────────

// OpenAIAdapter speaks the OpenAI chat-completions wire format against
// api.openai.com or any compatible endpoint (Azure, vLLM, etc.).
type OpenAIAdapter struct {
	cfg    Config
	client *http.Client
	avail  availability
}

// NewOpenAI creates an OpenAI-compatible API-key adapter.
func NewOpenAI(cfg Config) *OpenAIAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &OpenAIAdapter{cfg: cfg}
}

func (a *OpenAIAdapter) ID() string { return a.cfg.ID }

func (a *OpenAIAdapter) Initialize() error {
	if a.cfg.APIKey == "" {
		return fmt.Errorf("openai adapter %q: api key not configured", a.cfg.ID)
	}
	a.client = a.cfg.httpClient()
	return nil
}

func (a *OpenAIAdapter) IsAvailable() bool { return a.avail.available() }

func (a *OpenAIAdapter) Destroy() error {
	a.client = nil
	return nil
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) Send(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	start := time.Now()

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.MaxTokens
	}

	body, _ := json.Marshal(openAIRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()
	a.avail.set(true)

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.ProviderResponse{
		Text:       content,
		ProviderID: a.cfg.ID,
		TokensUsed: oaiResp.Usage.TotalTokens,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// Probe sends a minimal 1-token completion to validate credentials and
// reachability, updating the self-reported availability flag.
func (a *OpenAIAdapter) Probe(ctx context.Context) error {
	body, _ := json.Marshal(openAIRequest{
		Model:     a.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: "Say OK"}},
		MaxTokens: 1,
	})
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return fmt.Errorf("openai: probe failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		a.avail.set(false)
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("openai: probe status %d: %s", httpResp.StatusCode, string(respBody))
	}
	a.avail.set(true)
	return nil
}

// ── Anthropic adapter ────────────────────────────────────────

// AnthropicAdapter speaks the Anthropic messages wire format.
type AnthropicAdapter struct {
	cfg    Config
	client *http.Client
	avail  availability
}

// NewAnthropic creates an Anthropic API-key adapter.
func NewAnthropic(cfg Config) *AnthropicAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-20241022"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicAdapter{cfg: cfg}
}

func (a *AnthropicAdapter) ID() string { return a.cfg.ID }

func (a *AnthropicAdapter) Initialize() error {
	if a.cfg.APIKey == "" {
		return fmt.Errorf("anthropic adapter %q: api key not configured", a.cfg.ID)
	}
	a.client = a.cfg.httpClient()
	return nil
}

func (a *AnthropicAdapter) IsAvailable() bool { return a.avail.available() }

func (a *AnthropicAdapter) Destroy() error {
	a.client = nil
	return nil
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Send(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.MaxTokens
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:       a.cfg.Model,
		System:      req.SystemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()
	a.avail.set(true)

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &models.ProviderResponse{
		Text:       content,
		ProviderID: a.cfg.ID,
		TokensUsed: anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// Probe sends a minimal 1-token message to validate credentials.
func (a *AnthropicAdapter) Probe(ctx context.Context) error {
	body, _ := json.Marshal(anthropicRequest{
		Model:     a.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: "Say OK"}},
		MaxTokens: 1,
	})
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return fmt.Errorf("anthropic: probe failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		a.avail.set(false)
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("anthropic: probe status %d: %s", httpResp.StatusCode, string(respBody))
	}
	a.avail.set(true)
	return nil
}
