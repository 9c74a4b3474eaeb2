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

// LocalAdapter talks to a locally hosted OpenAI-compatible model server
// (Ollama and friends). No API key; availability is whether the server
// answers at all.
type LocalAdapter struct {
	cfg    Config
	client *http.Client
	avail  availability
}

// NewLocal creates a local model server adapter.
func NewLocal(cfg Config) *LocalAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	return &LocalAdapter{cfg: cfg}
}

func (a *LocalAdapter) ID() string { return a.cfg.ID }

func (a *LocalAdapter) Initialize() error {
	a.client = a.cfg.httpClient()
	return nil
}

func (a *LocalAdapter) IsAvailable() bool { return a.avail.available() }

func (a *LocalAdapter) Destroy() error {
	a.client = nil
	return nil
}

func (a *LocalAdapter) Send(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	start := time.Now()

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, _ := json.Marshal(openAIRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("local: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return nil, fmt.Errorf("local: request failed: %w", err)
	}
	defer httpResp.Body.Close()
	a.avail.set(true)

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("local: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("local: decode response: %w", err)
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

// Probe checks the server is up by listing its models.
func (a *LocalAdapter) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return fmt.Errorf("local: server unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		a.avail.set(false)
		return fmt.Errorf("local: probe status %d", httpResp.StatusCode)
	}
	a.avail.set(true)
	return nil
}
