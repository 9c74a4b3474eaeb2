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

// SessionAdapter authenticates as the user's own consumer subscription
// via a session token rather than a metered API key. When it cannot
// serve, the dispatcher records a provider gap so the tenant can be
// prompted to (re)connect the account.
type SessionAdapter struct {
	cfg    Config
	client *http.Client
	avail  availability
}

// NewSession creates a session-authenticated adapter.
func NewSession(cfg Config) *SessionAdapter {
	return &SessionAdapter{cfg: cfg}
}

func (a *SessionAdapter) ID() string { return a.cfg.ID }

// SessionBased identifies this adapter class to the dispatcher's gap
// detection.
func (a *SessionAdapter) SessionBased() bool { return true }

func (a *SessionAdapter) Initialize() error {
	if a.cfg.Endpoint == "" {
		return fmt.Errorf("session adapter %q: endpoint not configured", a.cfg.ID)
	}
	a.client = a.cfg.httpClient()
	// A missing session token is not an init error — the account is
	// simply not connected yet, which surfaces as unavailability.
	if a.cfg.SessionToken == "" {
		a.avail.set(false)
	}
	return nil
}

// IsAvailable is false until a session token is present and the last
// interaction succeeded.
func (a *SessionAdapter) IsAvailable() bool {
	return a.cfg.SessionToken != "" && a.avail.available()
}

func (a *SessionAdapter) Destroy() error {
	a.client = nil
	return nil
}

// sessionRequest is the minimal prompt envelope the session bridge
// accepts.
type sessionRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type sessionResponse struct {
	Text   string `json:"text"`
	Tokens int64  `json:"tokens,omitempty"`
}

func (a *SessionAdapter) Send(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	if a.cfg.SessionToken == "" {
		return nil, fmt.Errorf("session %q: no session token — account not connected", a.cfg.ID)
	}

	start := time.Now()
	body, _ := json.Marshal(sessionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Endpoint+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("session: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Session "+a.cfg.SessionToken)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return nil, fmt.Errorf("session: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		// Session expired — flag unavailable so the dispatcher falls
		// through and a gap is raised on the next attempt.
		a.avail.set(false)
		return nil, fmt.Errorf("session %q: session expired", a.cfg.ID)
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("session: status %d: %s", httpResp.StatusCode, string(respBody))
	}
	a.avail.set(true)

	var sResp sessionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&sResp); err != nil {
		return nil, fmt.Errorf("session: decode response: %w", err)
	}

	return &models.ProviderResponse{
		Text:       sResp.Text,
		ProviderID: a.cfg.ID,
		TokensUsed: sResp.Tokens,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// Probe checks the session is still valid.
func (a *SessionAdapter) Probe(ctx context.Context) error {
	if a.cfg.SessionToken == "" {
		a.avail.set(false)
		return fmt.Errorf("session %q: not connected", a.cfg.ID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.cfg.Endpoint+"/v1/session", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Session "+a.cfg.SessionToken)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		a.avail.set(false)
		return fmt.Errorf("session: probe failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		a.avail.set(false)
		return fmt.Errorf("session: probe status %d", httpResp.StatusCode)
	}
	a.avail.set(true)
	return nil
}
