// Package providers ships the built-in provider adapter implementations
// consumed by the dispatcher: API-key LLM clients (OpenAI-compatible
// and Anthropic wire formats), locally hosted model servers, and
// session-authenticated clients that ride a user's own subscription.
//
// The core treats every response as opaque text; no inference happens
// here, only transport.
package providers

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Config describes one provider adapter instance.
type Config struct {
	// ID is the stable provider id (e.g. "openai", "claude-session").
	ID string `json:"id"`
	// Kind selects the wire format: openai, anthropic, local, session.
	Kind string `json:"kind"`
	// Endpoint overrides the default API origin.
	Endpoint string `json:"endpoint,omitempty"`
	// APIKey authenticates metered API-key providers.
	APIKey string `json:"api_key,omitempty"`
	// SessionToken authenticates session-based providers.
	SessionToken string `json:"session_token,omitempty"`
	// Model is the default model name sent upstream.
	Model string `json:"model,omitempty"`
	// MaxTokens caps the upstream completion size.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Timeout bounds one upstream call.
	Timeout time.Duration `json:"timeout,omitempty"`
}

const defaultTimeout = 120 * time.Second

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// availability is a shared self-reported liveness flag, flipped by
// probe results. Adapters start optimistic.
type availability struct {
	down atomic.Bool
}

func (a *availability) set(ok bool)     { a.down.Store(!ok) }
func (a *availability) available() bool { return !a.down.Load() }

// chatMessage is the OpenAI-style message shape shared by the
// OpenAI-compatible and local adapters.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
