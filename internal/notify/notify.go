// Package notify implements the channel-send boundary: the one-way
// surface the orchestrator's response path and the notification /
// artifact-delivery step handlers push outbound text through.
//
// Two built-in senders ship here: a webhook sender with HMAC-SHA256
// payload signing (pointed at the per-channel delivery gateways), and
// a log sender for local development. Per-platform delivery itself is
// an external collaborator.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/pkg/models"
)

// Sender delivers outbound text to a recipient on a channel.
type Sender interface {
	Send(ctx context.Context, channel models.Channel, to, text string, metadata map[string]interface{}) error
}

// ── Webhook sender ───────────────────────────────────────────

// WebhookSender POSTs outbound sends to a delivery gateway URL, signing
// each payload so the gateway can verify origin.
type WebhookSender struct {
	URL    string
	Secret string
	client *http.Client
}

// NewWebhookSender creates a webhook sender for the given gateway URL.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// outboundPayload is the wire shape posted to the delivery gateway.
type outboundPayload struct {
	Channel   models.Channel         `json:"channel"`
	To        string                 `json:"to"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (w *WebhookSender) Send(ctx context.Context, channel models.Channel, to, text string, metadata map[string]interface{}) error {
	payload := outboundPayload{
		Channel:   channel,
		To:        to,
		Text:      text,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbound payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Signature", sign(body, w.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbound send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("outbound send: gateway status %d", resp.StatusCode)
	}

	log.Debug().
		Str("channel", string(channel)).
		Str("to", to).
		Msg("Outbound message delivered to gateway")
	return nil
}

// sign computes the hex HMAC-SHA256 of the payload.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ── Log sender ───────────────────────────────────────────────

// LogSender writes sends to the log instead of delivering them. Used in
// local development and as the default when no gateway is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, channel models.Channel, to, text string, metadata map[string]interface{}) error {
	log.Info().
		Str("channel", string(channel)).
		Str("to", to).
		Str("text", text).
		Msg("Outbound message (log sender)")
	return nil
}
