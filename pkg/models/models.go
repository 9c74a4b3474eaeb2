// Package models holds the shared domain types for the AgentVBX core:
// inbound messages, queue envelopes, agent blueprints, routing decisions,
// recipe definitions/executions, and provider gap records.
package models

import (
	"time"
)

// ── Channel ──────────────────────────────────────────────────

// Channel identifies the communication medium a message arrived on or
// should be delivered to.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelApp   Channel = "app"
)

// Direction of a message relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ── Message ──────────────────────────────────────────────────

// Message is the channel-agnostic unit of communication. It is immutable
// once enqueued; one message yields exactly one routing decision.
type Message struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	Channel     Channel                `json:"channel"`
	Direction   Direction              `json:"direction"`
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	Text        string                 `json:"text"`
	Agent       string                 `json:"agent,omitempty"` // explicit target-agent override
	Attachments []Attachment           `json:"attachments,omitempty"`
	CallMeta    *CallMetadata          `json:"call_meta,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Attachment is an opaque artifact reference carried with a message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// CallMetadata carries voice-call context for voice-channel messages.
type CallMetadata struct {
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Recording  string `json:"recording_url,omitempty"`
}

// ── Queue ────────────────────────────────────────────────────

// Lane is a priority partition of the queue.
type Lane string

const (
	LaneHigh   Lane = "high"
	LaneMedium Lane = "medium"
	LaneLow    Lane = "low"
	// LaneDead receives envelopes whose delivery attempts were exhausted.
	LaneDead Lane = "dead"
)

// DefaultMaxAttempts is the delivery attempt bound before an envelope is
// moved to the dead-letter lane.
const DefaultMaxAttempts = 3

// QueueEnvelope wraps a Message for queue delivery. It is owned by the
// queue: business logic never mutates it, only the consumer loop bumps
// Attempts.
type QueueEnvelope struct {
	ID          string    `json:"id"`
	Lane        Lane      `json:"lane"`
	Message     Message   `json:"message"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// Delivery bookkeeping for the pending-entries list. Set when an
	// envelope is handed to a consumer, cleared on ack or requeue.
	Consumer    string     `json:"consumer,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// DeadLetter is a terminally failed envelope plus the error that killed it.
type DeadLetter struct {
	Envelope  QueueEnvelope `json:"envelope"`
	LastError string        `json:"last_error"`
	MovedAt   time.Time     `json:"moved_at"`
}

// LaneForChannel resolves the priority lane for a message channel.
// Voice is latency-sensitive (a caller is waiting); everything textual
// rides the medium lane; unknown channels sink to low.
func LaneForChannel(ch Channel) Lane {
	switch ch {
	case ChannelVoice:
		return LaneHigh
	case ChannelChat, ChannelSMS, ChannelApp:
		return LaneMedium
	default:
		return LaneLow
	}
}

// ── Agent Blueprint ──────────────────────────────────────────

// AgentBlueprint is a named capability profile registered with the
// router. Blueprints are immutable during a routing decision; many
// messages read the same blueprint concurrently.
type AgentBlueprint struct {
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Providers    []string       `json:"providers" yaml:"providers"` // ordered provider-priority list
	Tools        []string       `json:"tools,omitempty" yaml:"tools,omitempty"`
	Channels     []Channel      `json:"channels" yaml:"channels"`
	Keywords     []string       `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Temperature  float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Voice        *VoiceSettings `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// SupportsChannel reports whether the blueprint handles the channel.
func (b *AgentBlueprint) SupportsChannel(ch Channel) bool {
	for _, c := range b.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// VoiceSettings configures text-to-speech for voice-channel agents.
type VoiceSettings struct {
	VoiceID  string  `json:"voice_id" yaml:"voice_id"`
	Speed    float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Language string  `json:"language,omitempty" yaml:"language,omitempty"`
}

// ── Provider Status ──────────────────────────────────────────

// ProviderStatus is a per-provider liveness cache entry, written by the
// health prober and read during routing and dispatch.
type ProviderStatus struct {
	ProviderID string        `json:"provider_id"`
	Available  bool          `json:"available"`
	CheckedAt  time.Time     `json:"checked_at"`
	Latency    time.Duration `json:"latency,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ── Routing Decision ─────────────────────────────────────────

// NoAgent is the sentinel agent/provider name returned when no
// registered blueprint supports a message's channel. It is not an
// error; callers must check for it explicitly.
const NoAgent = "none"

// RoutingDecision is the transient output of the message router.
type RoutingDecision struct {
	Agent      string   `json:"agent"`
	Provider   string   `json:"provider"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
}

// Unrouted reports whether the decision is the no-agent sentinel.
func (d *RoutingDecision) Unrouted() bool {
	return d.Agent == NoAgent
}

// ── Recipe ───────────────────────────────────────────────────

// StepType selects the handler for a recipe step.
type StepType string

const (
	StepAgent            StepType = "agent"
	StepIntegrationRead  StepType = "integration_read"
	StepIntegrationWrite StepType = "integration_write"
	StepArtifactDelivery StepType = "artifact_delivery"
	StepNotification     StepType = "notification"
)

// GateHumanApproval marks a step that must pause for human approval
// before running.
const GateHumanApproval = "human_approval"

// Step is one unit of a recipe definition.
type Step struct {
	Name        string                 `json:"name" yaml:"name"`
	Type        StepType               `json:"type" yaml:"type"`
	Agent       string                 `json:"agent,omitempty" yaml:"agent,omitempty"`
	Provider    string                 `json:"provider,omitempty" yaml:"provider,omitempty"`
	Integration string                 `json:"integration,omitempty" yaml:"integration,omitempty"`
	Input       StepInput              `json:"input,omitempty" yaml:"input,omitempty"`
	OutputKey   string                 `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Gate        string                 `json:"gate,omitempty" yaml:"gate,omitempty"`
}

// Gated reports whether the step requires human approval.
func (s *Step) Gated() bool { return s.Gate == GateHumanApproval }

// StepInput references context keys (or literal values) resolved at
// execution time. Either Key or Keys is set, never both.
type StepInput struct {
	Key  string   `json:"key,omitempty" yaml:"key,omitempty"`
	Keys []string `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// Empty reports whether the step declares no input.
func (in StepInput) Empty() bool { return in.Key == "" && len(in.Keys) == 0 }

// RecipeDefinition is a declarative, user-authored multi-step workflow.
type RecipeDefinition struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Trigger     *Trigger  `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Steps       []Step    `json:"steps" yaml:"steps"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
}

// Trigger describes when the orchestrator should invoke a recipe for an
// inbound message instead of a single agent dispatch.
type Trigger struct {
	Channels []Channel `json:"channels,omitempty" yaml:"channels,omitempty"`
	Keywords []string  `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// ── Recipe Execution ─────────────────────────────────────────

// ExecutionStatus is the lifecycle state of a recipe execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepStatus is the per-step sub-state.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
)

// RecipeExecution is the live run of a RecipeDefinition for one tenant.
// The Context map is exclusively owned by the goroutine running the
// execution; it is never shared across executions.
type RecipeExecution struct {
	ID          string                 `json:"id"`
	Recipe      string                 `json:"recipe"`
	TenantID    string                 `json:"tenant_id"`
	Status      ExecutionStatus        `json:"status"`
	Steps       []StepResult           `json:"steps"`
	Context     map[string]interface{} `json:"context"`
	Channel     Channel                `json:"channel,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"` // originating message
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// StepResult is the append-only record of one step's execution.
type StepResult struct {
	StepName    string      `json:"step_name"`
	StepType    StepType    `json:"step_type"`
	Status      StepStatus  `json:"status"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	Provider    string      `json:"provider,omitempty"` // provider actually used
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

// ── Provider Dispatch ────────────────────────────────────────

// ProviderRequest is the opaque payload sent to a provider adapter.
type ProviderRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Temperature  float64                `json:"temperature,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Attachments  []Attachment           `json:"attachments,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ProviderResponse is the opaque result returned by a provider adapter.
// The core never interprets Text beyond passing it along.
type ProviderResponse struct {
	Text       string `json:"text"`
	ProviderID string `json:"provider_id"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// ── Provider Gaps ────────────────────────────────────────────

// GapReason classifies why a needed provider could not serve.
type GapReason string

const (
	// GapPreferredUnavailable — a session-based provider earlier in the
	// priority list was unregistered or reported unavailable, and a
	// later provider served the request instead.
	GapPreferredUnavailable GapReason = "preferred_unavailable"
	// GapFallbackExhausted — every provider in the list failed.
	GapFallbackExhausted GapReason = "fallback_exhausted"
)

// ProviderGap records that a tenant's workflow needed a provider that
// was unconnected or down. Consumed by "connect this account" prompts.
type ProviderGap struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Reason     GapReason `json:"reason"`
	FellBackTo string    `json:"fell_back_to,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// ── Integration Records ──────────────────────────────────────

// IntegrationRecord is the generic row shape exchanged with integration
// platforms (CRMs, document stores, ad platforms).
type IntegrationRecord struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}
