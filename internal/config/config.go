package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the AgentVBX orchestration service.
type Config struct {
	Port      int
	Version   string
	Queue     QueueConfig
	Providers ProvidersConfig
	Recipes   RecipesConfig
	Agents    AgentsConfig
	Outbound  OutboundConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
}

type QueueConfig struct {
	BatchSize    int
	MaxAttempts  int
	MaxInFlight  int
	PollInterval time.Duration
	// ClaimMinIdle is how long a peer consumer's unacked delivery must
	// sit idle before it is reclaimed for redelivery.
	ClaimMinIdle time.Duration
}

type ProvidersConfig struct {
	OpenAIKey      string
	AnthropicKey   string
	OllamaEndpoint string
	// Session-based desktop/browser providers, probed for availability.
	SessionEndpoint string
	SessionToken    string
	// SessionProviders are the provider ids treated as session-based
	// even before an adapter registers: dispatching to one records a
	// connect-this-account gap instead of a silent fallback.
	SessionProviders []string
	ProbeInterval    time.Duration
}

type RecipesConfig struct {
	Dir string
}

type AgentsConfig struct {
	Dir             string
	RefreshInterval time.Duration
}

type RetentionConfig struct {
	ArchiveDir       string
	Compress         bool
	DeadLetterWindow time.Duration
	ExecutionWindow  time.Duration
	SweepInterval    time.Duration
}

type OutboundConfig struct {
	WebhookURL    string
	WebhookSecret string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTVBX_PORT", 8080),
		Version: envStr("AGENTVBX_VERSION", "0.2.0"),
		Queue: QueueConfig{
			BatchSize:    envInt("AGENTVBX_QUEUE_BATCH_SIZE", 8),
			MaxAttempts:  envInt("AGENTVBX_QUEUE_MAX_ATTEMPTS", 3),
			MaxInFlight:  envInt("AGENTVBX_MAX_IN_FLIGHT", 16),
			PollInterval: envDuration("AGENTVBX_QUEUE_POLL_INTERVAL", 100*time.Millisecond),
			ClaimMinIdle: envDuration("AGENTVBX_CLAIM_MIN_IDLE", 5*time.Minute),
		},
		Providers: ProvidersConfig{
			OpenAIKey:        envStr("OPENAI_API_KEY", ""),
			AnthropicKey:     envStr("ANTHROPIC_API_KEY", ""),
			OllamaEndpoint:   envStr("OLLAMA_ENDPOINT", "http://localhost:11434"),
			SessionEndpoint:  envStr("AGENTVBX_SESSION_ENDPOINT", ""),
			SessionToken:     envStr("AGENTVBX_SESSION_TOKEN", ""),
			SessionProviders: envList("AGENTVBX_SESSION_PROVIDERS", []string{"session"}),
			ProbeInterval:    envDuration("AGENTVBX_PROBE_INTERVAL", 60*time.Second),
		},
		Recipes: RecipesConfig{
			Dir: envStr("AGENTVBX_RECIPES_DIR", "recipes"),
		},
		Agents: AgentsConfig{
			Dir:             envStr("AGENTVBX_AGENTS_DIR", "agents"),
			RefreshInterval: envDuration("AGENTVBX_AGENTS_REFRESH_INTERVAL", time.Minute),
		},
		Outbound: OutboundConfig{
			WebhookURL:    envStr("AGENTVBX_OUTBOUND_WEBHOOK_URL", ""),
			WebhookSecret: envStr("AGENTVBX_OUTBOUND_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			ArchiveDir:       envStr("AGENTVBX_ARCHIVE_DIR", ""),
			Compress:         envBool("AGENTVBX_ARCHIVE_COMPRESS", true),
			DeadLetterWindow: envDuration("AGENTVBX_DEAD_LETTER_WINDOW", 24*time.Hour),
			ExecutionWindow:  envDuration("AGENTVBX_EXECUTION_WINDOW", 7*24*time.Hour),
			SweepInterval:    envDuration("AGENTVBX_SWEEP_INTERVAL", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentvbx"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
