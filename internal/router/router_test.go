package router_test

import (
	"testing"

	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

func newTestRouter(t *testing.T, bps ...*models.AgentBlueprint) *router.Router {
	t.Helper()
	r := router.New()
	for _, bp := range bps {
		if err := r.RegisterAgent(bp); err != nil {
			t.Fatalf("RegisterAgent(%q): %v", bp.Name, err)
		}
	}
	return r
}

func chatMessage(text string) *models.Message {
	return &models.Message{
		ID:      "msg-1",
		Channel: models.ChannelChat,
		Text:    text,
	}
}

func supportBlueprint() *models.AgentBlueprint {
	return &models.AgentBlueprint{
		Name:      "support",
		Providers: []string{"openai", "anthropic"},
		Channels:  []models.Channel{models.ChannelChat, models.ChannelSMS},
		Keywords:  []string{"refund", "invoice"},
	}
}

func salesBlueprint() *models.AgentBlueprint {
	return &models.AgentBlueprint{
		Name:      "sales",
		Providers: []string{"anthropic"},
		Channels:  []models.Channel{models.ChannelChat},
		Keywords:  []string{"pricing", "demo"},
		Tools:     []string{"crm"},
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	r := router.New()
	if err := r.RegisterAgent(&models.AgentBlueprint{Providers: []string{"openai"}}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := r.RegisterAgent(&models.AgentBlueprint{Name: "x"}); err == nil {
		t.Error("expected error for missing providers")
	}
}

func TestExplicitOverrideWinsOverKeywords(t *testing.T) {
	r := newTestRouter(t, supportBlueprint(), salesBlueprint())

	msg := chatMessage("I want a refund")
	msg.Agent = "sales"
	d := r.Route(msg)

	if d.Agent != "sales" {
		t.Errorf("Agent = %q, want sales", d.Agent)
	}
	if d.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", d.Confidence)
	}
}

func TestUnknownExplicitOverrideFallsThrough(t *testing.T) {
	r := newTestRouter(t, supportBlueprint())

	msg := chatMessage("I want a refund")
	msg.Agent = "concierge"
	d := r.Route(msg)

	if d.Agent != "support" {
		t.Errorf("Agent = %q, want support (keyword match)", d.Agent)
	}
}

func TestExactKeywordOutscoresSubstring(t *testing.T) {
	// "refund" appears whole-word for support; sales only gets a
	// substring hit via "demo" inside "demonstration".
	r := newTestRouter(t, salesBlueprint(), supportBlueprint())

	d := r.Route(chatMessage("refund the demonstration fee"))
	if d.Agent != "support" {
		t.Errorf("Agent = %q, want support", d.Agent)
	}
	if d.Confidence != 0.3 {
		t.Errorf("Confidence = %v, want 0.3", d.Confidence)
	}
}

func TestKeywordScoresAccumulate(t *testing.T) {
	r := newTestRouter(t, supportBlueprint())

	d := r.Route(chatMessage("refund for invoice 42"))
	if d.Confidence != 0.6 {
		t.Errorf("Confidence = %v, want 0.6 (two exact keywords)", d.Confidence)
	}
}

func TestToolMentionScores(t *testing.T) {
	r := newTestRouter(t, supportBlueprint(), salesBlueprint())

	d := r.Route(chatMessage("update the crm please"))
	if d.Agent != "sales" {
		t.Errorf("Agent = %q, want sales (tool mention)", d.Agent)
	}
	if d.Confidence != 0.2 {
		t.Errorf("Confidence = %v, want 0.2", d.Confidence)
	}
}

func TestTieBreaksByRegistrationOrder(t *testing.T) {
	a := &models.AgentBlueprint{
		Name: "first", Providers: []string{"openai"},
		Channels: []models.Channel{models.ChannelChat},
		Keywords: []string{"hello"},
	}
	b := &models.AgentBlueprint{
		Name: "second", Providers: []string{"openai"},
		Channels: []models.Channel{models.ChannelChat},
		Keywords: []string{"hello"},
	}
	r := newTestRouter(t, a, b)

	d := r.Route(chatMessage("hello there"))
	if d.Agent != "first" {
		t.Errorf("Agent = %q, want first (registration order tie-break)", d.Agent)
	}
}

func TestChannelDefaultWhenNoKeywordsMatch(t *testing.T) {
	r := newTestRouter(t, supportBlueprint(), salesBlueprint())

	d := r.Route(chatMessage("good morning"))
	if d.Agent != "support" {
		t.Errorf("Agent = %q, want support (first for channel)", d.Agent)
	}
	if d.Confidence != router.DefaultConfidence {
		t.Errorf("Confidence = %v, want %v", d.Confidence, router.DefaultConfidence)
	}
}

func TestUnroutedSentinelWhenChannelUnsupported(t *testing.T) {
	r := newTestRouter(t, supportBlueprint())

	d := r.Route(&models.Message{Channel: models.ChannelVoice, Text: "refund"})
	if !d.Unrouted() {
		t.Errorf("expected unrouted sentinel, got agent %q", d.Agent)
	}
	if d.Agent != models.NoAgent {
		t.Errorf("Agent = %q, want %q", d.Agent, models.NoAgent)
	}
}

func TestRouteOnEmptyRegistryIsUnrouted(t *testing.T) {
	r := router.New()
	if d := r.Route(chatMessage("anything")); !d.Unrouted() {
		t.Errorf("expected unrouted sentinel, got %+v", d)
	}
}

func TestSelectProviderSkipsUnavailable(t *testing.T) {
	r := newTestRouter(t, supportBlueprint())
	r.UpdateProviderStatus(models.ProviderStatus{ProviderID: "openai", Available: false})

	d := r.Route(chatMessage("refund"))
	if d.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", d.Provider)
	}
	if len(d.Fallbacks) != 0 {
		t.Errorf("Fallbacks = %v, want empty", d.Fallbacks)
	}
}

func TestUnprobedProviderIsSelectable(t *testing.T) {
	r := newTestRouter(t, supportBlueprint())

	d := r.Route(chatMessage("refund"))
	if d.Provider != "openai" {
		t.Errorf("Provider = %q, want openai (optimistic default)", d.Provider)
	}
	if len(d.Fallbacks) != 1 || d.Fallbacks[0] != "anthropic" {
		t.Errorf("Fallbacks = %v, want [anthropic]", d.Fallbacks)
	}
}

func TestAllProvidersDownStillSelectsFirst(t *testing.T) {
	r := newTestRouter(t, supportBlueprint())
	r.UpdateProviderStatus(models.ProviderStatus{ProviderID: "openai", Available: false})
	r.UpdateProviderStatus(models.ProviderStatus{ProviderID: "anthropic", Available: false})

	d := r.Route(chatMessage("refund"))
	if d.Provider != "openai" {
		t.Errorf("Provider = %q, want openai (fail fast downstream)", d.Provider)
	}
}

func TestReRegisterKeepsOrder(t *testing.T) {
	r := newTestRouter(t, supportBlueprint(), salesBlueprint())

	updated := supportBlueprint()
	updated.Keywords = []string{"billing"}
	if err := r.RegisterAgent(updated); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	bps := r.Blueprints()
	if len(bps) != 2 {
		t.Fatalf("got %d blueprints, want 2", len(bps))
	}
	if bps[0].Name != "support" || bps[0].Keywords[0] != "billing" {
		t.Errorf("replacement did not keep registration slot: %+v", bps[0])
	}
}
