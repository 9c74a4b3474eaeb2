package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/pkg/models"
)

// mockAdapter is a configurable test Adapter.
type mockAdapter struct {
	id        string
	available bool
	session   bool
	sendErr   error
	initErr   error

	mu    sync.Mutex
	calls int
}

func (m *mockAdapter) ID() string         { return m.id }
func (m *mockAdapter) Initialize() error  { return m.initErr }
func (m *mockAdapter) IsAvailable() bool  { return m.available }
func (m *mockAdapter) Destroy() error     { return nil }
func (m *mockAdapter) SessionBased() bool { return m.session }
func (m *mockAdapter) sendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockAdapter) Send(_ context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &models.ProviderResponse{Text: "echo: " + req.Prompt, ProviderID: m.id}, nil
}

func newTestDispatcher(t *testing.T, adapters ...*mockAdapter) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New()
	for _, a := range adapters {
		if err := d.Register(a); err != nil {
			t.Fatalf("Register(%q): %v", a.id, err)
		}
	}
	t.Cleanup(d.Close)
	return d
}

func testRequest() *models.ProviderRequest {
	return &models.ProviderRequest{
		Prompt:   "hello",
		Metadata: map[string]interface{}{"tenant_id": "tenant-1"},
	}
}

func TestRegisterFailsOnInitError(t *testing.T) {
	d := dispatch.New()
	err := d.Register(&mockAdapter{id: "broken", initErr: errors.New("no key")})
	if err == nil {
		t.Fatal("expected registration error")
	}
	if d.Adapter("broken") != nil {
		t.Error("failed adapter should not be registered")
	}
}

func TestFirstSuccessWins(t *testing.T) {
	first := &mockAdapter{id: "openai", available: true}
	second := &mockAdapter{id: "anthropic", available: true}
	d := newTestDispatcher(t, first, second)

	resp, report, err := d.SendWithFallback(context.Background(), testRequest(), []string{"openai", "anthropic"})
	if err != nil {
		t.Fatalf("SendWithFallback: %v", err)
	}
	if resp.ProviderID != "openai" {
		t.Errorf("ProviderID = %q, want openai", resp.ProviderID)
	}
	if second.sendCalls() != 0 {
		t.Errorf("second adapter was called %d times, want 0", second.sendCalls())
	}
	if len(report.FallbacksTried) != 0 {
		t.Errorf("FallbacksTried = %v, want empty", report.FallbacksTried)
	}
}

func TestFallsThroughSendError(t *testing.T) {
	first := &mockAdapter{id: "openai", available: true, sendErr: errors.New("rate limited")}
	second := &mockAdapter{id: "anthropic", available: true}
	d := newTestDispatcher(t, first, second)

	resp, report, err := d.SendWithFallback(context.Background(), testRequest(), []string{"openai", "anthropic"})
	if err != nil {
		t.Fatalf("SendWithFallback: %v", err)
	}
	if resp.ProviderID != "anthropic" {
		t.Errorf("ProviderID = %q, want anthropic", resp.ProviderID)
	}
	if len(report.FallbacksTried) != 1 || report.FallbacksTried[0] != "openai" {
		t.Errorf("FallbacksTried = %v, want [openai]", report.FallbacksTried)
	}
	// API-key adapters produce no gaps.
	if len(report.Gaps) != 0 {
		t.Errorf("Gaps = %v, want none for non-session providers", report.Gaps)
	}
}

func TestSessionProviderGapOnUnavailable(t *testing.T) {
	preferred := &mockAdapter{id: "claude-session", available: false, session: true}
	fallback := &mockAdapter{id: "anthropic", available: true}
	d := newTestDispatcher(t, preferred, fallback)

	resp, report, err := d.SendWithFallback(context.Background(), testRequest(), []string{"claude-session", "anthropic"})
	if err != nil {
		t.Fatalf("SendWithFallback: %v", err)
	}
	if resp.ProviderID != "anthropic" {
		t.Errorf("ProviderID = %q, want anthropic", resp.ProviderID)
	}
	if len(report.Gaps) != 1 {
		t.Fatalf("Gaps = %v, want exactly one", report.Gaps)
	}
	gap := report.Gaps[0]
	if gap.ProviderID != "claude-session" {
		t.Errorf("gap provider = %q, want claude-session", gap.ProviderID)
	}
	if gap.Reason != models.GapPreferredUnavailable {
		t.Errorf("gap reason = %q, want %q", gap.Reason, models.GapPreferredUnavailable)
	}
	if gap.FellBackTo != "anthropic" {
		t.Errorf("gap fell_back_to = %q, want anthropic", gap.FellBackTo)
	}
	if gap.TenantID != "tenant-1" {
		t.Errorf("gap tenant = %q, want tenant-1", gap.TenantID)
	}
}

func TestUnregisteredSessionProviderRaisesGap(t *testing.T) {
	fallback := &mockAdapter{id: "openai", available: true}
	d := newTestDispatcher(t, fallback)
	d.MarkSessionBased("gemini-session")

	_, report, err := d.SendWithFallback(context.Background(), testRequest(), []string{"gemini-session", "openai"})
	if err != nil {
		t.Fatalf("SendWithFallback: %v", err)
	}
	if len(report.Gaps) != 1 || report.Gaps[0].ProviderID != "gemini-session" {
		t.Errorf("Gaps = %v, want one for gemini-session", report.Gaps)
	}
}

func TestExhaustedChainFlagsSessionProviders(t *testing.T) {
	a := &mockAdapter{id: "openai", available: true, sendErr: errors.New("down")}
	b := &mockAdapter{id: "claude-session", available: true, session: true, sendErr: errors.New("down too")}
	d := newTestDispatcher(t, a, b)

	_, report, err := d.SendWithFallback(context.Background(), testRequest(), []string{"openai", "claude-session"})
	if err == nil {
		t.Fatal("expected error from exhausted chain")
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Errorf("err = %v, want aggregate failure", err)
	}
	if len(report.Gaps) != 1 {
		t.Fatalf("Gaps = %v, want one", report.Gaps)
	}
	if report.Gaps[0].Reason != models.GapFallbackExhausted {
		t.Errorf("gap reason = %q, want %q", report.Gaps[0].Reason, models.GapFallbackExhausted)
	}
	if report.Gaps[0].FellBackTo != "" {
		t.Errorf("fell_back_to = %q, want empty (nothing served)", report.Gaps[0].FellBackTo)
	}
}

func TestEmptyPriorityListErrors(t *testing.T) {
	d := newTestDispatcher(t)
	if _, _, err := d.SendWithFallback(context.Background(), testRequest(), nil); err == nil {
		t.Error("expected error for empty provider list")
	}
}

func TestRecentGapsDedupeByProvider(t *testing.T) {
	fallback := &mockAdapter{id: "openai", available: true}
	d := newTestDispatcher(t, fallback)
	d.MarkSessionBased("claude-session")

	priority := []string{"claude-session", "openai"}
	for i := 0; i < 3; i++ {
		if _, _, err := d.SendWithFallback(context.Background(), testRequest(), priority); err != nil {
			t.Fatalf("SendWithFallback: %v", err)
		}
	}

	gaps := d.RecentGaps()
	if len(gaps) != 1 {
		t.Errorf("RecentGaps() returned %d entries, want 1 (deduped)", len(gaps))
	}
}

func TestGapListenerNotifiedOnce(t *testing.T) {
	fallback := &mockAdapter{id: "openai", available: true}
	d := newTestDispatcher(t, fallback)
	d.MarkSessionBased("claude-session")

	gapCh := make(chan models.ProviderGap, 8)
	d.OnGap(func(gap models.ProviderGap) { gapCh <- gap })

	priority := []string{"claude-session", "openai"}
	for i := 0; i < 2; i++ {
		if _, _, err := d.SendWithFallback(context.Background(), testRequest(), priority); err != nil {
			t.Fatalf("SendWithFallback: %v", err)
		}
	}

	select {
	case gap := <-gapCh:
		if gap.ProviderID != "claude-session" {
			t.Errorf("listener got gap for %q, want claude-session", gap.ProviderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never notified")
	}

	// The refreshed duplicate must not re-notify.
	select {
	case gap := <-gapCh:
		t.Errorf("unexpected second notification: %+v", gap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetectGapsIsReadOnly(t *testing.T) {
	available := &mockAdapter{id: "openai", available: true}
	down := &mockAdapter{id: "ollama", available: false}
	d := newTestDispatcher(t, available, down)

	gaps := d.DetectGaps([]string{"openai", "ollama", "unregistered"})
	if len(gaps) != 2 {
		t.Fatalf("DetectGaps returned %d gaps, want 2", len(gaps))
	}
	if gaps[0].ProviderID != "ollama" || gaps[1].ProviderID != "unregistered" {
		t.Errorf("unexpected gap providers: %+v", gaps)
	}
	if got := d.RecentGaps(); len(got) != 0 {
		t.Errorf("DetectGaps polluted the recent set: %v", got)
	}
}
