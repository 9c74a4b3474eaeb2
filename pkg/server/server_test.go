package server

import (
	"context"
	"testing"

	"github.com/willhutson/agentvbx/internal/config"
	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/pkg/models"
)

func TestRegisterAdaptersMarksSessionProviders(t *testing.T) {
	disp := dispatch.New()
	t.Cleanup(disp.Close)

	ids, err := registerAdapters(disp, config.ProvidersConfig{
		SessionProviders: []string{"session"},
	})
	if err != nil {
		t.Fatalf("registerAdapters: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("registered %d adapters without credentials, want 0", len(ids))
	}

	// A blueprint chain naming the unconnected session provider must
	// surface a connect-this-account gap, not fall through silently.
	req := &models.ProviderRequest{
		Prompt:   "hello",
		Metadata: map[string]interface{}{"tenant_id": "tenant-1"},
	}
	if _, _, err := disp.SendWithFallback(context.Background(), req, []string{"session"}); err == nil {
		t.Fatal("dispatch to an unconnected session provider should fail")
	}

	gaps := disp.RecentGaps()
	if len(gaps) != 1 {
		t.Fatalf("recorded %d gaps, want 1", len(gaps))
	}
	if gaps[0].ProviderID != "session" || gaps[0].Reason != models.GapPreferredUnavailable {
		t.Errorf("gap = %+v, want provider session with reason %q", gaps[0], models.GapPreferredUnavailable)
	}
	if gaps[0].TenantID != "tenant-1" {
		t.Errorf("gap tenant = %q, want tenant-1", gaps[0].TenantID)
	}
}
