package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/willhutson/agentvbx/internal/catalog"
	"github.com/willhutson/agentvbx/internal/router"
)

const supportAgentYAML = `name: support
description: Handles billing questions
providers:
  - openai
  - anthropic
channels:
  - chat
  - sms
keywords:
  - refund
  - invoice
`

const salesAgentJSON = `{
  "name": "sales",
  "providers": ["anthropic"],
  "channels": ["chat"],
  "keywords": ["pricing"]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLoadOnceRegistersBlueprints(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "support.yaml", supportAgentYAML)
	writeFile(t, dir, "sales.json", salesAgentJSON)
	writeFile(t, dir, "notes.txt", "not a blueprint")

	rt := router.New()
	cat := catalog.New(dir, rt)

	n, err := cat.LoadOnce(context.Background())
	if err != nil {
		t.Fatalf("LoadOnce() error = %v", err)
	}
	if n != 2 {
		t.Errorf("LoadOnce() = %d, want 2", n)
	}

	bps := rt.Blueprints()
	if len(bps) != 2 {
		t.Fatalf("Blueprints() = %d entries, want 2", len(bps))
	}
	if bps[0].Name != "support" || bps[1].Name != "sales" {
		t.Errorf("blueprint order = [%s, %s], want [support, sales]", bps[0].Name, bps[1].Name)
	}
	if got := bps[0].Providers; len(got) != 2 || got[0] != "openai" {
		t.Errorf("support providers = %v, want [openai anthropic]", got)
	}
}

func TestLoadOnceSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: [unclosed")
	writeFile(t, dir, "missing-providers.yaml", "name: ghost\nchannels:\n  - chat\n")
	writeFile(t, dir, "good.yaml", supportAgentYAML)

	rt := router.New()
	cat := catalog.New(dir, rt)

	n, err := cat.LoadOnce(context.Background())
	if err != nil {
		t.Fatalf("LoadOnce() error = %v", err)
	}
	if n != 1 {
		t.Errorf("LoadOnce() = %d, want 1", n)
	}
}

func TestLoadOnceMissingDirIsNotAnError(t *testing.T) {
	rt := router.New()
	cat := catalog.New(filepath.Join(t.TempDir(), "absent"), rt)

	n, err := cat.LoadOnce(context.Background())
	if err != nil {
		t.Fatalf("LoadOnce() error = %v", err)
	}
	if n != 0 {
		t.Errorf("LoadOnce() = %d, want 0", n)
	}
}
