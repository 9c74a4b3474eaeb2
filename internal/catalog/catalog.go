// Package catalog loads agent blueprints from a local directory and
// keeps the router's registry in sync with it.
//
// Blueprints are authored as YAML (or JSON) files, one agent per file.
// The catalog rescans the directory on a configurable interval, so
// editing a blueprint on disk updates routing without a restart.
// Re-registration replaces a blueprint in place and keeps its original
// registration order, so a rescan never reshuffles routing ties.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

// DefaultRefreshInterval is how often the catalog rescans its directory.
const DefaultRefreshInterval = time.Minute

// Catalog syncs a directory of blueprint files into a router.
type Catalog struct {
	dir      string
	router   *router.Router
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithRefreshInterval overrides the rescan interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Catalog) {
		if d > 0 {
			c.interval = d
		}
	}
}

// New creates a catalog over a blueprint directory.
func New(dir string, rt *router.Router, opts ...Option) *Catalog {
	c := &Catalog{
		dir:      dir,
		router:   rt,
		interval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadOnce scans the directory and registers each parsed blueprint.
// Returns the number of blueprints registered. A missing directory is
// not an error; it just yields no agents.
func (c *Catalog) LoadOnce(_ context.Context) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read agents dir %s: %w", c.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		bp, err := parseBlueprintFile(path)
		if err != nil {
			// One broken file must not take down the rest of the fleet.
			log.Warn().Err(err).Str("file", path).Msg("Skipping unparseable blueprint")
			continue
		}
		if bp == nil {
			continue
		}
		if err := c.router.RegisterAgent(bp); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Skipping invalid blueprint")
			continue
		}
		loaded++
	}
	return loaded, nil
}

// parseBlueprintFile decodes one blueprint, dispatching on extension.
// Non-blueprint files return (nil, nil).
func parseBlueprintFile(path string) (*models.AgentBlueprint, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint: %w", err)
	}

	var bp models.AgentBlueprint
	if ext == ".json" {
		err = json.Unmarshal(data, &bp)
	} else {
		err = yaml.Unmarshal(data, &bp)
	}
	if err != nil {
		return nil, fmt.Errorf("parse blueprint: %w", err)
	}
	return &bp, nil
}

// Start runs an initial load and launches the rescan loop.
func (c *Catalog) Start(ctx context.Context) error {
	n, err := c.LoadOnce(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("count", n).Str("dir", c.dir).Msg("📇 Agent catalog loaded")

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	go c.loop(ctx, stopCh)
	return nil
}

// Stop halts the rescan loop.
func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

func (c *Catalog) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := c.LoadOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Agent catalog rescan failed")
			}
		}
	}
}
