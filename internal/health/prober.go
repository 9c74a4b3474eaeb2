// Package health runs the out-of-band provider availability prober.
//
// The prober periodically checks every registered adapter and writes
// ProviderStatus entries into the router's status cache. Providers that
// have never been probed stay optimistic-available; the prober only
// narrows that default with real observations.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

// Probeable is implemented by adapters that support an active health
// probe (a cheap credential-validating call). Adapters without it fall
// back to their self-reported IsAvailable flag.
type Probeable interface {
	Probe(ctx context.Context) error
}

// DefaultInterval is how often each provider is probed.
const DefaultInterval = 60 * time.Second

// probeTimeout bounds one full probe, retries included.
const probeTimeout = 20 * time.Second

// Prober is the background availability monitor.
type Prober struct {
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	providers  []string
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewProber creates a prober for the given provider ids.
func NewProber(d *dispatch.Dispatcher, r *router.Router, providerIDs []string, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Prober{
		dispatcher: d,
		router:     r,
		providers:  providerIDs,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the probe loop. Safe to call once.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	log.Info().Dur("interval", p.interval).Int("providers", len(p.providers)).Msg("Provider health prober started")
	go p.loop(ctx)
}

// Stop shuts down the probe loop.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	log.Info().Msg("Provider health prober stopped")
}

func (p *Prober) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First pass immediately so routing has data before the first tick.
	p.ProbeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every configured provider once and records the
// results in the router's status cache.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, id := range p.providers {
		status := p.probeOne(ctx, id)
		p.router.UpdateProviderStatus(status)
		if !status.Available {
			log.Warn().Str("provider", id).Str("error", status.Error).Msg("Provider probe failed")
		}
	}
}

// probeOne checks a single provider. Transient flakes are absorbed with
// a couple of quick backoff retries before the provider is declared
// down.
func (p *Prober) probeOne(ctx context.Context, id string) models.ProviderStatus {
	status := models.ProviderStatus{
		ProviderID: id,
		CheckedAt:  time.Now().UTC(),
	}

	adapter := p.dispatcher.Adapter(id)
	if adapter == nil {
		status.Available = false
		status.Error = "not registered"
		return status
	}

	probe, ok := adapter.(Probeable)
	if !ok {
		status.Available = adapter.IsAvailable()
		return status
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), probeCtx)
	err := backoff.Retry(func() error {
		return probe.Probe(probeCtx)
	}, policy)

	status.Latency = time.Since(start)
	if err != nil {
		status.Available = false
		status.Error = err.Error()
		return status
	}
	status.Available = true
	return status
}
