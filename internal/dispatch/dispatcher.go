// Package dispatch implements the provider adapter registry and the
// fallback-aware dispatcher.
//
// Adapters are tried strictly in the caller's priority order; the first
// successful response wins. Along the way the dispatcher distinguishes
// "tried but unregistered", "tried but unavailable", and "tried and
// errored" from "succeeded", so upstream UI can tell "connect provider
// X" apart from "provider X is down right now". Providers that ride a
// user's own subscription (session-based) produce ProviderGap records
// when they cannot serve, which fan out to registered gap listeners.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/willhutson/agentvbx/pkg/models"
)

// Adapter is the provider boundary consumed by the dispatcher.
// Implementations are API-key LLM clients, locally hosted model
// servers, or session-authenticated clients.
type Adapter interface {
	// ID is the stable provider id this adapter serves.
	ID() string
	// Initialize prepares the adapter (clients, token refresh).
	Initialize() error
	// IsAvailable reports live availability; called before every Send.
	IsAvailable() bool
	// Send performs one provider call.
	Send(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error)
	// Destroy releases adapter resources.
	Destroy() error
}

// SessionBased is implemented by adapters that authenticate as the
// user's own consumer subscription rather than a metered API key.
// Failures of these providers are worth surfacing as gaps.
type SessionBased interface {
	SessionBased() bool
}

// GapListener receives provider gap events. Listeners run on their own
// goroutine; slow listeners never block dispatch.
type GapListener func(gap models.ProviderGap)

// Report describes what happened around a SendWithFallback call.
type Report struct {
	FallbacksTried []string             `json:"fallbacks_tried,omitempty"`
	Gaps           []models.ProviderGap `json:"provider_gaps,omitempty"`
}

// DefaultRecentGapCap bounds the recent-gaps dedup set. Oldest provider
// ids are evicted first once the cap is hit.
const DefaultRecentGapCap = 256

// DefaultSendTimeout bounds a single adapter Send call.
const DefaultSendTimeout = 120 * time.Second

// Dispatcher is the stateful adapter registry and fallback dispatcher.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	session  map[string]bool // provider ids known to be session-based

	gapMu      sync.Mutex
	recentGaps map[string]models.ProviderGap
	gapOrder   []string // FIFO eviction order for recentGaps
	gapCap     int

	listeners []GapListener

	sendTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSendTimeout overrides the per-adapter-call timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.sendTimeout = d
		}
	}
}

// WithRecentGapCap overrides the recent-gaps set bound.
func WithRecentGapCap(n int) Option {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.gapCap = n
		}
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		adapters:    make(map[string]Adapter),
		session:     make(map[string]bool),
		recentGaps:  make(map[string]models.ProviderGap),
		gapCap:      DefaultRecentGapCap,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds an adapter, initializing it first. Registering a second
// adapter under the same id replaces (and destroys) the first.
func (d *Dispatcher) Register(a Adapter) error {
	if err := a.Initialize(); err != nil {
		return fmt.Errorf("initialize adapter %q: %w", a.ID(), err)
	}

	d.mu.Lock()
	if old, ok := d.adapters[a.ID()]; ok {
		if err := old.Destroy(); err != nil {
			log.Warn().Err(err).Str("provider", a.ID()).Msg("Destroying replaced adapter failed")
		}
	}
	d.adapters[a.ID()] = a
	if sb, ok := a.(SessionBased); ok && sb.SessionBased() {
		d.session[a.ID()] = true
	}
	d.mu.Unlock()

	log.Info().Str("provider", a.ID()).Msg("Provider adapter registered")
	return nil
}

// MarkSessionBased flags provider ids as session-based even when no
// adapter is registered for them, so missing connections still raise
// gaps.
func (d *Dispatcher) MarkSessionBased(ids ...string) {
	d.mu.Lock()
	for _, id := range ids {
		d.session[id] = true
	}
	d.mu.Unlock()
}

// OnGap registers a gap-event listener.
func (d *Dispatcher) OnGap(l GapListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Adapter returns the registered adapter for a provider id, or nil.
func (d *Dispatcher) Adapter(id string) Adapter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adapters[id]
}

// Close destroys all registered adapters.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.adapters {
		if err := a.Destroy(); err != nil {
			log.Warn().Err(err).Str("provider", id).Msg("Adapter destroy failed")
		}
		delete(d.adapters, id)
	}
}

var tracer = otel.Tracer("agentvbx/dispatch")

// SendWithFallback tries each provider in priority order and returns
// the first successful response. The report lists providers skipped or
// failed before the winner, plus any gaps recorded during the call.
func (d *Dispatcher) SendWithFallback(ctx context.Context, req *models.ProviderRequest, priority []string) (*models.ProviderResponse, *Report, error) {
	ctx, span := tracer.Start(ctx, "dispatch.send_with_fallback")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("providers", priority))

	if len(priority) == 0 {
		return nil, &Report{}, fmt.Errorf("send with fallback: empty provider list")
	}

	report := &Report{}
	tenantID, _ := req.Metadata["tenant_id"].(string)

	var lastErr error
	for _, id := range priority {
		d.mu.RLock()
		adapter, registered := d.adapters[id]
		sessionBased := d.session[id]
		d.mu.RUnlock()

		if !registered {
			report.FallbacksTried = append(report.FallbacksTried, id)
			if sessionBased {
				report.Gaps = append(report.Gaps, d.newGap(id, tenantID, models.GapPreferredUnavailable))
			}
			lastErr = fmt.Errorf("provider %q not registered", id)
			continue
		}

		if !adapter.IsAvailable() {
			report.FallbacksTried = append(report.FallbacksTried, id)
			if sessionBased {
				report.Gaps = append(report.Gaps, d.newGap(id, tenantID, models.GapPreferredUnavailable))
			}
			lastErr = fmt.Errorf("provider %q unavailable", id)
			log.Debug().Str("provider", id).Msg("Provider unavailable, falling through")
			continue
		}

		resp, err := d.send(ctx, adapter, req)
		if err != nil {
			report.FallbacksTried = append(report.FallbacksTried, id)
			lastErr = fmt.Errorf("provider %q: %w", id, err)
			log.Warn().Err(err).Str("provider", id).Msg("Provider call failed, trying next")
			continue
		}

		// First success wins. Every gap recorded on the way down points
		// at the provider that ultimately served.
		for i := range report.Gaps {
			report.Gaps[i].FellBackTo = id
		}
		d.recordGaps(report.Gaps)

		span.SetAttributes(attribute.String("provider.winner", id))
		log.Info().
			Str("provider", id).
			Int("fallbacks_tried", len(report.FallbacksTried)).
			Int64("latency_ms", resp.LatencyMs).
			Msg("Dispatch succeeded")
		return resp, report, nil
	}

	// Whole chain exhausted. If nothing was flagged on the way down,
	// flag every session-based provider in the original list.
	if len(report.Gaps) == 0 {
		for _, id := range priority {
			d.mu.RLock()
			sessionBased := d.session[id]
			d.mu.RUnlock()
			if sessionBased {
				report.Gaps = append(report.Gaps, d.newGap(id, tenantID, models.GapFallbackExhausted))
			}
		}
	}
	d.recordGaps(report.Gaps)

	err := fmt.Errorf("all providers failed [%s]: %w", strings.Join(priority, ", "), lastErr)
	span.RecordError(err)
	return nil, report, err
}

// send runs one adapter call under the per-call timeout.
func (d *Dispatcher) send(ctx context.Context, a Adapter, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.Send(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(start).Milliseconds()
	}
	if resp.ProviderID == "" {
		resp.ProviderID = a.ID()
	}
	return resp, nil
}

// DetectGaps is a read-only probe: it reports which of the given
// providers are currently unregistered or unavailable without touching
// the recent-gaps set or notifying listeners. Used to preview whether a
// recipe's required providers are satisfiable before it runs.
func (d *Dispatcher) DetectGaps(providerIDs []string) []models.ProviderGap {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var gaps []models.ProviderGap
	for _, id := range providerIDs {
		adapter, registered := d.adapters[id]
		if registered && adapter.IsAvailable() {
			continue
		}
		gaps = append(gaps, models.ProviderGap{
			ProviderID: id,
			Reason:     models.GapPreferredUnavailable,
			DetectedAt: time.Now().UTC(),
		})
	}
	return gaps
}

// RecentGaps returns the deduplicated recent gap set, newest last.
func (d *Dispatcher) RecentGaps() []models.ProviderGap {
	d.gapMu.Lock()
	defer d.gapMu.Unlock()
	out := make([]models.ProviderGap, 0, len(d.gapOrder))
	for _, id := range d.gapOrder {
		out = append(out, d.recentGaps[id])
	}
	return out
}

func (d *Dispatcher) newGap(providerID, tenantID string, reason models.GapReason) models.ProviderGap {
	return models.ProviderGap{
		ID:         uuid.New().String(),
		ProviderID: providerID,
		TenantID:   tenantID,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
	}
}

// recordGaps dedups gaps into the bounded recent set and fans them out
// to listeners. A provider id already in the set is refreshed in place
// without re-notifying.
func (d *Dispatcher) recordGaps(gaps []models.ProviderGap) {
	if len(gaps) == 0 {
		return
	}

	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	d.gapMu.Lock()
	var fresh []models.ProviderGap
	for _, gap := range gaps {
		if _, seen := d.recentGaps[gap.ProviderID]; seen {
			d.recentGaps[gap.ProviderID] = gap
			continue
		}
		if len(d.gapOrder) >= d.gapCap {
			oldest := d.gapOrder[0]
			d.gapOrder = d.gapOrder[1:]
			delete(d.recentGaps, oldest)
		}
		d.recentGaps[gap.ProviderID] = gap
		d.gapOrder = append(d.gapOrder, gap.ProviderID)
		fresh = append(fresh, gap)
	}
	d.gapMu.Unlock()

	for _, gap := range fresh {
		log.Info().
			Str("provider", gap.ProviderID).
			Str("reason", string(gap.Reason)).
			Str("fell_back_to", gap.FellBackTo).
			Msg("Provider gap recorded")
		for _, l := range listeners {
			go l(gap)
		}
	}
}
