// Package router implements the stateless message routing decision:
// given an inbound message and the registered agent blueprints, pick
// the agent that should handle it and the ordered provider list to
// dispatch through.
//
// Precedence, first match wins:
//  1. Explicit agent override on the message (confidence 1.0)
//  2. Ranked keyword/channel match across supporting blueprints
//  3. First-registered blueprint supporting the channel (confidence 0.3)
//  4. The no-agent sentinel — not an error, callers check Unrouted()
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/pkg/models"
)

// Scoring weights for the ranked keyword/channel match.
const (
	scoreExactKeyword     = 0.3  // whole-word, case-insensitive keyword hit
	scoreSubstringKeyword = 0.15 // keyword appears inside the text
	scoreToolMention      = 0.2  // declared tool name mentioned in the text
	scoreCap              = 1.0

	// DefaultConfidence is assigned when falling back to the first
	// blueprint that supports the message's channel.
	DefaultConfidence = 0.3
)

// OptimisticAvailable is the availability assumed for a provider with
// no recorded health status. The router deliberately favors
// availability over caution: an unprobed provider is selectable.
const OptimisticAvailable = true

// Router holds the blueprint registry and the provider status cache.
// Both are read-heavy: registration and health updates are rare, every
// routed message reads them.
type Router struct {
	mu         sync.RWMutex
	blueprints []*models.AgentBlueprint // registration order preserved
	byName     map[string]*models.AgentBlueprint
	statuses   map[string]models.ProviderStatus
}

// New creates an empty router registry.
func New() *Router {
	return &Router{
		byName:   make(map[string]*models.AgentBlueprint),
		statuses: make(map[string]models.ProviderStatus),
	}
}

// RegisterAgent adds a blueprint to the registry. Re-registering a name
// replaces the blueprint in place, keeping its original registration
// order (hot reload must not reshuffle routing ties).
func (r *Router) RegisterAgent(bp *models.AgentBlueprint) error {
	if bp.Name == "" {
		return fmt.Errorf("register agent: blueprint has no name")
	}
	if len(bp.Providers) == 0 {
		return fmt.Errorf("register agent %q: no providers configured", bp.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(bp.Name)
	if existing, ok := r.byName[key]; ok {
		for i, b := range r.blueprints {
			if b == existing {
				r.blueprints[i] = bp
				break
			}
		}
	} else {
		r.blueprints = append(r.blueprints, bp)
	}
	r.byName[key] = bp

	log.Info().
		Str("agent", bp.Name).
		Strs("providers", bp.Providers).
		Strs("keywords", bp.Keywords).
		Msg("Agent blueprint registered")
	return nil
}

// UpdateProviderStatus records a provider liveness observation.
func (r *Router) UpdateProviderStatus(status models.ProviderStatus) {
	r.mu.Lock()
	r.statuses[status.ProviderID] = status
	r.mu.Unlock()
}

// ProviderStatuses returns a snapshot of the status cache.
func (r *Router) ProviderStatuses() []models.ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Blueprint returns the registered blueprint with the given name
// (case-insensitive), or nil.
func (r *Router) Blueprint(name string) *models.AgentBlueprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[strings.ToLower(name)]
}

// Blueprints returns the registered blueprints in registration order.
func (r *Router) Blueprints() []*models.AgentBlueprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.AgentBlueprint(nil), r.blueprints...)
}

// Route produces the routing decision for a message.
func (r *Router) Route(msg *models.Message) *models.RoutingDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// 1. Explicit override.
	if msg.Agent != "" {
		if bp, ok := r.byName[strings.ToLower(msg.Agent)]; ok {
			return r.decide(bp, 1.0, "explicit agent routing")
		}
	}

	// 2. Ranked keyword/channel match. Stable sort keeps registration
	// order as the tie-breaker.
	type candidate struct {
		bp      *models.AgentBlueprint
		score   float64
		matched []string
	}
	var candidates []candidate
	for _, bp := range r.blueprints {
		if !bp.SupportsChannel(msg.Channel) {
			continue
		}
		score, matched := scoreBlueprint(bp, msg.Text)
		candidates = append(candidates, candidate{bp: bp, score: score, matched: matched})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > 0 && candidates[0].score > 0 {
		top := candidates[0]
		reason := fmt.Sprintf("matched %s (score %.2f)", strings.Join(top.matched, ", "), top.score)
		return r.decide(top.bp, top.score, reason)
	}

	// 3. Channel default — first-registered blueprint for the channel.
	for _, bp := range r.blueprints {
		if bp.SupportsChannel(msg.Channel) {
			return r.decide(bp, DefaultConfidence, "default agent for channel")
		}
	}

	// 4. Nothing supports the channel.
	return &models.RoutingDecision{
		Agent:      models.NoAgent,
		Provider:   models.NoAgent,
		Confidence: 0,
		Reasoning:  fmt.Sprintf("no registered agent supports channel %q", msg.Channel),
	}
}

// decide selects a provider for the chosen blueprint and assembles the
// decision. Caller holds at least a read lock.
func (r *Router) decide(bp *models.AgentBlueprint, confidence float64, reasoning string) *models.RoutingDecision {
	provider, fallbacks := r.selectProvider(bp.Providers)
	return &models.RoutingDecision{
		Agent:      bp.Name,
		Provider:   provider,
		Confidence: confidence,
		Reasoning:  reasoning,
		Fallbacks:  fallbacks,
	}
}

// selectProvider walks the priority list and picks the first provider
// that is available (or has no health record — OptimisticAvailable).
// If everything is marked down, the first entry is returned anyway and
// the dispatcher fails fast. The fallback list is everything after the
// selected entry, unfiltered: the dispatcher re-checks availability live.
func (r *Router) selectProvider(priority []string) (string, []string) {
	if len(priority) == 0 {
		return models.NoAgent, nil
	}
	selected := 0
	for i, id := range priority {
		status, probed := r.statuses[id]
		if !probed || status.Available {
			selected = i
			break
		}
	}
	rest := make([]string, len(priority[selected+1:]))
	copy(rest, priority[selected+1:])
	return priority[selected], rest
}

// scoreBlueprint computes the keyword/tool match score for a blueprint
// against the message text, capped at scoreCap. Returns the score and
// a listing of what matched for the decision's reasoning.
func scoreBlueprint(bp *models.AgentBlueprint, text string) (float64, []string) {
	lower := strings.ToLower(text)
	words := tokenize(lower)

	var score float64
	var matched []string
	for _, kw := range bp.Keywords {
		k := strings.ToLower(kw)
		if k == "" {
			continue
		}
		if words[k] {
			score += scoreExactKeyword
			matched = append(matched, fmt.Sprintf("keyword %q", kw))
		} else if strings.Contains(lower, k) {
			score += scoreSubstringKeyword
			matched = append(matched, fmt.Sprintf("keyword substring %q", kw))
		}
	}
	for _, tool := range bp.Tools {
		t := strings.ToLower(tool)
		if t != "" && strings.Contains(lower, t) {
			score += scoreToolMention
			matched = append(matched, fmt.Sprintf("tool %q", tool))
		}
	}
	if score > scoreCap {
		score = scoreCap
	}
	return score, matched
}

// tokenize splits lowercased text into a whole-word set.
func tokenize(lower string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		words[w] = true
	}
	return words
}
