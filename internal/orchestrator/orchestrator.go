// Package orchestrator is the glue between the queue, the router, the
// dispatcher, and the recipe engine: it consumes inbound message
// envelopes, routes each one, and either runs a matching recipe or
// dispatches directly to the routed agent's provider chain.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/internal/notify"
	"github.com/willhutson/agentvbx/internal/queue"
	"github.com/willhutson/agentvbx/internal/recipe"
	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

// DefaultMaxInFlight bounds concurrent envelope processing. The queue
// hands each envelope to its own goroutine; the semaphore keeps the
// real work bounded regardless of batch size.
const DefaultMaxInFlight = 16

// claimInterval is how often stale pending entries from dead consumers
// are reclaimed back onto their lanes.
const claimInterval = 15 * time.Second

// DefaultClaimMinIdle is how long a peer's pending entry must sit idle
// before it is reclaimed. Deliberately far above the poll cadence:
// a gated recipe legitimately holds its envelope for as long as a human
// takes to approve.
const DefaultClaimMinIdle = 5 * time.Minute

var tracer = otel.Tracer("agentvbx/orchestrator")

// Orchestrator wires the message pipeline together.
type Orchestrator struct {
	queue      *queue.Queue
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	engine     *recipe.Engine
	sender     notify.Sender

	consumerID   string
	maxInFlight  int64
	claimMinIdle time.Duration
	sem          *semaphore.Weighted

	mu      sync.RWMutex
	recipes []*models.RecipeDefinition

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxInFlight overrides the concurrent-processing bound.
func WithMaxInFlight(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithConsumerID names this instance in the queue's consumer group.
func WithConsumerID(id string) Option {
	return func(o *Orchestrator) { o.consumerID = id }
}

// WithClaimMinIdle overrides how long a peer's pending entry must be
// idle before the stale-claim ticker reclaims it. Keep it above the
// longest expected approval wait.
func WithClaimMinIdle(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.claimMinIdle = d
		}
	}
}

// New creates an orchestrator over the given collaborators.
func New(q *queue.Queue, rt *router.Router, disp *dispatch.Dispatcher, eng *recipe.Engine, sender notify.Sender, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:        q,
		router:       rt,
		dispatcher:   disp,
		engine:       eng,
		sender:       sender,
		consumerID:   "orchestrator-1",
		maxInFlight:  DefaultMaxInFlight,
		claimMinIdle: DefaultClaimMinIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sem = semaphore.NewWeighted(o.maxInFlight)
	return o
}

// RegisterRecipe adds a recipe whose trigger is matched against inbound
// messages. First registered match wins.
func (o *Orchestrator) RegisterRecipe(def *models.RecipeDefinition) {
	o.mu.Lock()
	o.recipes = append(o.recipes, def)
	o.mu.Unlock()
	log.Info().Str("recipe", def.Name).Msg("Recipe registered")
}

// Recipes returns the registered recipes in registration order.
func (o *Orchestrator) Recipes() []*models.RecipeDefinition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*models.RecipeDefinition(nil), o.recipes...)
}

// Ingest publishes an inbound message onto its priority lane.
func (o *Orchestrator) Ingest(msg models.Message) (string, error) {
	return o.queue.Publish(msg)
}

// Start launches the consumer loop and the stale-claim ticker.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	go func() {
		defer close(o.done)
		_ = o.queue.Consume(ctx, o.consumerID, o.Handle)
	}()

	go func() {
		ticker := time.NewTicker(claimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reclaimed := o.queue.Claim(o.consumerID, o.claimMinIdle)
				if len(reclaimed) > 0 {
					log.Warn().Int("count", len(reclaimed)).Msg("Reclaimed stale pending envelopes")
				}
			}
		}
	}()

	log.Info().Str("consumer", o.consumerID).Int64("max_in_flight", o.maxInFlight).Msg("🚀 Orchestrator started")
}

// Stop cancels the consumer loop and waits for in-flight envelopes.
func (o *Orchestrator) Stop(timeout time.Duration) {
	if o.cancel != nil {
		o.cancel()
	}
	if o.done != nil {
		select {
		case <-o.done:
		case <-time.After(timeout):
		}
	}
	if !o.queue.Drain(timeout) {
		log.Warn().Msg("Queue drain timed out")
	}
	log.Info().Msg("Orchestrator stopped")
}

// Handle processes one envelope. A nil return acknowledges the
// envelope; an error sends it back through redelivery and eventually
// the dead letter lane.
func (o *Orchestrator) Handle(ctx context.Context, env *models.QueueEnvelope) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	ctx, span := tracer.Start(ctx, "orchestrator.handle")
	defer span.End()

	msg := &env.Message
	span.SetAttributes(
		attribute.String("message_id", msg.ID),
		attribute.String("channel", string(msg.Channel)),
		attribute.Int("attempt", env.Attempts),
	)

	decision := o.router.Route(msg)
	log.Info().
		Str("message_id", msg.ID).
		Str("agent", decision.Agent).
		Str("provider", decision.Provider).
		Float64("confidence", decision.Confidence).
		Str("reasoning", decision.Reasoning).
		Msg("Message routed")

	// Unroutable messages are acknowledged, not retried: no amount of
	// redelivery will grow an agent that matches.
	if decision.Unrouted() {
		log.Warn().Str("message_id", msg.ID).Str("channel", string(msg.Channel)).Msg("No agent matched, dropping message")
		return nil
	}

	if def := o.matchRecipe(msg); def != nil {
		return o.runRecipe(ctx, def, msg, decision)
	}
	return o.dispatchDirect(ctx, msg, decision)
}

// matchRecipe returns the first registered recipe whose trigger matches
// the message, or nil.
func (o *Orchestrator) matchRecipe(msg *models.Message) *models.RecipeDefinition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, def := range o.recipes {
		if def.Trigger == nil {
			continue
		}
		if triggerMatches(def.Trigger, msg) {
			return def
		}
	}
	return nil
}

func triggerMatches(trig *models.Trigger, msg *models.Message) bool {
	if len(trig.Channels) > 0 {
		found := false
		for _, ch := range trig.Channels {
			if ch == msg.Channel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(trig.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(msg.Text)
	for _, kw := range trig.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// runRecipe executes a triggered recipe synchronously on this
// envelope's goroutine. A failed execution is still an acknowledged
// envelope: the failure lives in the execution record, and re-running
// the whole recipe on redelivery would repeat its side effects.
func (o *Orchestrator) runRecipe(ctx context.Context, def *models.RecipeDefinition, msg *models.Message, decision *models.RoutingDecision) error {
	// Preview the recipe's provider chains so an unsatisfiable recipe
	// is visible before the first step burns a gate or an API call.
	if ids := recipe.RequiredProviders(def, o.router); len(ids) > 0 {
		for _, gap := range o.dispatcher.DetectGaps(ids) {
			log.Warn().
				Str("recipe", def.Name).
				Str("provider", gap.ProviderID).
				Str("reason", string(gap.Reason)).
				Msg("Recipe requires a provider that is not satisfiable")
		}
	}

	seed := map[string]interface{}{
		"message":  msg.Text,
		"reply_to": msg.From,
		"agent":    decision.Agent,
		"channel":  string(msg.Channel),
	}
	for k, v := range msg.Metadata {
		seed["meta_"+k] = v
	}

	exec, err := o.engine.Execute(ctx, def, recipe.Trigger{
		Channel:   msg.Channel,
		MessageID: msg.ID,
		TenantID:  msg.TenantID,
		Seed:      seed,
	})
	if err != nil {
		return fmt.Errorf("recipe %q: %w", def.Name, err)
	}
	log.Info().
		Str("message_id", msg.ID).
		Str("recipe", def.Name).
		Str("execution_id", exec.ID).
		Str("status", string(exec.Status)).
		Msg("Triggered recipe finished")
	return nil
}

// dispatchDirect sends a routed message straight to its agent's
// provider chain and replies on the originating channel.
func (o *Orchestrator) dispatchDirect(ctx context.Context, msg *models.Message, decision *models.RoutingDecision) error {
	bp := o.router.Blueprint(decision.Agent)
	if bp == nil {
		return fmt.Errorf("routed agent %q has no blueprint", decision.Agent)
	}

	priority := append([]string{decision.Provider}, decision.Fallbacks...)
	req := &models.ProviderRequest{
		Prompt:       msg.Text,
		SystemPrompt: bp.SystemPrompt,
		Temperature:  bp.Temperature,
		Attachments:  msg.Attachments,
		Metadata: map[string]interface{}{
			"tenant_id":  msg.TenantID,
			"message_id": msg.ID,
			"agent":      bp.Name,
			"channel":    string(msg.Channel),
		},
	}

	resp, report, err := o.dispatcher.SendWithFallback(ctx, req, priority)
	if err != nil {
		return fmt.Errorf("dispatch for agent %q: %w", bp.Name, err)
	}
	if len(report.FallbacksTried) > 0 {
		log.Warn().
			Str("message_id", msg.ID).
			Strs("fallbacks_tried", report.FallbacksTried).
			Str("served_by", resp.ProviderID).
			Msg("Preferred provider fell through")
	}

	if o.sender == nil || msg.From == "" {
		return nil
	}
	meta := map[string]interface{}{
		"tenant_id":  msg.TenantID,
		"message_id": msg.ID,
		"agent":      bp.Name,
		"provider":   resp.ProviderID,
	}
	if err := o.sender.Send(ctx, msg.Channel, msg.From, resp.Text, meta); err != nil {
		// The provider already served; redelivering would bill the
		// tenant twice for the same message.
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Outbound reply failed")
	}
	return nil
}
