// Package recipe implements the sequential recipe execution engine.
//
// A recipe is a declarative list of steps sharing one mutable context
// map: each step's declared output is written into the context and
// later steps read their inputs back out of it. Steps run strictly in
// declaration order on the goroutine that owns the execution. A step
// marked with the human-approval gate pauses the execution until the
// confirmation collaborator resolves; a rejection skips the step (soft)
// while a handler failure halts the whole execution (hard).
package recipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/willhutson/agentvbx/pkg/models"
)

// StepOutcome is what a handler produces on success.
type StepOutcome struct {
	// Output is stored in the execution context under the step's
	// declared output key. May be nil for fire-and-forget steps.
	Output interface{}
	// Provider is the provider that actually served, when relevant.
	Provider string
}

// StepHandler executes one step kind. Handlers are registered by step
// type (or agent name), with a fixed "default" fallback entry; adding a
// step kind means registering a new implementation, not growing a
// switch.
type StepHandler interface {
	Execute(ctx context.Context, exec *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error)
}

// HandlerFunc adapts a function to StepHandler.
type HandlerFunc func(ctx context.Context, exec *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error)

func (f HandlerFunc) Execute(ctx context.Context, exec *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error) {
	return f(ctx, exec, step, input)
}

// DefaultHandlerKey is the registry key consulted when neither the step
// type nor the agent name has a registered handler.
const DefaultHandlerKey = "default"

// Confirmer is the human-approval collaborator consumed by gated steps.
// RequestApproval blocks until a human resolves the gate.
type Confirmer interface {
	RequestApproval(ctx context.Context, exec *models.RecipeExecution, step *models.Step, input interface{}) (bool, error)
}

// Notifier receives a human-readable summary when an execution finishes,
// on both success and failure.
type Notifier interface {
	NotifyExecution(ctx context.Context, exec *models.RecipeExecution, summary string)
}

// DefaultRetention bounds how many executions are kept in memory; the
// oldest finished one is evicted when a new execution starts past the
// cap.
const DefaultRetention = 1000

// Engine executes recipes.
type Engine struct {
	handlers  map[string]StepHandler
	confirmer Confirmer
	notifier  Notifier

	mu         sync.RWMutex
	executions map[string]*models.RecipeExecution
	order      []string // insertion order, for retention eviction
	retention  int
	cancels    map[string]bool // executions with a pending cancel request
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfirmer sets the human-approval collaborator. Without one,
// gated steps run as if ungated.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirmer = c }
}

// WithNotifier sets the completion-summary collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRetention overrides the in-memory execution history bound.
func WithRetention(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retention = n
		}
	}
}

// NewEngine creates a recipe engine with no handlers registered.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		handlers:   make(map[string]StepHandler),
		executions: make(map[string]*models.RecipeExecution),
		retention:  DefaultRetention,
		cancels:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a handler to a key — a step type, an agent
// name, or DefaultHandlerKey.
func (e *Engine) RegisterHandler(key string, h StepHandler) {
	e.mu.Lock()
	e.handlers[key] = h
	e.mu.Unlock()
	log.Info().Str("key", key).Msg("Recipe step handler registered")
}

var tracer = otel.Tracer("agentvbx/recipe")

// Trigger describes the provenance of an execution.
type Trigger struct {
	Channel   models.Channel
	MessageID string
	TenantID  string
	// Seed is copied into the execution context before the first step
	// (e.g. the inbound message text under "message").
	Seed map[string]interface{}
}

// Execute runs a recipe to completion on the calling goroutine and
// returns the finished execution. The returned value is a snapshot;
// the engine retains its own copy for later inspection.
func (e *Engine) Execute(ctx context.Context, def *models.RecipeDefinition, trig Trigger) (*models.RecipeExecution, error) {
	ctx, span := tracer.Start(ctx, "recipe.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("recipe", def.Name),
		attribute.Int("steps", len(def.Steps)),
	)

	exec := &models.RecipeExecution{
		ID:        uuid.New().String(),
		Recipe:    def.Name,
		TenantID:  trig.TenantID,
		Status:    models.ExecutionRunning,
		Context:   make(map[string]interface{}, len(trig.Seed)),
		Channel:   trig.Channel,
		MessageID: trig.MessageID,
		StartedAt: time.Now().UTC(),
	}
	for k, v := range trig.Seed {
		exec.Context[k] = v
	}
	e.track(exec)

	log.Info().
		Str("execution_id", exec.ID).
		Str("recipe", def.Name).
		Int("steps", len(def.Steps)).
		Msg("Recipe execution started")

	for i := range def.Steps {
		step := &def.Steps[i]

		if e.cancelRequested(exec.ID) {
			e.finish(exec, models.ExecutionCancelled, "execution cancelled")
			return e.Snapshot(exec.ID), nil
		}
		if err := ctx.Err(); err != nil {
			e.finish(exec, models.ExecutionCancelled, "context cancelled")
			return e.Snapshot(exec.ID), nil
		}

		halted := e.runStep(ctx, exec, step)
		if halted {
			e.notifyFinished(ctx, exec)
			return e.Snapshot(exec.ID), nil
		}
	}

	e.finish(exec, models.ExecutionCompleted, "")
	e.notifyFinished(ctx, exec)
	return e.Snapshot(exec.ID), nil
}

// runStep executes one step and appends its result. Returns true when
// the execution has halted (hard step failure).
func (e *Engine) runStep(ctx context.Context, exec *models.RecipeExecution, step *models.Step) bool {
	start := time.Now().UTC()
	result := models.StepResult{
		StepName:  step.Name,
		StepType:  step.Type,
		Status:    models.StepRunning,
		StartedAt: start,
	}

	input := ResolveInput(exec.Context, step.Input)

	// Human-approval gate. The pause is local to this execution's
	// goroutine; the consumer loop keeps processing other events.
	if step.Gated() && e.confirmer != nil {
		e.setStatus(exec, models.ExecutionPaused)
		result.Status = models.StepWaitingApproval

		log.Info().
			Str("execution_id", exec.ID).
			Str("step", step.Name).
			Msg("Step waiting for human approval")

		approved, err := e.confirmer.RequestApproval(ctx, exec, step, input)
		e.setStatus(exec, models.ExecutionRunning)
		if err != nil {
			e.appendResult(exec, failResult(result, start, fmt.Errorf("approval: %w", err)))
			e.finish(exec, models.ExecutionFailed, fmt.Sprintf("step %q approval failed: %v", step.Name, err))
			return true
		}
		if !approved {
			// Rejection is soft: the step is skipped, not failed, and
			// the execution carries on.
			result.Status = models.StepSkipped
			e.appendResult(exec, completeResult(result, start))
			log.Info().Str("execution_id", exec.ID).Str("step", step.Name).Msg("Step skipped by approval rejection")
			return false
		}
		result.Status = models.StepRunning
	}

	handler := e.lookupHandler(step)
	if handler == nil {
		err := fmt.Errorf("no handler registered for step %q (type %q)", step.Name, step.Type)
		e.appendResult(exec, failResult(result, start, err))
		e.finish(exec, models.ExecutionFailed, err.Error())
		return true
	}

	outcome, err := handler.Execute(ctx, exec, step, input)
	if err != nil {
		e.appendResult(exec, failResult(result, start, err))
		e.finish(exec, models.ExecutionFailed, fmt.Sprintf("step %q failed: %v", step.Name, err))
		log.Error().
			Err(err).
			Str("execution_id", exec.ID).
			Str("step", step.Name).
			Msg("Step failed, halting execution")
		return true
	}

	if outcome != nil {
		result.Output = outcome.Output
		result.Provider = outcome.Provider
		if step.OutputKey != "" && outcome.Output != nil {
			e.mu.Lock()
			exec.Context[step.OutputKey] = outcome.Output
			e.mu.Unlock()
		}
	}
	result.Status = models.StepCompleted
	e.appendResult(exec, completeResult(result, start))

	log.Info().
		Str("execution_id", exec.ID).
		Str("step", step.Name).
		Str("provider", result.Provider).
		Int64("duration_ms", result.DurationMs).
		Msg("Step completed")
	return false
}

// lookupHandler resolves a step's handler: step type first, then agent
// name, then the default entry.
func (e *Engine) lookupHandler(step *models.Step) StepHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.handlers[string(step.Type)]; ok {
		return h
	}
	if step.Agent != "" {
		if h, ok := e.handlers[step.Agent]; ok {
			return h
		}
	}
	return e.handlers[DefaultHandlerKey]
}

// ResolveInput looks up the step's declared input in the context. A
// missing key passes the literal string through unchanged — the escape
// hatch recipes use for constants, not an error.
func ResolveInput(execCtx map[string]interface{}, in models.StepInput) interface{} {
	if in.Empty() {
		return nil
	}
	if len(in.Keys) > 0 {
		out := make([]interface{}, len(in.Keys))
		for i, k := range in.Keys {
			out[i] = resolveKey(execCtx, k)
		}
		return out
	}
	return resolveKey(execCtx, in.Key)
}

func resolveKey(execCtx map[string]interface{}, key string) interface{} {
	if v, ok := execCtx[key]; ok {
		return v
	}
	return key
}

// ── Execution bookkeeping ────────────────────────────────────

// Cancel requests cancellation of a running execution. It takes effect
// before the next step starts. Returns false if the execution is not
// currently running or paused.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[id]
	if !ok {
		return false
	}
	if exec.Status != models.ExecutionRunning && exec.Status != models.ExecutionPaused {
		return false
	}
	e.cancels[id] = true
	return true
}

// Snapshot returns a copy of an execution, or nil if unknown.
func (e *Engine) Snapshot(id string) *models.RecipeExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	if !ok {
		return nil
	}
	return copyExecution(exec)
}

// Executions lists snapshots of retained executions, oldest first.
func (e *Engine) Executions() []*models.RecipeExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.RecipeExecution, 0, len(e.order))
	for _, id := range e.order {
		if exec, ok := e.executions[id]; ok {
			out = append(out, copyExecution(exec))
		}
	}
	return out
}

// PruneFinishedBefore drops finished executions whose completion is at
// or before the cutoff. Running and paused executions are never pruned.
func (e *Engine) PruneFinishedBefore(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.order[:0]
	pruned := 0
	for _, id := range e.order {
		exec := e.executions[id]
		if exec != nil && exec.CompletedAt != nil && !exec.CompletedAt.After(cutoff) {
			delete(e.executions, id)
			delete(e.cancels, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
	return pruned
}

func (e *Engine) track(exec *models.RecipeExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.order) >= e.retention {
		e.evictOldestFinishedLocked()
	}
	e.executions[exec.ID] = exec
	e.order = append(e.order, exec.ID)
}

// evictOldestFinishedLocked drops the oldest finished execution from
// the retained set. Running and paused executions are never evicted;
// when every retained execution is still live the cap is temporarily
// exceeded instead.
func (e *Engine) evictOldestFinishedLocked() {
	for i, id := range e.order {
		exec := e.executions[id]
		if exec != nil && exec.CompletedAt == nil {
			continue
		}
		e.order = append(e.order[:i], e.order[i+1:]...)
		delete(e.executions, id)
		delete(e.cancels, id)
		return
	}
}

func (e *Engine) cancelRequested(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancels[id]
}

func (e *Engine) setStatus(exec *models.RecipeExecution, status models.ExecutionStatus) {
	e.mu.Lock()
	exec.Status = status
	e.mu.Unlock()
}

func (e *Engine) appendResult(exec *models.RecipeExecution, result models.StepResult) {
	e.mu.Lock()
	exec.Steps = append(exec.Steps, result)
	e.mu.Unlock()
}

func (e *Engine) finish(exec *models.RecipeExecution, status models.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	e.mu.Lock()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Error = errMsg
	delete(e.cancels, exec.ID)
	e.mu.Unlock()

	evt := log.Info()
	if status == models.ExecutionFailed {
		evt = log.Error()
	}
	evt.
		Str("execution_id", exec.ID).
		Str("recipe", exec.Recipe).
		Str("status", string(status)).
		Int("steps_run", len(exec.Steps)).
		Msg("Recipe execution finished")
}

func (e *Engine) notifyFinished(ctx context.Context, exec *models.RecipeExecution) {
	if e.notifier == nil {
		return
	}
	snap := e.Snapshot(exec.ID)
	summary := summarize(snap)
	e.notifier.NotifyExecution(ctx, snap, summary)
}

// summarize builds the human-readable completion summary.
func summarize(exec *models.RecipeExecution) string {
	completed, skipped := 0, 0
	for _, s := range exec.Steps {
		switch s.Status {
		case models.StepCompleted:
			completed++
		case models.StepSkipped:
			skipped++
		}
	}
	switch exec.Status {
	case models.ExecutionFailed:
		return fmt.Sprintf("recipe %q failed: %s (%d steps completed)", exec.Recipe, exec.Error, completed)
	case models.ExecutionCancelled:
		return fmt.Sprintf("recipe %q cancelled after %d steps", exec.Recipe, len(exec.Steps))
	default:
		if skipped > 0 {
			return fmt.Sprintf("recipe %q completed with %d skipped steps (%d completed)", exec.Recipe, skipped, completed)
		}
		return fmt.Sprintf("recipe %q completed (%d steps)", exec.Recipe, completed)
	}
}

func failResult(result models.StepResult, start time.Time, err error) models.StepResult {
	result.Status = models.StepFailed
	result.Error = err.Error()
	return completeResult(result, start)
}

func completeResult(result models.StepResult, start time.Time) models.StepResult {
	now := time.Now().UTC()
	result.CompletedAt = &now
	result.DurationMs = now.Sub(start).Milliseconds()
	return result
}

func copyExecution(exec *models.RecipeExecution) *models.RecipeExecution {
	cp := *exec
	cp.Steps = append([]models.StepResult(nil), exec.Steps...)
	cp.Context = make(map[string]interface{}, len(exec.Context))
	for k, v := range exec.Context {
		cp.Context[k] = v
	}
	return &cp
}
