package recipe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/internal/integration"
	"github.com/willhutson/agentvbx/internal/notify"
	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

// AgentHandler runs an "agent" step: it resolves the step's agent
// blueprint and dispatches the prompt through the provider fallback
// chain. A step-level provider override is tried before the blueprint's
// own priority list.
type AgentHandler struct {
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
}

func (h *AgentHandler) Execute(ctx context.Context, exec *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error) {
	if step.Agent == "" {
		return nil, fmt.Errorf("agent step %q missing agent name", step.Name)
	}
	bp := h.Router.Blueprint(step.Agent)
	if bp == nil {
		return nil, fmt.Errorf("no agent blueprint %q", step.Agent)
	}

	prompt := asText(input)
	if instr, ok := step.Params["instructions"].(string); ok && instr != "" {
		if prompt == "" {
			prompt = instr
		} else {
			prompt = instr + "\n\n" + prompt
		}
	}
	if prompt == "" {
		return nil, fmt.Errorf("agent step %q produced an empty prompt", step.Name)
	}

	providers := bp.Providers
	if step.Provider != "" {
		providers = prependProvider(step.Provider, bp.Providers)
	}

	req := &models.ProviderRequest{
		Prompt:       prompt,
		SystemPrompt: bp.SystemPrompt,
		Temperature:  bp.Temperature,
		Metadata: map[string]interface{}{
			"tenant_id":    exec.TenantID,
			"execution_id": exec.ID,
			"agent":        bp.Name,
		},
	}
	resp, _, err := h.Dispatcher.SendWithFallback(ctx, req, providers)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", bp.Name, err)
	}
	return &StepOutcome{Output: resp.Text, Provider: resp.ProviderID}, nil
}

// RequiredProviders collects the distinct provider ids a recipe's steps
// would dispatch to: explicit step overrides plus each agent step's
// blueprint chain, in first-use order. Feed the result to the
// dispatcher's gap probe to preview whether the recipe is satisfiable
// before it runs.
func RequiredProviders(def *models.RecipeDefinition, rt *router.Router) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		add(step.Provider)
		if step.Agent != "" {
			if bp := rt.Blueprint(step.Agent); bp != nil {
				for _, p := range bp.Providers {
					add(p)
				}
			}
		}
	}
	return ids
}

// prependProvider puts the override first without duplicating it in the
// remaining chain.
func prependProvider(override string, rest []string) []string {
	out := make([]string, 0, len(rest)+1)
	out = append(out, override)
	for _, p := range rest {
		if p != override {
			out = append(out, p)
		}
	}
	return out
}

// IntegrationReadHandler runs an "integration_read" step against a
// registered external platform. Params select the operation:
//
//	operation: "read"  — fetch one record, id from params.record_id or input
//	operation: "list"  — list records matching params.filter (default)
type IntegrationReadHandler struct {
	Registry *integration.Registry
}

func (h *IntegrationReadHandler) Execute(ctx context.Context, _ *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error) {
	platform, err := h.platform(step)
	if err != nil {
		return nil, err
	}

	op, _ := step.Params["operation"].(string)
	if op == "read" {
		id, _ := step.Params["record_id"].(string)
		if id == "" {
			id = asText(input)
		}
		if id == "" {
			return nil, fmt.Errorf("integration read step %q missing record id", step.Name)
		}
		rec, err := platform.Read(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("integration %q read: %w", step.Integration, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("integration %q: record %q not found", step.Integration, id)
		}
		return &StepOutcome{Output: rec}, nil
	}

	filter, _ := step.Params["filter"].(map[string]interface{})
	records, err := platform.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("integration %q list: %w", step.Integration, err)
	}
	return &StepOutcome{Output: records}, nil
}

func (h *IntegrationReadHandler) platform(step *models.Step) (integration.Platform, error) {
	if step.Integration == "" {
		return nil, fmt.Errorf("step %q missing integration id", step.Name)
	}
	return h.Registry.Get(step.Integration)
}

// IntegrationWriteHandler runs an "integration_write" step: create a
// record (default) or update one when params.record_id is set. The
// record fields come from the step input when it resolves to a map,
// merged under params.data.
type IntegrationWriteHandler struct {
	Registry *integration.Registry
}

func (h *IntegrationWriteHandler) Execute(ctx context.Context, _ *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error) {
	if step.Integration == "" {
		return nil, fmt.Errorf("step %q missing integration id", step.Name)
	}
	platform, err := h.Registry.Get(step.Integration)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{})
	if m, ok := input.(map[string]interface{}); ok {
		for k, v := range m {
			fields[k] = v
		}
	} else if input != nil {
		fields["value"] = input
	}
	if data, ok := step.Params["data"].(map[string]interface{}); ok {
		for k, v := range data {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("integration write step %q has no fields", step.Name)
	}

	if id, _ := step.Params["record_id"].(string); id != "" {
		rec, err := platform.Update(ctx, id, fields)
		if err != nil {
			return nil, fmt.Errorf("integration %q update: %w", step.Integration, err)
		}
		return &StepOutcome{Output: rec}, nil
	}
	rec, err := platform.Create(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("integration %q create: %w", step.Integration, err)
	}
	return &StepOutcome{Output: rec}, nil
}

// DeliveryHandler serves both "artifact_delivery" and "notification"
// steps: it pushes the step input (or params.message) out on a channel
// via the outbound sender.
type DeliveryHandler struct {
	Sender notify.Sender
}

func (h *DeliveryHandler) Execute(ctx context.Context, exec *models.RecipeExecution, step *models.Step, input interface{}) (*StepOutcome, error) {
	text := asText(input)
	if msg, ok := step.Params["message"].(string); ok && msg != "" {
		text = msg
	}
	if text == "" {
		return nil, fmt.Errorf("delivery step %q has nothing to send", step.Name)
	}

	channel := exec.Channel
	if ch, ok := step.Params["channel"].(string); ok && ch != "" {
		channel = models.Channel(ch)
	}
	to, _ := step.Params["to"].(string)
	if to == "" {
		if v, ok := exec.Context["reply_to"].(string); ok {
			to = v
		}
	}
	if to == "" {
		return nil, fmt.Errorf("delivery step %q missing recipient", step.Name)
	}

	meta := map[string]interface{}{
		"tenant_id":    exec.TenantID,
		"execution_id": exec.ID,
		"step":         step.Name,
		"kind":         string(step.Type),
	}
	if err := h.Sender.Send(ctx, channel, to, text, meta); err != nil {
		return nil, fmt.Errorf("delivery step %q: %w", step.Name, err)
	}
	return &StepOutcome{Output: map[string]interface{}{"delivered": true, "to": to, "channel": channel}}, nil
}

// SummaryNotifier pushes execution completion summaries back out on the
// originating channel. Executions without a reply address are only
// logged.
type SummaryNotifier struct {
	Sender notify.Sender
}

func (n *SummaryNotifier) NotifyExecution(ctx context.Context, exec *models.RecipeExecution, summary string) {
	to, _ := exec.Context["reply_to"].(string)
	if to == "" || exec.Channel == "" {
		log.Info().Str("execution_id", exec.ID).Str("summary", summary).Msg("Execution summary (no reply address)")
		return
	}
	meta := map[string]interface{}{
		"tenant_id":    exec.TenantID,
		"execution_id": exec.ID,
		"kind":         "execution_summary",
	}
	if err := n.Sender.Send(ctx, exec.Channel, to, summary, meta); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Execution summary delivery failed")
	}
}

// RegisterBuiltins wires the stock handlers for every step type the
// loader accepts. The agent handler doubles as the default entry.
func RegisterBuiltins(e *Engine, rt *router.Router, disp *dispatch.Dispatcher, reg *integration.Registry, sender notify.Sender) {
	agent := &AgentHandler{Router: rt, Dispatcher: disp}
	e.RegisterHandler(string(models.StepAgent), agent)
	e.RegisterHandler(DefaultHandlerKey, agent)
	e.RegisterHandler(string(models.StepIntegrationRead), &IntegrationReadHandler{Registry: reg})
	e.RegisterHandler(string(models.StepIntegrationWrite), &IntegrationWriteHandler{Registry: reg})
	delivery := &DeliveryHandler{Sender: sender}
	e.RegisterHandler(string(models.StepArtifactDelivery), delivery)
	e.RegisterHandler(string(models.StepNotification), delivery)
}

// asText coerces a resolved step input to prompt text.
func asText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		out := ""
		for _, item := range t {
			s := asText(item)
			if s == "" {
				continue
			}
			if out != "" {
				out += "\n"
			}
			out += s
		}
		return out
	default:
		return fmt.Sprintf("%v", t)
	}
}
