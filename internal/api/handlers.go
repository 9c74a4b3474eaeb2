// Package api implements the HTTP operations surface for the AgentVBX
// orchestration service: event ingestion, agent and recipe
// registration, execution inspection, approval gates, and gap reports.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/internal/api/middleware"
	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/internal/orchestrator"
	"github.com/willhutson/agentvbx/internal/queue"
	"github.com/willhutson/agentvbx/internal/recipe"
	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Queue        *queue.Queue
	Router       *router.Router
	Dispatcher   *dispatch.Dispatcher
	Engine       *recipe.Engine
	Confirmer    *recipe.ChannelConfirmer
	Orchestrator *orchestrator.Orchestrator
}

// ── Events ───────────────────────────────────────────────────

// IngestEvent accepts an inbound message and publishes it onto its
// priority lane. Responds 202 with the envelope id and lane.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg.Channel == "" {
		respondError(w, http.StatusBadRequest, "channel is required")
		return
	}
	if msg.Text == "" && msg.CallMeta == nil {
		respondError(w, http.StatusBadRequest, "message has no content")
		return
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.TenantID == "" {
		msg.TenantID = middleware.GetTenantID(r.Context())
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	envID, err := h.Orchestrator.Ingest(msg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("message_id", msg.ID).
		Str("channel", string(msg.Channel)).
		Str("tenant", msg.TenantID).
		Msg("Event accepted")
	respondJSON(w, http.StatusAccepted, map[string]string{
		"message_id":  msg.ID,
		"envelope_id": envID,
		"lane":        string(models.LaneForChannel(msg.Channel)),
	})
}

// ── Agents ───────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.Router.Blueprints()
	if agents == nil {
		agents = []*models.AgentBlueprint{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var bp models.AgentBlueprint
	if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Router.RegisterAgent(&bp); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Str("agent", bp.Name).Strs("providers", bp.Providers).Msg("Agent registered")
	respondJSON(w, http.StatusCreated, bp)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agentName")
	bp := h.Router.Blueprint(name)
	if bp == nil {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	respondJSON(w, http.StatusOK, bp)
}

// ── Providers & gaps ─────────────────────────────────────────

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	statuses := h.Router.ProviderStatuses()
	if statuses == nil {
		statuses = []models.ProviderStatus{}
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (h *Handlers) ListGaps(w http.ResponseWriter, r *http.Request) {
	gaps := h.Dispatcher.RecentGaps()
	if gaps == nil {
		gaps = []models.ProviderGap{}
	}
	respondJSON(w, http.StatusOK, gaps)
}

// ── Recipes ──────────────────────────────────────────────────

func (h *Handlers) ListRecipes(w http.ResponseWriter, r *http.Request) {
	defs := h.Orchestrator.Recipes()
	if defs == nil {
		defs = []*models.RecipeDefinition{}
	}
	respondJSON(w, http.StatusOK, defs)
}

func (h *Handlers) CreateRecipe(w http.ResponseWriter, r *http.Request) {
	var def models.RecipeDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := recipe.Validate(&def); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	def.CreatedAt = time.Now().UTC()
	if def.TenantID == "" {
		def.TenantID = middleware.GetTenantID(r.Context())
	}
	h.Orchestrator.RegisterRecipe(&def)
	respondJSON(w, http.StatusCreated, def)
}

// PreviewRecipeGaps reports which of a recipe's required providers are
// currently unsatisfiable, without dispatching anything.
func (h *Handlers) PreviewRecipeGaps(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "recipeName")

	var def *models.RecipeDefinition
	for _, d := range h.Orchestrator.Recipes() {
		if d.Name == name {
			def = d
			break
		}
	}
	if def == nil {
		respondError(w, http.StatusNotFound, "recipe not found")
		return
	}

	providers := recipe.RequiredProviders(def, h.Router)
	if providers == nil {
		providers = []string{}
	}
	gaps := h.Dispatcher.DetectGaps(providers)
	if gaps == nil {
		gaps = []models.ProviderGap{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"recipe":    name,
		"providers": providers,
		"gaps":      gaps,
	})
}

// ── Executions ───────────────────────────────────────────────

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs := h.Engine.Executions()
	if execs == nil {
		execs = []*models.RecipeExecution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	exec := h.Engine.Snapshot(id)
	if exec == nil {
		respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	resp := struct {
		*models.RecipeExecution
		PendingApprovals []string `json:"pending_approvals,omitempty"`
	}{RecipeExecution: exec}
	if h.Confirmer != nil {
		resp.PendingApprovals = h.Confirmer.Pending(id)
	}
	respondJSON(w, http.StatusOK, resp)
}

// ApproveStep resolves a waiting human-approval gate.
func (h *Handlers) ApproveStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")

	var req struct {
		Step     string `json:"step"`
		Approved bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Step == "" {
		respondError(w, http.StatusBadRequest, "step is required")
		return
	}
	if h.Confirmer == nil || !h.Confirmer.Resolve(id, req.Step, req.Approved) {
		respondError(w, http.StatusNotFound, "no gate waiting for that step")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"step":         req.Step,
		"approved":     req.Approved,
	})
}

func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	if !h.Engine.Cancel(id) {
		respondError(w, http.StatusConflict, "execution is not running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "cancelling"})
}

// ── Queue ────────────────────────────────────────────────────

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"depths":  h.Queue.Depths(),
		"pending": h.Queue.Pending(),
	})
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := h.Queue.DeadLetters()
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, letters)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
