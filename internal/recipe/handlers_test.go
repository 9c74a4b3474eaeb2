package recipe_test

import (
	"testing"

	"github.com/willhutson/agentvbx/internal/recipe"
	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/pkg/models"
)

func TestRequiredProvidersCollectsOverridesAndBlueprintChains(t *testing.T) {
	rt := router.New()
	if err := rt.RegisterAgent(&models.AgentBlueprint{
		Name:      "writer",
		Providers: []string{"openai", "anthropic"},
		Channels:  []models.Channel{models.ChannelChat},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	def := definition(
		models.Step{Name: "draft", Type: models.StepAgent, Agent: "writer"},
		models.Step{Name: "publish", Type: models.StepAgent, Agent: "writer", Provider: "session"},
		models.Step{Name: "notify", Type: models.StepNotification},
	)

	got := recipe.RequiredProviders(def, rt)
	want := []string{"openai", "anthropic", "session"}
	if len(got) != len(want) {
		t.Fatalf("RequiredProviders = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RequiredProviders[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Steps with no agent and no override contribute nothing.
	empty := recipe.RequiredProviders(definition(models.Step{Name: "n", Type: models.StepNotification}), rt)
	if len(empty) != 0 {
		t.Errorf("RequiredProviders = %v, want empty", empty)
	}
}
