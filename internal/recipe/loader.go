package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/willhutson/agentvbx/pkg/models"
)

var validStepTypes = map[models.StepType]bool{
	models.StepAgent:            true,
	models.StepIntegrationRead:  true,
	models.StepIntegrationWrite: true,
	models.StepArtifactDelivery: true,
	models.StepNotification:     true,
}

// ParseDefinition decodes and validates one recipe document.
func ParseDefinition(data []byte) (*models.RecipeDefinition, error) {
	var def models.RecipeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	def.CreatedAt = time.Now().UTC()
	return &def, nil
}

// Validate checks a recipe definition for structural errors.
func Validate(def *models.RecipeDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("recipe missing name")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("recipe %q has no steps", def.Name)
	}
	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("recipe %q: step %d missing name", def.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("recipe %q: duplicate step name %q", def.Name, step.Name)
		}
		seen[step.Name] = true
		if !validStepTypes[step.Type] {
			return fmt.Errorf("recipe %q: step %q has unknown type %q", def.Name, step.Name, step.Type)
		}
		if step.Type == models.StepAgent && step.Agent == "" {
			return fmt.Errorf("recipe %q: agent step %q missing agent", def.Name, step.Name)
		}
		if (step.Type == models.StepIntegrationRead || step.Type == models.StepIntegrationWrite) && step.Integration == "" {
			return fmt.Errorf("recipe %q: step %q missing integration", def.Name, step.Name)
		}
		if step.Gate != "" && step.Gate != models.GateHumanApproval {
			return fmt.Errorf("recipe %q: step %q has unknown gate %q", def.Name, step.Name, step.Gate)
		}
		if step.Input.Key != "" && len(step.Input.Keys) > 0 {
			return fmt.Errorf("recipe %q: step %q sets both input.key and input.keys", def.Name, step.Name)
		}
	}
	return nil
}

// LoadFile reads one recipe from a YAML file.
func LoadFile(path string) (*models.RecipeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every *.yaml / *.yml recipe in a directory. A missing
// directory is not an error; it just yields no recipes.
func LoadDir(dir string) ([]*models.RecipeDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recipe dir %s: %w", dir, err)
	}

	var defs []*models.RecipeDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	log.Info().Int("count", len(defs)).Str("dir", dir).Msg("📋 Recipes loaded")
	return defs, nil
}
