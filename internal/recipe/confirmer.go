package recipe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/pkg/models"
)

// ChannelConfirmer is the stock Confirmer: gated steps block on a
// per-gate channel until the ops API (or a test) resolves the gate.
type ChannelConfirmer struct {
	mu    sync.Mutex
	gates map[string]chan bool // "executionID:stepName"
}

// NewChannelConfirmer creates an empty confirmer.
func NewChannelConfirmer() *ChannelConfirmer {
	return &ChannelConfirmer{gates: make(map[string]chan bool)}
}

func gateKey(execID, stepName string) string {
	return fmt.Sprintf("%s:%s", execID, stepName)
}

// RequestApproval registers a gate and blocks until Resolve is called
// for it or the context is cancelled.
func (c *ChannelConfirmer) RequestApproval(ctx context.Context, exec *models.RecipeExecution, step *models.Step, _ interface{}) (bool, error) {
	key := gateKey(exec.ID, step.Name)
	ch := make(chan bool, 1)

	c.mu.Lock()
	c.gates[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.gates, key)
		c.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers an approval decision for a waiting gate. Returns
// false if no gate with that key is waiting.
func (c *ChannelConfirmer) Resolve(execID, stepName string, approved bool) bool {
	key := gateKey(execID, stepName)

	c.mu.Lock()
	ch, ok := c.gates[key]
	if ok {
		delete(c.gates, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- approved
	log.Info().
		Str("execution_id", execID).
		Str("step", stepName).
		Bool("approved", approved).
		Msg("Approval gate resolved")
	return true
}

// Pending lists the step names currently waiting for approval on an
// execution, sorted.
func (c *ChannelConfirmer) Pending(execID string) []string {
	prefix := execID + ":"
	c.mu.Lock()
	var steps []string
	for key := range c.gates {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			steps = append(steps, key[len(prefix):])
		}
	}
	c.mu.Unlock()
	sort.Strings(steps)
	return steps
}
