// Package integration defines the boundary to external integration
// platforms (CRMs, document stores, ad platforms). The core consumes
// this interface from the integration-read/write step handlers; real
// per-platform adapters live outside this repository.
package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/willhutson/agentvbx/pkg/models"
)

// Platform is the CRUD surface an integration adapter exposes.
type Platform interface {
	List(ctx context.Context, params map[string]interface{}) ([]models.IntegrationRecord, error)
	Read(ctx context.Context, id string) (*models.IntegrationRecord, error)
	Create(ctx context.Context, data map[string]interface{}) (*models.IntegrationRecord, error)
	Update(ctx context.Context, id string, data map[string]interface{}) (*models.IntegrationRecord, error)
}

// Registry maps integration ids to their platform adapters.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewRegistry creates an empty integration registry.
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Platform)}
}

// Register adds a platform under an integration id.
func (r *Registry) Register(id string, p Platform) {
	r.mu.Lock()
	r.platforms[id] = p
	r.mu.Unlock()
}

// Get returns the platform for an integration id.
func (r *Registry) Get(id string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	if !ok {
		return nil, fmt.Errorf("integration %q not registered", id)
	}
	return p, nil
}

// ── In-memory platform ───────────────────────────────────────

// MemoryPlatform is a Platform backed by a map, used in tests and local
// development.
type MemoryPlatform struct {
	mu      sync.RWMutex
	records map[string]models.IntegrationRecord
}

// NewMemoryPlatform creates an empty in-memory platform.
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{records: make(map[string]models.IntegrationRecord)}
}

func (m *MemoryPlatform) List(ctx context.Context, params map[string]interface{}) ([]models.IntegrationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IntegrationRecord, 0, len(m.records))
	for _, rec := range m.records {
		if matches(rec, params) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryPlatform) Read(ctx context.Context, id string) (*models.IntegrationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryPlatform) Create(ctx context.Context, data map[string]interface{}) (*models.IntegrationRecord, error) {
	rec := models.IntegrationRecord{
		ID:     uuid.New().String(),
		Fields: data,
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return &rec, nil
}

func (m *MemoryPlatform) Update(ctx context.Context, id string, data map[string]interface{}) (*models.IntegrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %q not found", id)
	}
	for k, v := range data {
		rec.Fields[k] = v
	}
	m.records[id] = rec
	return &rec, nil
}

// matches applies exact-equality filtering on record fields.
func matches(rec models.IntegrationRecord, params map[string]interface{}) bool {
	for k, want := range params {
		if got, ok := rec.Fields[k]; !ok || got != want {
			return false
		}
	}
	return true
}
