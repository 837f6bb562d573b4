// Package registry resolves (flowType, tenantId) to a graph.GraphDefinition
// and maintains the compiled-plan cache (spec §4.4, §6.4, §9 Plan cache).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowengine/core/infrastructure/cache"
	"github.com/flowengine/core/infrastructure/state"
	"github.com/flowengine/core/internal/flow/compiler"
	"github.com/flowengine/core/internal/flow/graph"
)

// planCacheTTL is deliberately long: per §9, the plan cache has no LRU
// eviction because the plan count is bounded by registered flows. Entries
// are only ever replaced by an explicit version bump, never aged out.
const planCacheTTL = 365 * 24 * time.Hour

// Registry resolves flow graphs and caches their compiled plans.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]*graph.GraphDefinition // keyed by flowType

	backend state.PersistenceBackend // tenant-scoped overrides
	plans   *cache.Cache
}

func New(backend state.PersistenceBackend) *Registry {
	if backend == nil {
		backend = state.NewMemoryBackend(0)
	}
	return &Registry{
		builtins: make(map[string]*graph.GraphDefinition),
		backend:  backend,
		plans:    cache.NewCache(cache.CacheConfig{DefaultTTL: planCacheTTL, MaxSize: 10000}),
	}
}

// RegisterBuiltin adds or replaces an in-process flow definition, validating
// its basic shape before accepting it.
func (r *Registry) RegisterBuiltin(flowType string, def *graph.GraphDefinition) error {
	if err := validateShape(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[flowType] = def
	return nil
}

// GetFlow resolves (flowType, tenantId) -> GraphDefinition: the built-in
// table first, then the opaque tenant-scoped key/value store (spec §6.4).
func (r *Registry) GetFlow(ctx context.Context, flowType, tenantID string) (*graph.GraphDefinition, error) {
	if tenantID != "" {
		if def, ok, err := r.loadTenantFlow(ctx, flowType, tenantID); err != nil {
			return nil, err
		} else if ok {
			return def, nil
		}
	}

	r.mu.RLock()
	def, ok := r.builtins[flowType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("flow type %q is not registered", flowType)
	}
	return def, nil
}

func (r *Registry) loadTenantFlow(ctx context.Context, flowType, tenantID string) (*graph.GraphDefinition, bool, error) {
	key := fmt.Sprintf("flow:%s:%s", tenantID, flowType)
	data, err := r.backend.Load(ctx, key)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var def graph.GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, false, fmt.Errorf("flow record %q is malformed: %w", key, err)
	}
	if err := validateShape(&def); err != nil {
		return nil, false, err
	}
	return &def, true, nil
}

// PutTenantFlow stores a tenant-scoped flow override.
func (r *Registry) PutTenantFlow(ctx context.Context, flowType, tenantID string, def *graph.GraphDefinition) error {
	if err := validateShape(def); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("flow:%s:%s", tenantID, flowType)
	return r.backend.Save(ctx, key, data)
}

// GetPlan resolves and compiles the plan for (flowType, tenantId), serving
// from the plan cache keyed by (graph.id, flowVersion) when present and
// invalidating on a flowVersion bump (spec §4.4).
func (r *Registry) GetPlan(ctx context.Context, flowType, tenantID string) (*graph.CompiledPlan, error) {
	def, err := r.GetFlow(ctx, flowType, tenantID)
	if err != nil {
		return nil, err
	}
	return r.CompilePlan(def)
}

// CompilePlan compiles def, serving from and populating the plan cache.
func (r *Registry) CompilePlan(def *graph.GraphDefinition) (*graph.CompiledPlan, error) {
	key := planCacheKey(def.ID, def.FlowVersion)
	if cached, _, ok := r.plans.GetVersion(key); ok {
		return cached.(*graph.CompiledPlan), nil
	}

	plan, err := compiler.Compile(def)
	if err != nil {
		return nil, err
	}

	r.invalidateStalePlans(def.ID, def.FlowVersion)
	r.plans.Set(key, plan, 0)
	return plan, nil
}

// invalidateStalePlans drops any cached plan for graphID whose version is
// lower than flowVersion, so a version bump cannot serve a stale plan
// forever under its own cache key.
func (r *Registry) invalidateStalePlans(graphID string, flowVersion int64) {
	for v := int64(0); v < flowVersion; v++ {
		r.plans.Invalidate(planCacheKey(graphID, v))
	}
}

func planCacheKey(graphID string, flowVersion int64) string {
	return fmt.Sprintf("%s@%d", graphID, flowVersion)
}

func validateShape(def *graph.GraphDefinition) error {
	if def == nil {
		return fmt.Errorf("flow record is nil")
	}
	if def.ID == "" {
		return fmt.Errorf("flow record missing id")
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("flow record %q has no nodes", def.ID)
	}
	hasStart, hasEnd := false, false
	for _, n := range def.Nodes {
		if n.Type == graph.NodeStart {
			hasStart = true
		}
		if n.Type == graph.NodeEnd {
			hasEnd = true
		}
	}
	if !hasStart {
		return fmt.Errorf("flow record %q has no start node", def.ID)
	}
	if !hasEnd {
		return fmt.Errorf("flow record %q has no end node", def.ID)
	}
	if len(def.Nodes) > 1 && len(def.Edges) == 0 {
		return fmt.Errorf("flow record %q has multiple nodes but no edges", def.ID)
	}
	return nil
}
