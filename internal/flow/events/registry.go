package events

import (
	"fmt"
	"sort"
	"sync"
)

// BeforeHookResult is returned by a before-hook (spec §4.7).
type BeforeHookResult struct {
	Continue   bool
	Annotations map[string]interface{}
	DenyReason  string
	DenyCode    string
}

// BeforeHook gates an event or flow transition before it takes effect.
type BeforeHook interface {
	Handle(ctx HookContext) (BeforeHookResult, error)
}

// AfterHook runs a side effect once the business action has committed.
type AfterHook interface {
	Handle(ctx HookContext) error
}

// HookContext carries the event/transition data visible to a hook.
type HookContext struct {
	EventType string
	Payload   map[string]interface{}
}

// hookEntry is the shared shape behind both registries.
type hookEntry struct {
	ID              string
	Pattern         string
	Priority        int
	TimeoutMs       int
	Enabled         bool
	Async           bool // after-hooks only
	ContinueOnError bool // after-hooks only
	before          BeforeHook
	after           AfterHook
}

// HookRegistry is an in-memory, id-keyed registry of before- or after-hooks
// (spec §4.7's Handler/Hook registries).
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]*hookEntry
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string]*hookEntry)}
}

// RegisterBefore validates and installs (or replaces) a before-hook.
func (r *HookRegistry) RegisterBefore(id, pattern string, priority, timeoutMs int, h BeforeHook) error {
	if err := r.validate(id, pattern, h); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[id] = &hookEntry{ID: id, Pattern: pattern, Priority: priority, TimeoutMs: timeoutMs, Enabled: true, before: h}
	return nil
}

// RegisterAfter validates and installs (or replaces) an after-hook.
func (r *HookRegistry) RegisterAfter(id, pattern string, priority, timeoutMs int, async, continueOnError bool, h AfterHook) error {
	if err := r.validate(id, pattern, h); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[id] = &hookEntry{
		ID: id, Pattern: pattern, Priority: priority, TimeoutMs: timeoutMs, Enabled: true,
		Async: async, ContinueOnError: continueOnError, after: h,
	}
	return nil
}

func (r *HookRegistry) validate(id, pattern string, h interface{}) error {
	if id == "" {
		return fmt.Errorf("hook id must not be empty")
	}
	if pattern == "" {
		return fmt.Errorf("hook pattern must not be empty")
	}
	if h == nil {
		return fmt.Errorf("hook handler must not be nil")
	}
	return ValidatePattern(pattern)
}

// Unregister removes a hook.
func (r *HookRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, id)
}

// SetEnabled toggles a hook without removing its registration.
func (r *HookRegistry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("hook %q is not registered", id)
	}
	e.Enabled = enabled
	return nil
}

// GetByEventType returns enabled hooks whose pattern matches eventType,
// ordered by descending priority (spec §4.7).
func (r *HookRegistry) GetByEventType(eventType string) []*hookEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*hookEntry, 0)
	for _, e := range r.hooks {
		if e.Enabled && MatchPattern(e.Pattern, eventType) {
			matches = append(matches, e)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })
	return matches
}
