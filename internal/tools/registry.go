package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostd/internal/logging"
)

// entry pairs a descriptor with its executor and enable flag.
type entry struct {
	desc    Descriptor
	exec    Executor
	enabled bool
}

// Registry holds all known tools and routes invocations to their
// executors. It is thread-safe and supports registration at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	log   *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
		log:   logging.L(logging.CategoryTools),
	}
}

// Register adds a tool. Registering an existing id is an error; use Upsert
// for manifest reloads.
func (r *Registry) Register(desc Descriptor, exec Executor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.ID)
	}
	r.tools[desc.ID] = &entry{desc: desc, exec: exec, enabled: true}
	r.log.Info("tool registered",
		zap.String("tool", desc.ID),
		zap.Int("capabilities", len(desc.Capabilities)))
	return nil
}

// Upsert adds or replaces a tool descriptor, preserving the enable flag
// and any bound executor of an existing entry when the replacement does
// not carry one.
func (r *Registry) Upsert(desc Descriptor, exec Executor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.tools[desc.ID]; exists {
		if exec == nil {
			exec = old.exec
		}
		r.tools[desc.ID] = &entry{desc: desc, exec: exec, enabled: old.enabled}
		return nil
	}
	r.tools[desc.ID] = &entry{desc: desc, exec: exec, enabled: true}
	return nil
}

// BindExecutor attaches an executor to a registered tool.
func (r *Registry) BindExecutor(toolID string, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[toolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	e.exec = exec
	return nil
}

// Remove deletes a tool. Removing an unknown id is a no-op.
func (r *Registry) Remove(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, toolID)
}

// SetEnabled flips a tool's availability. Disabled tools are invisible to
// Invoke but remain listed so operators can see and re-enable them.
func (r *Registry) SetEnabled(toolID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[toolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	e.enabled = enabled
	r.log.Info("tool availability changed",
		zap.String("tool", toolID),
		zap.Bool("enabled", enabled))
	return nil
}

// Listing pairs a descriptor with its current enable state. Disabled
// tools stay listable so operators can re-enable them.
type Listing struct {
	Descriptor Descriptor `json:"descriptor"`
	Enabled    bool       `json:"enabled"`
}

// List returns all tools sorted by id.
func (r *Registry) List() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, Listing{Descriptor: e.desc, Enabled: e.enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke runs a tool capability. A disabled or unknown tool fails with
// ErrToolNotFound; an unknown capability with ErrCapabilityNotFound. A
// failure (or panic) inside the executor is wrapped as ErrExecutionFailed
// carrying the underlying message.
func (r *Registry) Invoke(ctx context.Context, toolID, capability string, params map[string]any) (result any, err error) {
	r.mu.RLock()
	e, ok := r.tools[toolID]
	if !ok || !e.enabled {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	desc := e.desc
	exec := e.exec
	r.mu.RUnlock()

	capDef, ok := desc.capability(capability)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrCapabilityNotFound, toolID, capability)
	}
	for _, p := range capDef.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingRequiredParam, p.Name)
		}
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: no executor bound for %s", ErrExecutionFailed, toolID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%w: panic in %s.%s: %v", ErrExecutionFailed, toolID, capability, rec)
			r.log.Error("tool executor panicked",
				zap.String("tool", toolID),
				zap.String("capability", capability),
				zap.Any("panic", rec))
		}
	}()

	start := time.Now()
	result, err = exec(ctx, capability, params)
	dur := time.Since(start)
	if err != nil {
		r.log.Warn("tool invocation failed",
			zap.String("tool", toolID),
			zap.String("capability", capability),
			zap.Duration("took", dur),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrExecutionFailed, toolID, capability, err)
	}
	r.log.Debug("tool invocation complete",
		zap.String("tool", toolID),
		zap.String("capability", capability),
		zap.Duration("took", dur))
	return result, nil
}
