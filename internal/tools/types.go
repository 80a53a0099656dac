// Package tools provides the tool registry consumed by the hostd
// dispatcher. Tools are described by manifests (id plus a set of named
// capabilities) and executed through collaborator-supplied executors; the
// registry itself holds no execution state beyond the enable flag.
package tools

import (
	"context"
	"fmt"
)

// Parameter describes one argument of a capability.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Capability is a named function a tool can perform.
type Capability struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	ReturnType  string      `json:"return_type,omitempty"`
}

// Descriptor identifies a tool and enumerates its capabilities.
type Descriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	Author       string       `json:"author,omitempty"`
	Categories   []string     `json:"categories,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// Validate checks a descriptor before registration.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return ErrToolIDEmpty
	}
	if d.Name == "" {
		return fmt.Errorf("tool %s: name cannot be empty", d.ID)
	}
	for _, c := range d.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("tool %s: capability without a name", d.ID)
		}
	}
	return nil
}

// capability looks up a capability by name.
func (d Descriptor) capability(name string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// Executor runs one of a tool's capabilities. Implementations come from
// outside the core (plugin hosts, built-ins registered at startup).
type Executor func(ctx context.Context, capability string, params map[string]any) (any, error)
