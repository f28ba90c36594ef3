// Package tools is the registry of built-in agent capabilities, the policy
// layer that filters them per agent, and the per-tool handlers.
package tools

import (
	"context"

	"github.com/bashclaw/bashclaw/internal/providers"
)

// Elevation levels.
const (
	ElevationNone      = "none"
	ElevationElevated  = "elevated"
	ElevationDangerous = "dangerous"
)

// Tool is one registered capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-Schema input spec.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// OptionalTool marks tools excluded from profiles unless explicitly
// allowed (shell, write_file).
type OptionalTool interface {
	Optional() bool
}

// ElevatedTool declares a non-default elevation level.
type ElevatedTool interface {
	Elevation() string
}

func toolElevation(t Tool) string {
	if e, ok := t.(ElevatedTool); ok {
		return e.Elevation()
	}
	return ElevationNone
}

func toolOptional(t Tool) bool {
	if o, ok := t.(OptionalTool); ok {
		return o.Optional()
	}
	return false
}

// ToProviderDef translates a tool into the normalized provider shape.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Parameters(),
	}
}
