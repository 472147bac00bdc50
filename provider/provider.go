// Package provider defines the contract the engine calls out to for actual
// work (AI calls, shell commands, HTTP requests, ...). The engine treats a
// provider as an opaque function; providers themselves (AI clients, shell
// runners, HTTP clients, sandboxes) are external collaborators and are never
// implemented here.
package provider

import (
	"context"

	"github.com/orbitcheck/engine/check"
)

// Input is everything a provider needs to do its work for one invocation.
type Input struct {
	// CheckID/Scope identify the invocation for logging/telemetry only;
	// providers must not use them to reach into engine internals.
	CheckID string
	Scope   check.Scope

	// Payload is the check's opaque provider-specific configuration.
	Payload map[string]any

	// Item is the current forEach item when this invocation is a per-item
	// map-fanout dispatch; nil for root-scope/reduce invocations.
	Item any
}

// Config carries engine-wide, provider-agnostic settings a provider may
// consult (none are interpreted by the engine).
type Config struct {
	Event string // trigger name
	Debug bool
}

// DependencyResults is the per-invocation dependency view built per §4.5:
// check id -> that check's result as visible from the calling scope.
type DependencyResults map[string]check.Result

// ExecutionContext is an opaque bag forwarded to providers: auth clients,
// webhook payloads, parent-scope pointers for nested workflows. The engine
// never inspects its contents.
type ExecutionContext any

// Provider is the flat, opaque execution contract every check type
// delegates to. There is deliberately no inheritance hierarchy over checks
// or providers (§9 Forbidden patterns) — providers form a flat registry
// keyed by the check's Type tag.
type Provider interface {
	Execute(ctx context.Context, in Input, cfg Config, deps DependencyResults, execCtx ExecutionContext) (check.Result, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, in Input, cfg Config, deps DependencyResults, execCtx ExecutionContext) (check.Result, error)

func (f Func) Execute(ctx context.Context, in Input, cfg Config, deps DependencyResults, execCtx ExecutionContext) (check.Result, error) {
	return f(ctx, in, cfg, deps, execCtx)
}
