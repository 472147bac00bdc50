// Package schema compiles and runs check.SchemaRef validators (§4.5:
// "contract/schema_validation_failed"). Grounded on the teacher's
// compileSchema (internal/agent/tool_registry.go), which compiles an inline
// map[string]any into a *jsonschema.Schema via the same library; generalized
// here to also resolve schemas by a registered validator id.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orbitcheck/engine/check"
)

// Registry compiles and caches JSON Schemas, resolvable either by a
// validator id registered ahead of time (e.g. by config loading, an
// external collaborator) or by an inline schema embedded in a check.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*jsonschema.Schema
	compiled map[string]*jsonschema.Schema // cache keyed by raw inline schema bytes
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     map[string]*jsonschema.Schema{},
		compiled: map[string]*jsonschema.Schema{},
	}
}

// RegisterID compiles raw (a JSON Schema document) and makes it resolvable
// by id. Returns an error if raw is not a valid schema.
func (r *Registry) RegisterID(id string, raw json.RawMessage) error {
	s, err := compile(id, raw)
	if err != nil {
		return fmt.Errorf("schema %q: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = s
	return nil
}

// Resolve compiles (or retrieves from cache) the schema named by ref. An
// empty ref resolves to (nil, nil): no validation is performed.
func (r *Registry) Resolve(ref *check.SchemaRef) (*jsonschema.Schema, error) {
	if ref == nil || ref.IsEmpty() {
		return nil, nil
	}
	if ref.ValidatorID != "" {
		r.mu.Lock()
		s, ok := r.byID[ref.ValidatorID]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("schema: unknown validator id %q", ref.ValidatorID)
		}
		return s, nil
	}
	key := string(ref.Inline)
	r.mu.Lock()
	if s, ok := r.compiled[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, err := compile("inline", ref.Inline)
	if err != nil {
		return nil, fmt.Errorf("schema: inline: %w", err)
	}
	r.mu.Lock()
	r.compiled[key] = s
	r.mu.Unlock()
	return s, nil
}

func compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// Validate checks output against ref, returning a contract/schema_validation_failed
// issue if validation fails. A nil/empty ref is always valid.
func Validate(reg *Registry, ref *check.SchemaRef, output any) (*check.Issue, error) {
	s, err := reg.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	// jsonschema validates decoded JSON values (map[string]any, []any,
	// string, float64, bool, nil), so round-trip through json to normalize
	// Go-native types (e.g. int, struct) the same way a provider's raw
	// output would arrive off the wire.
	b, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal output: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("schema: unmarshal output: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return &check.Issue{
			Severity: check.SeverityError,
			RuleID:   "contract/schema_validation_failed",
			Message:  err.Error(),
		}, nil
	}
	return nil, nil
}
