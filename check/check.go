// Package check holds the static configuration model and result types the
// engine operates on. Parsing a configuration document into these types
// (extends/imports merging, schema validation of the document itself) is an
// external collaborator's job — this package only defines the shapes.
package check

import "encoding/json"

// Fanout selects how a forEach parent's items are distributed to a dependent.
type Fanout string

const (
	// FanoutUnset lets the engine infer fanout from the provider type:
	// reduce for aggregator-style providers (script, memory, log, workflow,
	// noop), map otherwise.
	FanoutUnset  Fanout = ""
	FanoutMap    Fanout = "map"
	FanoutReduce Fanout = "reduce"
)

// BackoffMode selects the retry delay curve.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffExponential BackoffMode = "exponential"
)

// Backoff configures the delay between retry attempts. Delay computation is
// advisory: the engine re-enqueues for a future wave, the scheduler owns
// actual timing.
type Backoff struct {
	Mode       BackoffMode
	DelayMS    int
	MaxDelayMS int
}

// RetryPolicy bounds how many additional attempts a failed check gets.
type RetryPolicy struct {
	Max     int
	Backoff Backoff
}

// Transition is one declarative routing rule. The first rule whose When
// expression evaluates true wins. To == nil is an explicit no-op: the rule
// matched but intentionally routes nowhere, which still overrides any
// goto/goto_js fallback (see Router, §4.3 step 3 and §9 Open Question 1).
type Transition struct {
	When string
	To   *string
}

// RoutingBlock is one of on_success/on_fail/on_finish. Processing order
// within a branch is: Run, RunJS, Retry (on_fail only), then either
// Transitions (first match wins) or, if no transitions are declared,
// GotoJS then Goto.
type RoutingBlock struct {
	Run   []string
	RunJS string

	Retry *RetryPolicy

	Transitions []Transition

	GotoJS string
	Goto   string
}

// IsEmpty reports whether this routing block declares no routing actions at
// all, i.e. on_finish should be skipped entirely rather than evaluated.
func (b *RoutingBlock) IsEmpty() bool {
	if b == nil {
		return true
	}
	return len(b.Run) == 0 && b.RunJS == "" && b.Retry == nil &&
		len(b.Transitions) == 0 && b.GotoJS == "" && b.Goto == ""
}

// SchemaRef names a schema validator: either a registered validator id or an
// inline JSON Schema document.
type SchemaRef struct {
	ValidatorID string
	Inline      json.RawMessage
}

// IsEmpty reports whether no schema was declared.
func (s *SchemaRef) IsEmpty() bool {
	return s == nil || (s.ValidatorID == "" && len(s.Inline) == 0)
}

// InitHook is an on_init lifecycle step run once before a check's per-item
// forEach loop, so preprocessing isn't repeated per item. A non-nil hook
// output is stored in the run's memory store under "on_init:<check id>"; it
// is not added to the iterations' dependency results.
type InitHook struct {
	Type    string
	Payload map[string]any
}

// Check is one node of the user-configured execution graph. It never
// mutates at runtime — all runtime state lives in the engine's RunState and
// the ExecutionJournal.
type Check struct {
	ID   string
	Type string // provider tag; providers form a flat registry keyed by this

	// DependsOn is a list of tokens. A token is either a bare check id or
	// "id1|id2|..." denoting "any one of".
	DependsOn []string

	If        string
	Assume    string
	Guarantee string
	FailIf    string

	ForEach bool
	Fanout  Fanout

	OnInit *InitHook

	OnSuccess *RoutingBlock
	OnFail    *RoutingBlock
	OnFinish  *RoutingBlock

	Retry *RetryPolicy

	ContinueOnFailure bool

	Schema *SchemaRef

	Group string
	Tags  []string

	// SessionProvider, if non-empty, names a session group: checks sharing a
	// session run sequentially relative to each other within a level.
	SessionProvider string

	// TimeoutMS bounds one provider invocation; 0 means the engine default
	// (600000ms per §5).
	TimeoutMS int

	// Payload is the opaque, provider-specific configuration (prompt, exec
	// command, url, ...). The engine never inspects it.
	Payload map[string]any
}

// EffectiveFanout resolves the configured Fanout, defaulting based on
// whether the provider type is a known aggregator tag.
func (c *Check) EffectiveFanout() Fanout {
	if c.Fanout != FanoutUnset {
		return c.Fanout
	}
	switch c.Type {
	case "script", "memory", "log", "workflow", "noop":
		return FanoutReduce
	default:
		return FanoutMap
	}
}

// EffectiveTimeoutMS returns the configured per-check timeout, falling back
// to the run's configured default (engine.EngineConfig.DefaultTimeoutMS,
// itself defaulting to 600000ms per §5) when the check declares none.
func (c *Check) EffectiveTimeoutMS(runDefaultMS int) int {
	if c.TimeoutMS > 0 {
		return c.TimeoutMS
	}
	return runDefaultMS
}
