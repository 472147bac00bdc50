package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbitcheck/engine/check"
	"github.com/orbitcheck/engine/internal/events"
	"github.com/orbitcheck/engine/internal/expreval"
	"github.com/orbitcheck/engine/internal/journal"
	"github.com/orbitcheck/engine/internal/memorystore"
	"github.com/orbitcheck/engine/internal/schema"
	"github.com/orbitcheck/engine/internal/state"
	"github.com/orbitcheck/engine/provider"
)

func newTestContext(checks map[string]*check.Check, registry *provider.Registry) *state.EngineContext {
	return &state.EngineContext{
		SessionID:      "sess",
		Event:          "test",
		MaxParallelism: 4,
		MaxLoops:       10,
		Journal:        journal.New("sess"),
		Evaluator:      expreval.New(),
		Memory:         memorystore.New(),
		Schemas:        schema.NewRegistry(),
		Providers:      registry,
		Bus:            events.NewBus(),
		ChecksByID:     checks,
	}
}

func run(t *testing.T, checks []check.Check, registry *provider.Registry) (*state.EngineContext, *state.RunState) {
	t.Helper()
	byID := map[string]*check.Check{}
	for i := range checks {
		byID[checks[i].ID] = &checks[i]
	}
	ctx := newTestContext(byID, registry)
	rs := state.NewRunState()

	ids := make([]string, 0, len(checks))
	for i := range checks {
		ids = append(ids, checks[i].ID)
	}
	New().RunLevel(context.Background(), ctx, rs, ids)
	return ctx, rs
}

// TestRunLevelOrDependencySatisfiedByEitherAlternative covers §2's OR-token
// depends_on semantics: "B|C" is satisfied once either completes without a
// fatal issue.
func TestRunLevelOrDependencySatisfiedByEitherAlternative(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register("fails", provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
		return check.Result{Issues: []check.Issue{{Severity: check.SeverityCritical, RuleID: "error/error"}}}, nil
	}))
	registry.Register("ok", provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
		return check.Result{}, nil
	}))
	ran := false
	registry.Register("dependent", provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
		ran = true
		return check.Result{}, nil
	}))

	checks := []check.Check{
		{ID: "B", Type: "fails"},
		{ID: "C", Type: "ok"},
		{ID: "D", Type: "dependent", DependsOn: []string{"B|C"}},
	}

	// Checks in a level must already be marked completed for dependency
	// gating to observe them; RunLevel only drives one level at a time, so
	// B and C need to run and commit before D's gating check fires. Since
	// they share a level here, run B and C first, then D, mirroring how the
	// planner sequences levels in practice.
	ctx, rs := runLevels(t, checks, registry, [][]string{{"B", "C"}, {"D"}})
	_ = ctx

	if !ran {
		t.Fatalf("D did not run despite satisfying B|C via C's success")
	}
	if st := rs.StatsFor("D"); st.Skipped != 0 {
		t.Fatalf("D was skipped: %+v", st)
	}
}

func runLevels(t *testing.T, checks []check.Check, registry *provider.Registry, levels [][]string) (*state.EngineContext, *state.RunState) {
	t.Helper()
	byID := map[string]*check.Check{}
	for i := range checks {
		byID[checks[i].ID] = &checks[i]
	}
	ctx := newTestContext(byID, registry)
	rs := state.NewRunState()
	d := New()
	for _, level := range levels {
		d.RunLevel(context.Background(), ctx, rs, level)
	}
	return ctx, rs
}

// TestRunLevelSessionGroupSerializesRelativeOrder covers §4.4's
// session-group serialization: checks sharing session_provider run one at a
// time, in declaration order, even though the level itself dispatches
// concurrently with other groups.
func TestRunLevelSessionGroupSerializesRelativeOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	recording := func(id string) provider.Provider {
		return provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return check.Result{}, nil
		})
	}

	registry := provider.NewRegistry()
	registry.Register("s1", recording("S1"))
	registry.Register("s2", recording("S2"))
	registry.Register("s3", recording("S3"))

	checks := []check.Check{
		{ID: "S1", Type: "s1", SessionProvider: "shared"},
		{ID: "S2", Type: "s2", SessionProvider: "shared"},
		{ID: "S3", Type: "s3", SessionProvider: "shared"},
	}

	_, _ = run(t, checks, registry)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "S1" || order[1] != "S2" || order[2] != "S3" {
		t.Fatalf("session-group order = %v, want [S1 S2 S3]", order)
	}
}

// TestRunLevelForEachEmptySkipsMapDependent covers §4.4 step 3c: a forEach
// parent with zero items produces a forEach_empty skip on its map-fanout
// dependent rather than dispatching it.
func TestRunLevelForEachEmptySkipsMapDependent(t *testing.T) {
	var invocations int32
	registry := provider.NewRegistry()
	registry.Register("fetch", provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
		return check.Result{IsForEach: true, ForEachItems: []any{}}, nil
	}))
	registry.Register("process", provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
		atomic.AddInt32(&invocations, 1)
		return check.Result{}, nil
	}))

	checks := []check.Check{
		{ID: "fetch", Type: "fetch", ForEach: true},
		{ID: "process", Type: "process", DependsOn: []string{"fetch"}},
	}

	_, rs := runLevels(t, checks, registry, [][]string{{"fetch"}, {"process"}})

	if invocations != 0 {
		t.Fatalf("process was invoked %d times despite an empty forEach parent", invocations)
	}
	st := rs.StatsFor("process")
	if st == nil || st.Skipped != 1 || st.SkipReason != "forEach_empty" {
		t.Fatalf("process stats = %+v, want skipped once with reason forEach_empty", st)
	}
}

// TestRunLevelGuaranteeAndSchemaAreNonFatalFindings covers §4.4 step 4: both
// contract checks append issues without flipping the check into a failure
// branch or affecting its run-success bookkeeping.
func TestRunLevelGuaranteeAndSchemaAreNonFatalFindings(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register("noop", provider.Func(func(ctx context.Context, in provider.Input, cfg provider.Config, deps provider.DependencyResults, execCtx provider.ExecutionContext) (check.Result, error) {
		return check.Result{Output: map[string]any{"name": 7}}, nil
	}))

	schemaRaw := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	checks := []check.Check{
		{ID: "A", Type: "noop", Schema: &check.SchemaRef{Inline: schemaRaw}, Guarantee: "false"},
	}

	_, rs := run(t, checks, registry)

	st := rs.StatsFor("A")
	if st == nil || st.SuccessfulRuns != 1 || st.FailedRuns != 0 {
		t.Fatalf("A stats = %+v, want 1 successful run despite contract findings", st)
	}
	if st.IssuesFound != 2 {
		t.Fatalf("A issues found = %d, want 2 (schema + guarantee)", st.IssuesFound)
	}
}
