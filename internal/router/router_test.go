package router

import (
	"testing"

	"github.com/orbitcheck/engine/check"
	"github.com/orbitcheck/engine/internal/events"
	"github.com/orbitcheck/engine/internal/expreval"
	"github.com/orbitcheck/engine/internal/journal"
	"github.com/orbitcheck/engine/internal/memorystore"
	"github.com/orbitcheck/engine/internal/schema"
	"github.com/orbitcheck/engine/internal/state"
	"github.com/orbitcheck/engine/provider"
)

func newTestContext(checks map[string]*check.Check, maxLoops int) *state.EngineContext {
	return &state.EngineContext{
		SessionID:  "sess",
		Event:      "test",
		MaxLoops:   maxLoops,
		Journal:    journal.New("sess"),
		Evaluator:  expreval.New(),
		Memory:     memorystore.New(),
		Schemas:    schema.NewRegistry(),
		Providers:  provider.NewRegistry(),
		Bus:        events.NewBus(),
		ChecksByID: checks,
	}
}

func TestRouteEnforcesLoopBudget(t *testing.T) {
	a := &check.Check{ID: "A", OnSuccess: &check.RoutingBlock{Goto: "A"}}
	ctx := newTestContext(map[string]*check.Check{"A": a}, 3)
	ctx.Journal.CommitEntry(check.JournalEntry{CheckID: "A", Scope: check.Scope{}, Result: check.Result{}})

	r := New()
	rs := state.NewRunState()

	var lastResult check.Result
	for wave := 0; wave < 10; wave++ {
		rs.Wave = wave
		lastResult = r.Route(ctx, rs, a, check.Scope{}, check.Result{}, false)
		if lastResult.HasFatalIssues() {
			break
		}
	}

	if !lastResult.HasFatalIssues() {
		t.Fatalf("expected loop_budget_exceeded issue once the budget is exhausted, got %+v", lastResult)
	}
	found := false
	for _, iss := range lastResult.Issues {
		if iss.RuleID == "A/routing/loop_budget_exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ruleId A/routing/loop_budget_exceeded, got %+v", lastResult.Issues)
	}
	if rs.RoutingLoopCount != 3 {
		t.Fatalf("routingLoopCount = %d, want exactly max_loops (3), since budget-exceeded aborts before incrementing further", rs.RoutingLoopCount)
	}
}

func TestRouteTransitionNoOpDoesNotEnqueueWaveRetry(t *testing.T) {
	noop := "" // placeholder, To stays nil below
	_ = noop
	a := &check.Check{
		ID: "A",
		OnSuccess: &check.RoutingBlock{
			Transitions: []check.Transition{{When: "true", To: nil}},
		},
	}
	ctx := newTestContext(map[string]*check.Check{"A": a}, 10)
	r := New()
	rs := state.NewRunState()

	r.Route(ctx, rs, a, check.Scope{}, check.Result{}, false)

	if len(rs.RetryQueue) != 0 {
		t.Fatalf("expected no WaveRetry for a no-op transition, got %+v", rs.RetryQueue)
	}
	if len(rs.ForwardQueue) != 0 {
		t.Fatalf("expected no forward-run request for a no-op transition, got %+v", rs.ForwardQueue)
	}
}

func TestRouteTransitionFirstMatchWins(t *testing.T) {
	a := &check.Check{
		ID: "A",
		OnSuccess: &check.RoutingBlock{
			Transitions: []check.Transition{
				{When: "true", To: strPtr("B")},
				{When: "true", To: strPtr("C")},
			},
		},
	}
	b := &check.Check{ID: "B"}
	ctx := newTestContext(map[string]*check.Check{"A": a, "B": b}, 10)
	r := New()
	rs := state.NewRunState()

	r.Route(ctx, rs, a, check.Scope{}, check.Result{}, false)

	if len(rs.ForwardQueue) != 1 {
		t.Fatalf("expected exactly one forward-run request, got %+v", rs.ForwardQueue)
	}
	if rs.ForwardQueue[0].Target != "B" {
		t.Fatalf("expected the first matching rule (B) to win, got %q", rs.ForwardQueue[0].Target)
	}
}

func TestRouteFanoutExpandsPerForEachItem(t *testing.T) {
	a := &check.Check{ID: "fetch", OnSuccess: &check.RoutingBlock{Goto: "process"}}
	process := &check.Check{ID: "process", Type: "command"} // map fanout by default
	ctx := newTestContext(map[string]*check.Check{"fetch": a, "process": process}, 10)

	agg := check.Result{IsForEach: true, ForEachItems: []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}
	ctx.Journal.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}, Result: agg})

	r := New()
	rs := state.NewRunState()
	r.Route(ctx, rs, a, check.Scope{}, agg, false)

	if len(rs.ForwardQueue) != 2 {
		t.Fatalf("expected 2 forward-run requests (one per item), got %d: %+v", len(rs.ForwardQueue), rs.ForwardQueue)
	}
	for i, ev := range rs.ForwardQueue {
		if ev.Target != "process" {
			t.Fatalf("event %d target = %q, want process", i, ev.Target)
		}
		if len(ev.Scope) != 1 || ev.Scope[0].Index != i {
			t.Fatalf("event %d scope = %+v, want index %d", i, ev.Scope, i)
		}
	}
}

func strPtr(s string) *string { return &s }
