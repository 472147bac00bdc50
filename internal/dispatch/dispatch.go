// Package dispatch implements the LevelDispatcher (§4.4): executes one
// topological level with bounded parallelism, session-group serialization,
// if/assume gating, forEach map/reduce fan-out, and the per-invocation
// pipeline (if -> assume -> provider.Execute -> schema validation ->
// guarantee -> fail_if/routing -> commit). Grounded on the teacher's
// parallel_handlers.go worker-pool pattern
// (internal/attractor/engine/parallel_handlers.go: bounded goroutines over a
// channel of ready nodes, collected with sync.WaitGroup), generalized from
// kilroy's single DOT-node dispatch to the spec's forEach map/reduce
// fan-out and dependency-result view construction (§4.5).
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orbitcheck/engine/check"
	"github.com/orbitcheck/engine/internal/events"
	"github.com/orbitcheck/engine/internal/expreval"
	"github.com/orbitcheck/engine/internal/journal"
	"github.com/orbitcheck/engine/internal/router"
	"github.com/orbitcheck/engine/internal/schema"
	"github.com/orbitcheck/engine/internal/state"
	"github.com/orbitcheck/engine/provider"
)

// Dispatcher executes one topological level at a time.
type Dispatcher struct {
	router *router.Router
}

// New returns a Dispatcher backed by its own Router instance.
func New() *Dispatcher {
	return &Dispatcher{router: router.New()}
}

// RunLevel executes every check id in level, honoring session-group
// serialization and bounded parallelism, and returns once every check (and
// its routing pass) has committed.
func (d *Dispatcher) RunLevel(runCtx context.Context, ctx *state.EngineContext, rs *state.RunState, level []string) {
	ids := dedupe(level)
	groups := groupBySession(ctx, ids)

	rs.Mu.Lock()
	rs.WaveSnapshot = ctx.Journal.BeginSnapshot()
	rs.Mu.Unlock()

	// Publish every CheckScheduled event for this level synchronously, before
	// any goroutine starts doing work, so §5 invariant 2 ("within one level,
	// all CheckScheduled events precede any CheckCompleted event from that
	// level") holds regardless of how fast an individual check completes.
	for _, id := range ids {
		ctx.Bus.Publish(events.Event{Kind: events.KindCheckScheduled, CheckID: id})
	}

	sem := make(chan struct{}, maxInt(ctx.MaxParallelism, 1))
	var wg sync.WaitGroup

	for _, group := range groups {
		group := group
		if len(group) > 1 {
			// Session-sharing checks run sequentially relative to each other,
			// but the whole session group itself can run concurrently with
			// other groups/singletons.
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				for _, id := range group {
					d.runOne(runCtx, ctx, rs, id)
				}
			}()
			continue
		}
		id := group[0]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.runOne(runCtx, ctx, rs, id)
		}()
	}
	wg.Wait()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// groupBySession partitions ids into session groups (same non-empty
// SessionProvider, in their original relative order) and singleton groups
// for every check with no session.
func groupBySession(ctx *state.EngineContext, ids []string) [][]string {
	bySession := map[string][]string{}
	var order []string
	var singles [][]string
	for _, id := range ids {
		c := ctx.ChecksByID[id]
		if c != nil && c.SessionProvider != "" {
			if _, ok := bySession[c.SessionProvider]; !ok {
				order = append(order, c.SessionProvider)
			}
			bySession[c.SessionProvider] = append(bySession[c.SessionProvider], id)
			continue
		}
		singles = append(singles, []string{id})
	}
	out := make([][]string, 0, len(order)+len(singles))
	for _, session := range order {
		out = append(out, bySession[session])
	}
	out = append(out, singles...)
	return out
}

// runOne drives one check id from dependency gating through routing.
func (d *Dispatcher) runOne(runCtx context.Context, ctx *state.EngineContext, rs *state.RunState, id string) {
	c := ctx.ChecksByID[id]
	if c == nil {
		return
	}

	if reason, ok := d.unsatisfiedDependency(ctx, rs, c); !ok {
		d.skip(ctx, rs, c, check.Scope{}, reason)
		return
	}

	if c.If != "" {
		gateCtx := d.ifGateContext(ctx, rs, c, check.Scope{}, nil)
		if ok, err := ctx.Evaluator.EvalGate(c.If, gateCtx); err != nil || !ok {
			d.skip(ctx, rs, c, check.Scope{}, "if_condition")
			return
		}
	}

	parentItems, parentScope, parentFound := d.forEachParentItems(ctx, c)
	if parentFound && c.EffectiveFanout() == check.FanoutMap {
		d.runForEach(runCtx, ctx, rs, c, parentItems, parentScope)
		return
	}

	d.runSingle(runCtx, ctx, rs, c, check.Scope{}, nil)
}

// unsatisfiedDependency reports (reason, false) if a depends_on token group
// is not satisfied: every alternative is either not completed, failed (and
// not continue_on_failure), or skipped.
func (d *Dispatcher) unsatisfiedDependency(ctx *state.EngineContext, rs *state.RunState, c *check.Check) (string, bool) {
	for _, token := range c.DependsOn {
		if !d.tokenSatisfied(ctx, rs, token) {
			return "dependency_failed", false
		}
	}
	return "", true
}

func (d *Dispatcher) tokenSatisfied(ctx *state.EngineContext, rs *state.RunState, token string) bool {
	for _, alt := range splitOr(token) {
		if alt == "" {
			continue
		}
		rs.Mu.Lock()
		completed := rs.CompletedChecks[alt]
		failed := rs.FailedChecks[alt]
		rs.Mu.Unlock()
		if !completed {
			continue
		}
		dep := ctx.ChecksByID[alt]
		if !failed || (dep != nil && dep.ContinueOnFailure) {
			return true
		}
	}
	return false
}

func splitOr(token string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(token); i++ {
		if i == len(token) || token[i] == '|' {
			out = append(out, token[start:i])
			start = i + 1
		}
	}
	return out
}

// forEachParentItems looks for a dependency whose latest result is an
// aggregated forEach, returning its items (re-read from the journal so a
// goto-retried parent's latest items are observed).
func (d *Dispatcher) forEachParentItems(ctx *state.EngineContext, c *check.Check) ([]any, string, bool) {
	for _, token := range c.DependsOn {
		for _, alt := range splitOr(token) {
			entry, ok := ctx.Journal.Get(alt, check.Scope{}, "")
			if ok && entry.Result.IsForEach {
				return entry.Result.ForEachItems, alt, true
			}
		}
	}
	return nil, "", false
}

// runForEach executes c once per item of a forEach parent's output,
// aggregating into a single isForEach result (§4.4 step 3c).
func (d *Dispatcher) runForEach(runCtx context.Context, ctx *state.EngineContext, rs *state.RunState, c *check.Check, items []any, parentID string) {
	if len(items) == 0 {
		rs.Mu.Lock()
		parentFailed := rs.FailedChecks[parentID]
		rs.Mu.Unlock()
		reason := "forEach_empty"
		if parentFailed {
			reason = "dependency_failed"
		}
		d.skip(ctx, rs, c, check.Scope{}, reason)
		return
	}

	if c.OnInit != nil {
		// on_init runs once before the loop. Its output is stashed in the
		// memory store under a namespaced key rather than threaded through
		// DependencyResults, so every iteration's provider can read it
		// without the preprocessing step being repeated per item.
		if hook := d.invokeHook(runCtx, ctx, c); hook.Output != nil {
			ctx.Memory.Set("on_init:"+c.ID, hook.Output)
		}
	}

	itemResults := make([]check.Result, len(items))
	itemOutputs := make([]any, len(items))
	anySucceeded := false

	// On a retry wave, a previously-committed aggregate for this check is
	// still the journal's latest entry (this call hasn't recommitted yet).
	// Per §4.3 "Retry semantics", only iterations whose prior result was
	// fatal are re-dispatched; a previously-successful index is carried over
	// untouched rather than re-invoking its provider. This assumes the
	// parent's item set is stable across the retry (true unless the parent
	// itself was goto-retried with a changed item count, which invalidates
	// the length check below and falls back to running every item fresh).
	var prior *check.Result
	if entry, ok := ctx.Journal.Get(c.ID, check.Scope{}, ""); ok && entry.Result.IsForEach &&
		len(entry.Result.ForEachItemResults) == len(items) {
		prior = &entry.Result
	}

	for i, item := range items {
		if prior != nil && !prior.ForEachItemResults[i].HasFatalIssues() {
			itemResults[i] = prior.ForEachItemResults[i]
			itemOutputs[i] = itemResults[i].Output
			anySucceeded = true
			continue
		}

		scope := check.Scope{}.WithEntry(parentID, i)
		gateCtx := d.gateContext(ctx, c, scope, item, "")
		if c.Assume != "" {
			if ok, err := ctx.Evaluator.EvalGate(c.Assume, gateCtx); err != nil || !ok {
				r := check.Result{}.WithIssue(check.Issue{
					Severity: check.SeverityInfo,
					RuleID:   c.ID + "/__skipped",
					Message:  "assume",
					Category: "assume",
				})
				itemResults[i] = r
				itemOutputs[i] = nil
				ctx.Journal.CommitEntry(check.JournalEntry{
					SessionID: ctx.SessionID, CheckID: c.ID, Scope: scope,
					Event: check.EventSkipped, Result: r,
				})
				continue
			}
		}

		res := d.invokeProvider(runCtx, ctx, c, scope, item)
		itemResults[i] = res
		itemOutputs[i] = res.Output
		if !res.HasFatalIssues() {
			anySucceeded = true
		}
		ctx.Journal.CommitEntry(check.JournalEntry{
			SessionID: ctx.SessionID, CheckID: c.ID, Scope: scope,
			Event: check.EventExecuted, Result: res,
		})
		rs.Mu.Lock()
		st := rs.StatsFor(c.ID)
		st.TotalRuns++
		if res.HasFatalIssues() {
			st.FailedRuns++
		} else {
			st.SuccessfulRuns++
		}
		for _, iss := range res.Issues {
			st.IssuesFound++
			st.IssuesBySeverity[iss.Severity]++
		}
		rs.Mu.Unlock()
	}

	agg := check.Result{
		IsForEach:          true,
		ForEachItems:       itemOutputs,
		ForEachItemResults: itemResults,
	}
	if !anySucceeded {
		agg = agg.WithIssue(check.Issue{
			Severity: check.SeverityError,
			RuleID:   c.ID + "/error",
			Message:  "every forEach iteration failed",
		})
	}

	hasMapDependents := d.hasMapFanoutDependent(ctx, c.ID)
	agg = d.router.Route(ctx, rs, c, check.Scope{}, agg, hasMapDependents)

	d.finalizeCompletion(ctx, rs, c, check.Scope{}, agg, true)
}

func (d *Dispatcher) hasMapFanoutDependent(ctx *state.EngineContext, id string) bool {
	for _, dep := range ctx.ChecksByID {
		if dep.EffectiveFanout() != check.FanoutMap {
			continue
		}
		for _, token := range dep.DependsOn {
			for _, alt := range splitOr(token) {
				if alt == id {
					return true
				}
			}
		}
	}
	return false
}

// runSingle executes c once at root scope.
func (d *Dispatcher) runSingle(runCtx context.Context, ctx *state.EngineContext, rs *state.RunState, c *check.Check, scope check.Scope, item any) {
	gateCtx := d.gateContext(ctx, c, scope, item, "")
	if c.Assume != "" {
		if ok, err := ctx.Evaluator.EvalGate(c.Assume, gateCtx); err != nil || !ok {
			d.skip(ctx, rs, c, scope, "assume")
			return
		}
	}

	res := d.invokeProvider(runCtx, ctx, c, scope, item)
	// Undefined-output policy (§4.4): a declared forEach producer that
	// doesn't come back with a usable item list (as opposed to an explicit
	// empty one, handled by a map dependent's forEach_empty skip) is a
	// fatal execution error, not a silent zero-item fan-out.
	if c.ForEach && scope.IsRoot() && !res.IsForEach && !res.HasFatalIssues() {
		res = res.WithIssue(check.Issue{
			Severity: check.SeverityCritical,
			RuleID:   "forEach/execution_error",
			Message:  fmt.Sprintf("%s is declared forEach but produced no forEachItems", c.ID),
		})
	}
	res = d.router.Route(ctx, rs, c, scope, res, false)
	d.finalizeCompletion(ctx, rs, c, scope, res, false)
}

// invokeProvider runs the provider.Execute -> schema -> guarantee portion
// of the pipeline (§4.4 step 4, minus fail_if/routing, which the Router
// handles after this returns).
func (d *Dispatcher) invokeProvider(runCtx context.Context, ctx *state.EngineContext, c *check.Check, scope check.Scope, item any) check.Result {
	p, ok := ctx.Providers.Resolve(c.Type)
	if !ok {
		return check.Result{}.WithIssue(check.Issue{
			Severity: check.SeverityCritical,
			RuleID:   c.ID + "/error",
			Message:  fmt.Sprintf("no provider registered for type %q", c.Type),
		})
	}

	timeout := time.Duration(c.EffectiveTimeoutMS(ctx.DefaultTimeoutMS)) * time.Millisecond
	invokeCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	res, err := d.safeExecute(invokeCtx, p, c, scope, item, ctx)
	if err != nil {
		msg := err.Error()
		if invokeCtx.Err() != nil {
			msg = fmt.Sprintf("timed out after %s: %v", timeout, err)
		}
		return check.Result{}.WithIssue(check.Issue{
			Severity: check.SeverityCritical,
			RuleID:   c.ID + "/execution_error",
			Message:  msg,
		})
	}

	if c.Schema != nil {
		if iss, verr := schema.Validate(ctx.Schemas, c.Schema, res.Output); verr == nil && iss != nil {
			res = res.WithIssue(*iss)
		}
	}
	if c.Guarantee != "" {
		gctx := d.gateContext(ctx, c, scope, item, "")
		gctx2 := gctx
		gctx2.Output = res.Output
		if ok, gerr := ctx.Evaluator.EvalGate(c.Guarantee, gctx2); gerr == nil && !ok {
			res = res.WithIssue(check.Issue{
				Severity: check.SeverityError,
				RuleID:   "contract/guarantee_failed",
				Message:  "guarantee condition not satisfied",
			})
		}
	}
	return res
}

// safeExecute recovers a provider panic into a fatal execution-error result
// rather than crashing the runner, grounded on the teacher's executeNode
// panic-recovery wrapper (internal/attractor/engine/engine.go).
func (d *Dispatcher) safeExecute(ctx context.Context, p provider.Provider, c *check.Check, scope check.Scope, item any, ectx *state.EngineContext) (res check.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in provider %q: %v", c.Type, r)
		}
	}()
	deps := d.dependencyResults(ectx, c, scope, item)
	// Deep-clone both the dependency view and the forEach item before handing
	// them to the provider: providers run concurrently across the level and
	// must never observe or mutate the journal's own committed copies.
	clonedDeps := make(provider.DependencyResults, len(deps))
	for id, res := range deps {
		cloned, err := check.CloneResult(res)
		if err != nil {
			cloned = res
		}
		clonedDeps[id] = cloned
	}
	clonedItem, err := check.CloneValue(item)
	if err != nil {
		clonedItem = item
	}
	in := provider.Input{CheckID: c.ID, Scope: scope, Payload: c.Payload, Item: clonedItem}
	cfg := provider.Config{Event: ectx.Event, Debug: ectx.Debug}
	return p.Execute(ctx, in, cfg, clonedDeps, ectx.ExecutionContext)
}

// invokeHook runs an on_init hook once before a forEach parent's loop.
func (d *Dispatcher) invokeHook(runCtx context.Context, ctx *state.EngineContext, c *check.Check) check.Result {
	p, ok := ctx.Providers.Resolve(c.OnInit.Type)
	if !ok {
		return check.Result{}
	}
	in := provider.Input{CheckID: c.ID, Scope: check.Scope{}, Payload: c.OnInit.Payload}
	cfg := provider.Config{Event: ctx.Event, Debug: ctx.Debug}
	res, err := p.Execute(runCtx, in, cfg, nil, ctx.ExecutionContext)
	if err != nil {
		return check.Result{}
	}
	return res
}

func (d *Dispatcher) skip(ctx *state.EngineContext, rs *state.RunState, c *check.Check, scope check.Scope, reason string) {
	res := check.Result{}.WithIssue(check.Issue{
		Severity: check.SeverityInfo,
		RuleID:   c.ID + "/__skipped",
		Message:  reason,
		Category: reason,
	})
	ctx.Journal.CommitEntry(check.JournalEntry{
		SessionID: ctx.SessionID, CheckID: c.ID, Scope: scope,
		Event: check.EventSkipped, Result: res,
	})

	rs.Mu.Lock()
	// Any skip other than forEach_empty makes this check non-satisfying for
	// a dependent's depends_on gating (§4.2: "a group is satisfied iff at
	// least one alternative has committed a non-skipped, non-failed
	// result"). forEach_empty is the one carve-out (§4.4(b)): a map-fanout
	// dependent that saw zero items is not itself a failure for its own
	// non-forEach dependents.
	rs.FailedChecks[c.ID] = reason != "forEach_empty"
	st := rs.StatsFor(c.ID)
	st.Skipped++
	st.SkipReason = reason
	rs.CompletedChecks[c.ID] = true
	rs.CurrentWaveCompletions[c.ID] = true
	rs.Mu.Unlock()

	ctx.Bus.Publish(events.Event{Kind: events.KindCheckCompleted, CheckID: c.ID, Scope: scope, Result: res})
}

// alreadyAccounted is true when the caller (runForEach) has already tallied
// TotalRuns/SuccessfulRuns/FailedRuns/IssuesFound per-item in its own loop,
// so this aggregate completion must not double-count them; only its own
// top-level Issues (e.g. a router-injected fail_if) still need counting.
func (d *Dispatcher) finalizeCompletion(ctx *state.EngineContext, rs *state.RunState, c *check.Check, scope check.Scope, res check.Result, alreadyAccounted bool) {
	ctx.Journal.CommitEntry(check.JournalEntry{
		SessionID: ctx.SessionID, CheckID: c.ID, Scope: scope,
		Event: check.EventExecuted, Result: res,
	})

	rs.Mu.Lock()
	st := rs.StatsFor(c.ID)
	fatal := res.HasFatalIssues()
	// Set explicitly both ways: a check that failed on an earlier attempt
	// and then succeeds on retry must be readable as not-failed by
	// dependency gating (§4.2), not stuck permanently failed from the first
	// attempt.
	rs.FailedChecks[c.ID] = fatal
	if !alreadyAccounted {
		st.TotalRuns++
		if fatal {
			st.FailedRuns++
		} else {
			st.SuccessfulRuns++
		}
		if res.Output != nil {
			st.OutputsProduced++
		}
	}
	for _, iss := range res.Issues {
		st.IssuesFound++
		st.IssuesBySeverity[iss.Severity]++
	}
	rs.CompletedChecks[c.ID] = true
	rs.CurrentWaveCompletions[c.ID] = true

	if res.AwaitingHumanInput {
		rs.Flags.AwaitingHumanInput = true
	}

	if fatal && ctx.FailFast {
		rs.Flags.FailFastTriggered = true
	}
	rs.Mu.Unlock()

	ctx.Bus.Publish(events.Event{Kind: events.KindCheckCompleted, CheckID: c.ID, Scope: scope, Result: res})
}

// dependencyResults builds the per-invocation dependency view (§4.5).
func (d *Dispatcher) dependencyResults(ctx *state.EngineContext, c *check.Check, scope check.Scope, item any) provider.DependencyResults {
	out := provider.DependencyResults{}

	itemIndex := -1
	if len(scope) > 0 {
		itemIndex = scope[len(scope)-1].Index
	}

	for _, token := range c.DependsOn {
		for _, alt := range splitOr(token) {
			if alt == "" || out[alt].Output != nil {
				continue
			}
			out[alt] = d.resolveDependency(ctx, alt, scope, itemIndex)
		}
	}

	// Global namespace: every configured check's latest root-scope result,
	// plus "<name>-raw" for forEach parents (§4.5).
	ids := make([]string, 0, len(ctx.ChecksByID))
	for id := range ctx.ChecksByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entry, ok := ctx.Journal.Get(id, check.Scope{}, "")
		if !ok {
			continue
		}
		if _, already := out[id]; !already {
			out[id] = entry.Result
		}
		if entry.Result.IsForEach {
			out[id+"-raw"] = entry.Result
		}
	}
	return out
}

func (d *Dispatcher) resolveDependency(ctx *state.EngineContext, depID string, scope check.Scope, itemIndex int) check.Result {
	entry, ok := ctx.Journal.Get(depID, scope, "")
	if !ok {
		entry, ok = ctx.Journal.Get(depID, check.Scope{}, "")
		if !ok {
			return check.Result{}
		}
	}
	res := entry.Result
	if res.IsForEach && itemIndex >= 0 && itemIndex < len(res.ForEachItemResults) {
		item := res.ForEachItemResults[itemIndex]
		item.Output = res.ForEachItems[itemIndex]
		return item
	}
	return res
}

// ifGateContext builds the `if`-gate expression context per §4.4(3a): on an
// initial or retry wave, previousResults is read at the snapshot taken when
// this wave's dispatch began (rs.WaveSnapshot), not live, so two checks
// racing in the same wave with no declared depends_on edge between them
// can't make the gate's outcome depend on which one's goroutine happens to
// commit first: the snapshot already includes every earlier wave's results,
// just not anything committed by a sibling during this one. A forward-run
// wave re-dispatches one check in relative isolation specifically to
// observe a fresh write (e.g. to the memory store) from whatever just ran;
// pinning it to the wave-start snapshot would starve a guard on a check
// with declared dependencies from ever seeing that write, so such checks
// read live instead.
func (d *Dispatcher) ifGateContext(ctx *state.EngineContext, rs *state.RunState, c *check.Check, scope check.Scope, item any) expreval.GateContext {
	rs.Mu.Lock()
	useGlobal := rs.Flags.WaveKind == state.WaveForward && len(c.DependsOn) > 0
	snap := rs.WaveSnapshot
	rs.Mu.Unlock()

	if useGlobal {
		return d.gateContext(ctx, c, scope, item, "")
	}
	return d.gateContext(ctx, c, scope, item, snap)
}

// gateContext builds the `fail_if`/`if`/`assume`/`guarantee` expression
// context (§4.3). snap selects the journal read: "" reads the live latest
// entry, a snapshot from Journal.BeginSnapshot restricts reads to entries
// committed before it was taken (see ifGateContext).
func (d *Dispatcher) gateContext(ctx *state.EngineContext, c *check.Check, scope check.Scope, item any, snap journal.Snapshot) expreval.GateContext {
	prev := map[string]check.Result{}
	for id := range ctx.ChecksByID {
		if entry, ok := ctx.Journal.Get(id, check.Scope{}, snap); ok {
			prev[id] = entry.Result
		}
	}
	var output any
	if entry, ok := ctx.Journal.Get(c.ID, scope, snap); ok {
		output = entry.Result.Output
	}
	if item != nil {
		output = item
	}
	return expreval.GateContext{
		PreviousResults: prev,
		Event:           ctx.Event,
		Output:          output,
		Environment:     ctx.Environment,
		WorkflowInputs:  ctx.WorkflowInputs,
		Branch:          ctx.Branch,
		BaseBranch:      ctx.BaseBranch,
		FilesChanged:    ctx.FilesChanged,
	}
}
