// Package router implements the Router component (§4.3): fail_if
// evaluation, branch selection, and forward-run emission (run/run_js/retry/
// transitions/goto_js/goto), with loop-budget enforcement. Grounded on the
// teacher's routing switch in internal/attractor/engine/engine.go (which
// walks success/failure edges out of a completed DOT node) and its
// backoff-driven retry re-enqueue; generalized from kilroy's single static
// edge-list to the spec's ordered run/run_js/retry/transitions/goto_js/goto
// pipeline with an explicit loop budget.
package router

import (
	"fmt"
	"strconv"

	"github.com/orbitcheck/engine/check"
	"github.com/orbitcheck/engine/internal/backoff"
	"github.com/orbitcheck/engine/internal/events"
	"github.com/orbitcheck/engine/internal/expreval"
	"github.com/orbitcheck/engine/internal/state"
)

// Router routes a just-completed check to its next forward-run targets.
type Router struct{}

// New returns a Router. It is stateless; all mutable routing state lives on
// the RunState passed to Route.
func New() *Router {
	return &Router{}
}

// Route runs the full routing pass for one completed (checkID, scope,
// result) and returns the (possibly issue-augmented) result. deferOnFinish
// is true when c is a forEach parent with map-fanout dependents; in that
// case this call does not evaluate on_finish, and no later routing pass
// evaluates it either.
func (r *Router) Route(ctx *state.EngineContext, rs *state.RunState, c *check.Check, scope check.Scope, result check.Result, deferOnFinish bool) check.Result {
	gateCtx := r.buildGateContext(ctx, rs, c, result)

	// A forEach aggregate counts as fatal for branch-selection purposes if
	// *any* iteration failed, even when other iterations succeeded (the
	// aggregate's own top-level Issues only carry a fatal entry when every
	// iteration failed, per §4.4 step 3c). This is what lets on_fail.retry
	// re-dispatch the failing iterations while siblings that already
	// succeeded are left alone (§4.3 "Retry semantics", §8 scenario 6).
	fatal := result.HasFatalIssues() || anyForEachItemFatal(result)

	if ctx.GlobalFailIf != "" {
		if ok, _ := ctx.Evaluator.EvalGate(ctx.GlobalFailIf, gateCtx); ok {
			result = result.WithIssue(check.Issue{
				Severity: check.SeverityCritical,
				RuleID:   "global_fail_if",
				Message:  "global fail_if condition matched",
			})
			fatal = true
		}
	}
	if c.FailIf != "" {
		if ok, _ := ctx.Evaluator.EvalGate(c.FailIf, gateCtx); ok {
			result = result.WithIssue(check.Issue{
				Severity: check.SeverityCritical,
				RuleID:   c.ID + "_fail_if",
				Message:  "fail_if condition matched",
			})
			fatal = true
		}
	}
	fatal = fatal || result.HasFatalIssues()

	branch := c.OnSuccess
	if fatal {
		branch = c.OnFail
	}

	st := &routeState{ctx: ctx, rs: rs, c: c, scope: scope, result: result}

	if !branch.IsEmpty() {
		st.processBranch(branch, branch == c.OnFail)
	}
	if !st.aborted && !deferOnFinish && !c.OnFinish.IsEmpty() {
		st.processBranch(c.OnFinish, false)
	}
	if len(st.issues) > 0 {
		for _, iss := range st.issues {
			result = result.WithIssue(iss)
		}
	}

	if st.emittedAny {
		rs.Mu.Lock()
		guardKey := ctx.Event + "|" + c.ID + "|" + strconv.Itoa(rs.Wave)
		fresh := !rs.ForwardRunGuards[guardKey]
		if fresh {
			rs.ForwardRunGuards[guardKey] = true
			rs.RetryQueue = append(rs.RetryQueue, state.WaveRetryRequest{Reason: "forward_run", Trigger: c.ID})
			rs.Flags.ForwardRunRequested = true
		}
		rs.Mu.Unlock()
		if fresh {
			ctx.Bus.Publish(events.Event{Kind: events.KindWaveRetry, Reason: "forward_run", CheckID: c.ID})
		}
	}

	return result
}

// routeState carries the mutable bookkeeping for one Route call: the issues
// accumulated (loop-budget exceeded), whether anything was forwarded, and
// whether budget exhaustion aborted the remaining routing.
type routeState struct {
	ctx   *state.EngineContext
	rs    *state.RunState
	c     *check.Check
	scope check.Scope

	// result is the result being routed; it is not committed to the journal
	// until routing returns.
	result check.Result

	issues     []check.Issue
	emittedAny bool
	aborted    bool
}

// processBranch runs run -> run_js -> (retry if allowRetry) -> transitions
// or goto_js/goto, in that order, stopping early if the loop budget is
// exhausted.
func (s *routeState) processBranch(b *check.RoutingBlock, allowRetry bool) {
	for _, target := range b.Run {
		if s.aborted {
			return
		}
		s.emitForward(target, events.OriginRun, "")
	}
	if s.aborted {
		return
	}
	if b.RunJS != "" {
		ids, err := s.ctx.Evaluator.EvalScript(b.RunJS, s.scriptContext())
		if err == nil {
			for _, id := range toStringSlice(ids) {
				if s.aborted {
					return
				}
				s.emitForward(id, events.OriginRunJS, "")
			}
		}
	}
	if s.aborted {
		return
	}
	if allowRetry && b.Retry != nil {
		s.emitRetry(b.Retry)
	}
	if s.aborted {
		return
	}

	if len(b.Transitions) > 0 {
		for _, t := range b.Transitions {
			ok, err := s.ctx.Evaluator.EvalGate(t.When, s.gateContextForTransitions())
			if err != nil || !ok {
				continue
			}
			if t.To != nil {
				s.emitForward(*t.To, events.OriginGoto, "")
			}
			// A matching rule wins regardless of its target (nil == explicit
			// no-op): either way goto_js/goto are not consulted.
			return
		}
		return
	}

	if b.GotoJS != "" {
		target, err := s.ctx.Evaluator.EvalScript(b.GotoJS, s.scriptContext())
		if err == nil {
			if ts, ok := target.(string); ok && ts != "" {
				s.emitForward(ts, events.OriginGotoJS, ts)
			}
		}
		return
	}
	if b.Goto != "" {
		s.emitForward(b.Goto, events.OriginGoto, "")
	}
}

// checkBudget enforces §4.3 step 4: before any emission, if
// routingLoopCount >= max_loops, record the fatal issue and abort.
func (s *routeState) checkBudget() bool {
	s.rs.Mu.Lock()
	exhausted := s.rs.RoutingLoopCount >= s.ctx.MaxLoops
	if !exhausted {
		s.rs.RoutingLoopCount++
	}
	s.rs.Mu.Unlock()

	if exhausted {
		s.issues = append(s.issues, check.Issue{
			Severity: check.SeverityCritical,
			RuleID:   s.c.ID + "/routing/loop_budget_exceeded",
			Message:  fmt.Sprintf("routing loop budget (%d) exceeded", s.ctx.MaxLoops),
		})
		s.aborted = true
		return false
	}
	return true
}

// emitForward enqueues a ForwardRunRequested for target, expanding into one
// event per forEach item when target's fanout is map and the originating
// check produced non-empty forEachItems (§4.3 "Fanout expansion in
// routing").
func (s *routeState) emitForward(target string, origin events.Origin, gotoEvent string) {
	if !s.checkBudget() {
		return
	}
	s.emittedAny = true

	targetCheck := s.ctx.ChecksByID[target]
	mapFanout := targetCheck != nil && targetCheck.EffectiveFanout() == check.FanoutMap
	items := s.currentForEachItems()

	if mapFanout && len(items) > 0 {
		for i := range items {
			itemScope := s.scope.WithEntry(s.c.ID, i)
			s.publish(target, itemScope, origin, gotoEvent)
		}
		return
	}
	s.publish(target, check.Scope{}, origin, gotoEvent)
}

// emitRetry re-schedules c itself at the same scope, bounded by the retry
// policy's Max in addition to (not instead of) the shared loop budget
// (§9 Open Question 3: retries count uniformly against routingLoopCount).
func (s *routeState) emitRetry(policy *check.RetryPolicy) {
	key := state.RetryKey{CheckID: s.c.ID, Scope: s.scope.String()}
	s.rs.Mu.Lock()
	attempt := s.rs.RetryAttempts[key] + 1
	s.rs.Mu.Unlock()
	if policy.Max > 0 && attempt > policy.Max {
		return
	}
	if !s.checkBudget() {
		return
	}
	s.emittedAny = true
	s.rs.Mu.Lock()
	s.rs.RetryAttempts[key] = attempt
	s.rs.Mu.Unlock()

	guardKey := s.c.ID + "|" + s.scope.String()
	delay := backoff.Delay(policy.Backoff, attempt, guardKey)
	_ = delay // advisory only; actual timing belongs to the wave scheduler (§4.3)

	s.publish(s.c.ID, s.scope, events.OriginRetry, "")
}

func (s *routeState) publish(target string, scope check.Scope, origin events.Origin, gotoEvent string) {
	ev := state.ForwardRunEvent{
		Target:    target,
		Scope:     scope,
		Origin:    origin,
		GotoEvent: gotoEvent,
		Trigger:   s.c.ID,
	}
	s.rs.Mu.Lock()
	s.rs.ForwardQueue = append(s.rs.ForwardQueue, ev)
	s.rs.Mu.Unlock()
	s.ctx.Bus.Publish(events.Event{
		Kind:      events.KindForwardRunRequested,
		CheckID:   s.c.ID,
		Target:    target,
		Scope:     scope,
		Origin:    origin,
		GotoEvent: gotoEvent,
	})
}

func (s *routeState) currentForEachItems() []any {
	return s.result.ForEachItems
}

func (r *Router) buildGateContext(ctx *state.EngineContext, rs *state.RunState, c *check.Check, result check.Result) expreval.GateContext {
	return expreval.GateContext{
		PreviousResults: latestResults(ctx),
		Event:           ctx.Event,
		Output:          result.Output,
		Environment:     ctx.Environment,
		WorkflowInputs:  ctx.WorkflowInputs,
		Branch:          ctx.Branch,
		BaseBranch:      ctx.BaseBranch,
		FilesChanged:    ctx.FilesChanged,
	}
}

func (s *routeState) gateContextForTransitions() expreval.GateContext {
	entry, _ := s.ctx.Journal.Get(s.c.ID, s.scope, "")
	return expreval.GateContext{
		PreviousResults: latestResults(s.ctx),
		Event:           s.ctx.Event,
		Output:          entry.Result.Output,
		Environment:     s.ctx.Environment,
		WorkflowInputs:  s.ctx.WorkflowInputs,
		Branch:          s.ctx.Branch,
		BaseBranch:      s.ctx.BaseBranch,
		FilesChanged:    s.ctx.FilesChanged,
	}
}

func (s *routeState) scriptContext() expreval.ScriptContext {
	entry, _ := s.ctx.Journal.Get(s.c.ID, s.scope, "")
	outputs := map[string]check.Result{}
	history := map[string][]check.Result{}
	for id, e := range s.ctx.Journal.AllLatestRoot("") {
		outputs[id] = e.Result
	}
	for id := range s.ctx.ChecksByID {
		hist := s.ctx.Journal.GetHistory(id, "")
		rs := make([]check.Result, 0, len(hist))
		for _, h := range hist {
			rs = append(rs, h.Result)
		}
		history[id] = rs
	}
	return expreval.ScriptContext{
		Step:           s.c.ID,
		Outputs:        outputs,
		OutputsHistory: history,
		Output:         entry.Result.Output,
		Memory:         s.ctx.Memory.GetAll(),
		Event:          s.ctx.Event,
		ForEach:        entry.Result.ForEachItems,
	}
}

// anyForEachItemFatal reports whether a forEach aggregate carries at least
// one iteration with a fatal issue, independent of the aggregate's own
// top-level Issues (which only get a fatal entry when every iteration
// failed).
func anyForEachItemFatal(result check.Result) bool {
	if !result.IsForEach {
		return false
	}
	for _, item := range result.ForEachItemResults {
		if item.HasFatalIssues() {
			return true
		}
	}
	return false
}

func latestResults(ctx *state.EngineContext) map[string]check.Result {
	out := map[string]check.Result{}
	for id, e := range ctx.Journal.AllLatestRoot("") {
		out[id] = e.Result
	}
	return out
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}
