// Package engine wires the DependencyResolver, LevelDispatcher, Router, and
// WavePlanner into the runner state machine described in §4.6: Init ->
// PlanReady -> WavePlanning -> LevelDispatch -> (WavePlanning | Completed |
// Error). Running each check and routing its result happen inside
// LevelDispatch rather than as runner states of their own. Grounded on the teacher's Engine/Run
// entrypoint (internal/attractor/engine/engine.go: Run builds a graph,
// validates it, then drives runLoop until a terminal status), generalized
// from kilroy's single-DOT-graph run to the spec's check-set Execute call.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orbitcheck/engine/check"
	"github.com/orbitcheck/engine/internal/depgraph"
	"github.com/orbitcheck/engine/internal/dispatch"
	"github.com/orbitcheck/engine/internal/events"
	"github.com/orbitcheck/engine/internal/expreval"
	"github.com/orbitcheck/engine/internal/idgen"
	"github.com/orbitcheck/engine/internal/journal"
	"github.com/orbitcheck/engine/internal/memorystore"
	"github.com/orbitcheck/engine/internal/planner"
	"github.com/orbitcheck/engine/internal/schema"
	"github.com/orbitcheck/engine/internal/state"
	"github.com/orbitcheck/engine/provider"
)

// ExecuteInput is the Execute entrypoint's argument bundle (§6).
type ExecuteInput struct {
	// Checks is every configured check in the graph. CheckSet, if non-empty,
	// names the subset to actually run; the resolver still builds levels
	// over the full Checks set so dependency references resolve, but only
	// checks transitively reachable (via depends_on) from CheckSet's
	// expansion are dispatched. A CheckSet entry may be a doublestar glob
	// (e.g. "lint_*"), expanded against every check id.
	Checks   []check.Check
	CheckSet []string

	Config EngineConfig

	Event            string
	ExecutionContext provider.ExecutionContext

	Environment    map[string]string
	WorkflowInputs map[string]any
	Branch         string
	BaseBranch     string
	FilesChanged   []string

	// Providers resolves each check's Type tag to its execution contract.
	// Required: the engine has no providers of its own (§1 Non-goals).
	Providers *provider.Registry

	// Schemas, if nil, is created empty; RegisterID schemas before Execute
	// if any check references a ValidatorID.
	Schemas *schema.Registry
}

// Runner drives one Execute call's state machine.
type Runner struct {
	dispatcher *dispatch.Dispatcher
	planner    *planner.Planner
}

// New returns a Runner with fresh Router/Dispatcher/Planner instances.
func New() *Runner {
	return &Runner{dispatcher: dispatch.New(), planner: planner.New()}
}

// Execute resolves in.Checks into a level plan and drives it to completion,
// returning the aggregated ExecutionResult (§6).
func Execute(ctx context.Context, in ExecuteInput) (ExecutionResult, error) {
	return New().Execute(ctx, in)
}

func (r *Runner) Execute(runCtx context.Context, in ExecuteInput) (ExecutionResult, error) {
	started := time.Now()
	rs := state.NewRunState()

	sessionID, err := idgen.NewSessionID()
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("engine: generate session id: %w", err)
	}

	schemas := in.Schemas
	if schemas == nil {
		schemas = schema.NewRegistry()
	}
	ectx := &state.EngineContext{
		SessionID:        sessionID,
		Event:            in.Event,
		MaxParallelism:   in.Config.maxParallelism(),
		FailFast:         in.Config.failFast(),
		Debug:            in.Config.debug(),
		MaxLoops:         in.Config.maxLoops(),
		DefaultTimeoutMS: in.Config.defaultTimeoutMS(),
		GlobalFailIf:     in.Config.GlobalFailIf,
		ExecutionContext: in.ExecutionContext,
		Journal:          journal.New(sessionID),
		Evaluator:        expreval.New(),
		Memory:           memorystore.New(),
		Schemas:          schemas,
		Providers:        in.Providers,
		Bus:              events.NewBus(),
		ChecksByID:       map[string]*check.Check{},
		Environment:      in.Environment,
		WorkflowInputs:   in.WorkflowInputs,
		Branch:           in.Branch,
		BaseBranch:       in.BaseBranch,
		FilesChanged:     in.FilesChanged,
	}
	for i := range in.Checks {
		c := &in.Checks[i]
		ectx.ChecksByID[c.ID] = c
	}

	rs.CurrentState = state.StateInit
	plan, err := depgraph.Build(in.Checks)
	if err != nil {
		ectx.Bus.Publish(events.Event{Kind: events.KindStateTransition, From: string(state.StateInit), To: string(state.StateError)})
		rs.CurrentState = state.StateError
		return r.errorResult(ectx, rs, started, err), nil
	}

	rs.CurrentState = state.StatePlanReady
	levels, err := r.scopedLevels(plan, in.CheckSet)
	if err != nil {
		return r.errorResult(ectx, rs, started, err), nil
	}
	r.planner.Seed(rs, levels)
	ectx.Bus.Publish(events.Event{Kind: events.KindPlanBuilt, Graph: plan})

	rs.CurrentState = state.StateWavePlanning
	for {
		wave, terminal := r.planner.Next(rs)
		if terminal {
			break
		}
		ectx.Bus.Publish(events.Event{Kind: events.KindWaveRequested, Wave: rs.Wave})
		ectx.Bus.Publish(events.Event{Kind: events.KindLevelReady, Level: wave.Level, Wave: rs.Wave})

		rs.CurrentState = state.StateLevelDispatch
		r.dispatcher.RunLevel(runCtx, ectx, rs, wave.Level)

		ectx.Bus.Publish(events.Event{Kind: events.KindLevelDepleted, Level: wave.Level, Wave: rs.Wave})
		rs.CurrentState = state.StateWavePlanning

		if runCtx.Err() != nil {
			break
		}
	}

	rs.CurrentState = state.StateCompleted
	ectx.Bus.Publish(events.Event{Kind: events.KindShutdown})
	return r.finalResult(ectx, rs, started), nil
}

// scopedLevels expands in's requested check-id subset (supporting
// doublestar globs) transitively over depends_on, then filters plan.Levels
// down to the reachable set while preserving level order. An empty
// requested set runs everything.
func (r *Runner) scopedLevels(plan *depgraph.Plan, requested []string) ([][]string, error) {
	if len(requested) == 0 {
		return plan.Levels, nil
	}

	allIDs := make([]string, 0, len(plan.ByID))
	for id := range plan.ByID {
		allIDs = append(allIDs, id)
	}
	sort.Strings(allIDs)

	selected := map[string]bool{}
	for _, pattern := range requested {
		matchedAny := false
		for _, id := range allIDs {
			ok, err := doublestar.Match(pattern, id)
			if err != nil {
				return nil, fmt.Errorf("engine: invalid check selector %q: %w", pattern, err)
			}
			if ok {
				selected[id] = true
				matchedAny = true
			}
		}
		if !matchedAny && plan.ByID[pattern] != nil {
			selected[pattern] = true
			matchedAny = true
		}
	}

	// Transitive closure over depends_on: any selected check pulls in its
	// full dependency chain so the resolver's ordering still holds.
	changed := true
	for changed {
		changed = false
		for id := range selected {
			c := plan.ByID[id]
			if c == nil {
				continue
			}
			for _, token := range c.DependsOn {
				for _, alt := range splitOr(token) {
					if alt != "" && !selected[alt] {
						selected[alt] = true
						changed = true
					}
				}
			}
		}
	}

	levels := make([][]string, len(plan.Levels))
	for i, level := range plan.Levels {
		for _, id := range level {
			if selected[id] {
				levels[i] = append(levels[i], id)
			}
		}
	}
	return levels, nil
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

func (r *Runner) errorResult(ctx *state.EngineContext, rs *state.RunState, started time.Time, err error) ExecutionResult {
	return ExecutionResult{
		Issues: []check.Issue{{
			Severity: check.SeverityCritical,
			RuleID:   "system/error",
			Message:  err.Error(),
		}},
		RunMetadata: RunMetadata{
			SessionID: ctx.SessionID,
			Event:     ctx.Event,
			Waves:     rs.Wave,
			Duration:  time.Since(started),
		},
	}
}

func (r *Runner) finalResult(ctx *state.EngineContext, rs *state.RunState, started time.Time) ExecutionResult {
	ids := make([]string, 0, len(rs.Stats))
	for id := range rs.Stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var allIssues []check.Issue
	checks := make([]CheckStatistics, 0, len(ids))
	for _, id := range ids {
		st := rs.Stats[id]
		checks = append(checks, CheckStatistics{
			Name:                 id,
			TotalRuns:            st.TotalRuns,
			SuccessfulRuns:       st.SuccessfulRuns,
			FailedRuns:           st.FailedRuns,
			Skipped:              st.Skipped,
			SkipReason:           st.SkipReason,
			IssuesFound:          st.IssuesFound,
			IssuesBySeverity:     st.IssuesBySeverity,
			TotalDuration:        st.TotalDuration,
			OutputsProduced:      st.OutputsProduced,
			PerIterationDuration: st.PerIterationDuration,
			ForEachPreview:       st.ForEachPreview,
		})
		for _, entry := range ctx.Journal.GetHistory(id, "") {
			allIssues = append(allIssues, entry.Result.Issues...)
		}
	}

	return ExecutionResult{
		Issues:              allIssues,
		ExecutionStatistics: ExecutionStatistics{Checks: checks},
		RunMetadata: RunMetadata{
			SessionID: ctx.SessionID,
			Event:     ctx.Event,
			Waves:     rs.Wave,
			Duration:  time.Since(started),
		},
		AwaitingHumanInput: rs.Flags.AwaitingHumanInput,
	}
}
