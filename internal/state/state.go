// Package state holds the engine's per-run mutable RunState and immutable
// EngineContext (§3), shared by the router, dispatcher, and planner so none
// of them need to import the top-level engine package (which wires them
// together). Grounded on the teacher's RunState shape in
// internal/attractor/engine/engine.go (wave counters, activeDispatches,
// completedChecks, flags), generalized from kilroy's DOT-node bookkeeping to
// the spec's explicit RunState field list.
package state

import (
	"sync"
	"time"

	"github.com/orbitcheck/engine/check"
	"github.com/orbitcheck/engine/internal/events"
	"github.com/orbitcheck/engine/internal/expreval"
	"github.com/orbitcheck/engine/internal/journal"
	"github.com/orbitcheck/engine/internal/memorystore"
	"github.com/orbitcheck/engine/internal/schema"
	"github.com/orbitcheck/engine/provider"
)

// WaveKind distinguishes how the current wave's level was produced.
type WaveKind string

const (
	WaveInitial WaveKind = "initial"
	WaveForward WaveKind = "forward"
	WaveRetry   WaveKind = "retry"
)

// RunnerState names a node of the state machine in §4.6.
type RunnerState string

const (
	StateInit          RunnerState = "Init"
	StatePlanReady     RunnerState = "PlanReady"
	StateWavePlanning  RunnerState = "WavePlanning"
	StateLevelDispatch RunnerState = "LevelDispatch"
	StateCompleted     RunnerState = "Completed"
	StateError         RunnerState = "Error"
)

// Flags is the RunState.flags bag from §3.
type Flags struct {
	FailFastTriggered   bool
	ForwardRunRequested bool
	ForwardRunActive    bool
	WaveKind            WaveKind
	AwaitingHumanInput  bool
}

// ForwardRunEvent is a queued ForwardRunRequested (§6): a request to run
// checkID at scope in a future synthetic wave.
type ForwardRunEvent struct {
	Target    string
	Scope     check.Scope
	Origin    events.Origin
	GotoEvent string
	Trigger   string // the originating check id, used in the dedup guard key
}

// WaveRetryRequest is a queued WaveRetry (§6): "re-evaluate guards next
// wave" without necessarily naming a specific target.
type WaveRetryRequest struct {
	Reason  string
	Trigger string
}

// RetryKey identifies one (checkId, scope) pair for RetryAttempts counting.
type RetryKey struct {
	CheckID string
	Scope   string
}

// CheckStats accumulates per-check execution statistics for the final
// ExecutionResult (§6). Created lazily, updated in place, never deleted
// (§3 Lifecycles).
type CheckStats struct {
	TotalRuns             int
	SuccessfulRuns        int
	FailedRuns            int
	Skipped               int
	SkipReason            string
	IssuesFound           int
	IssuesBySeverity      map[check.Severity]int
	TotalDuration         time.Duration
	OutputsProduced       int
	PerIterationDuration  []time.Duration
	ForEachPreview        []any
}

func newCheckStats() *CheckStats {
	return &CheckStats{IssuesBySeverity: map[check.Severity]int{}}
}

// RunState is the engine's single run's mutable state. §5 models mutation
// as happening on one logical "runner" thread, but within a level the
// dispatcher runs each check's provider call and its post-completion
// critical section (journal commit, stats, routing) on its own goroutine,
// bounded by maxParallelism; Mu serializes every one of those goroutines'
// re-entries into RunState so two checks completing in the same instant
// never race on the maps below (grounded on the teacher's own
// parallel_handlers.go, which serializes its equivalent bookkeeping through
// a single results-collector goroutine; a mutex is the same guarantee
// without introducing a second goroutine shape here).
type RunState struct {
	Mu sync.Mutex

	CurrentState RunnerState
	Wave         int

	LevelQueue [][]string // remaining topological levels to dispatch

	ForwardQueue []ForwardRunEvent
	RetryQueue   []WaveRetryRequest

	ActiveDispatches int

	CompletedChecks        map[string]bool
	CurrentWaveCompletions map[string]bool
	FailedChecks           map[string]bool

	RoutingLoopCount int
	RetryAttempts    map[RetryKey]int
	ForwardRunGuards map[string]bool // key: trigger|checkId|wave

	// WaveSnapshot is taken at the start of the current wave's dispatch, before
	// any of its checks run (§4.4(3a)). An `if` gate on an initial/retry wave
	// reads previousResults at this snapshot rather than live, so two checks
	// racing in the same wave with no declared depends_on edge between them
	// can't make the gate's outcome depend on goroutine scheduling order.
	WaveSnapshot journal.Snapshot

	Stats map[string]*CheckStats

	Flags Flags
}

// NewRunState returns a zero-value RunState ready for Init.
func NewRunState() *RunState {
	return &RunState{
		CurrentState:           StateInit,
		CompletedChecks:        map[string]bool{},
		CurrentWaveCompletions: map[string]bool{},
		FailedChecks:           map[string]bool{},
		RetryAttempts:          map[RetryKey]int{},
		ForwardRunGuards:       map[string]bool{},
		Stats:                  map[string]*CheckStats{},
	}
}

// StatsFor returns (creating if absent) the CheckStats record for checkID.
func (s *RunState) StatsFor(checkID string) *CheckStats {
	st, ok := s.Stats[checkID]
	if !ok {
		st = newCheckStats()
		s.Stats[checkID] = st
	}
	return st
}

// EngineContext is immutable for the lifetime of one run (§3). It bundles
// every collaborator component needs: the config, the journal, the
// expression evaluator, the provider registry, and the event bus.
type EngineContext struct {
	SessionID string
	Event     string // trigger name

	MaxParallelism   int
	FailFast         bool
	Debug            bool
	MaxLoops         int
	DefaultTimeoutMS int
	GlobalFailIf     string

	ExecutionContext provider.ExecutionContext

	Journal    *journal.Journal
	Evaluator  *expreval.Evaluator
	Memory     *memorystore.Store
	Schemas    *schema.Registry
	Providers  *provider.Registry
	Bus        *events.Bus

	ChecksByID map[string]*check.Check

	// Environment/WorkflowInputs/Branch/BaseBranch/FilesChanged feed the
	// gate expression context (§4.3); the engine treats them as opaque
	// pass-throughs supplied by the caller, same as ExecutionContext.
	Environment    map[string]string
	WorkflowInputs map[string]any
	Branch         string
	BaseBranch     string
	FilesChanged   []string
}
