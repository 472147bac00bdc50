// Package planner implements the WavePlanner (§4.6): drains queued
// ForwardRunRequested/WaveRetry events into synthetic waves, ahead of the
// remaining topological level queue, and decides when the run terminates.
// Grounded on the teacher's main dispatch loop in
// internal/attractor/engine/engine.go (a queue of ready nodes re-filled
// after each batch completes), generalized from kilroy's single ready-queue
// to the spec's distinct initial/forward/retry wave kinds.
package planner

import (
	"sort"

	"github.com/orbitcheck/engine/internal/state"
)

// Planner pops levels from RunState for the runner's WavePlanning step.
type Planner struct{}

// New returns a Planner. It is stateless.
func New() *Planner {
	return &Planner{}
}

// Wave is one unit of dispatch work: a set of check ids and the kind of
// wave producing them.
type Wave struct {
	Level []string
	Kind  state.WaveKind
}

// Next pops the next wave of work, or reports terminal=true when the run
// should transition to Completed (§4.6). Queued forward-run requests always
// preempt the remaining level queue; a queued wave-retry with no forward-run
// request alongside it is dropped.
func (p *Planner) Next(rs *state.RunState) (wave Wave, terminal bool) {
	if rs.Flags.FailFastTriggered {
		rs.LevelQueue = nil
		rs.ForwardQueue = nil
		rs.RetryQueue = nil
		return Wave{}, true
	}
	if rs.Flags.AwaitingHumanInput {
		return Wave{}, true
	}

	if len(rs.ForwardQueue) > 0 {
		seen := map[string]bool{}
		var level []string
		for _, fr := range rs.ForwardQueue {
			if seen[fr.Target] {
				continue
			}
			seen[fr.Target] = true
			level = append(level, fr.Target)
		}
		sort.Strings(level)
		rs.ForwardQueue = nil
		rs.RetryQueue = nil
		rs.Wave++
		rs.CurrentWaveCompletions = map[string]bool{}
		rs.Flags.WaveKind = state.WaveForward
		return Wave{Level: level, Kind: state.WaveForward}, false
	}

	if len(rs.RetryQueue) > 0 {
		// A bare WaveRetry with no ForwardRunRequested alongside it just
		// asks the planner to re-check guards; there is nothing new to run.
		rs.RetryQueue = nil
	}

	if len(rs.LevelQueue) == 0 {
		return Wave{}, true
	}

	level := rs.LevelQueue[0]
	rs.LevelQueue = rs.LevelQueue[1:]
	rs.Wave++
	rs.CurrentWaveCompletions = map[string]bool{}
	rs.Flags.WaveKind = state.WaveInitial
	return Wave{Level: level, Kind: state.WaveInitial}, false
}

// Seed installs the resolved plan's levels and resets wave bookkeeping for
// a fresh run (§4.6 PlanReady).
func (p *Planner) Seed(rs *state.RunState, levels [][]string) {
	rs.LevelQueue = levels
	rs.Wave = 0
	rs.Flags.WaveKind = state.WaveInitial
}
