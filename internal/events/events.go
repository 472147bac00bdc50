// Package events implements the engine's internal event bus. EngineEvent
// producers (dispatcher, router, runner) publish to it and Subscribe
// callbacks receive every event. The runner does not read its work from the
// bus: forward-run and wave-retry requests are queued on RunState, and the
// bus makes no distinction between internal and externally visible events.
package events

import (
	"sync"

	"github.com/orbitcheck/engine/check"
)

// Kind enumerates the engine-emitted event vocabulary from §6.
type Kind string

const (
	KindPlanBuilt           Kind = "PlanBuilt"
	KindWaveRequested       Kind = "WaveRequested"
	KindLevelReady          Kind = "LevelReady"
	KindLevelDepleted       Kind = "LevelDepleted"
	KindCheckScheduled      Kind = "CheckScheduled"
	KindCheckCompleted      Kind = "CheckCompleted"
	KindCheckErrored        Kind = "CheckErrored"
	KindForwardRunRequested Kind = "ForwardRunRequested"
	KindWaveRetry           Kind = "WaveRetry"
	KindStateTransition     Kind = "StateTransition"
	KindShutdown            Kind = "Shutdown"
)

// Origin enumerates how a ForwardRunRequested event was produced.
type Origin string

const (
	OriginRun    Origin = "run"
	OriginRunJS  Origin = "run_js"
	OriginGoto   Origin = "goto"
	OriginGotoJS Origin = "goto_js"
	OriginRetry  Origin = "retry"
)

// Event is a single structured engine event. Only the fields relevant to
// Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	Wave  int
	Level []string // check ids in this topological level/synthetic batch

	CheckID string
	Scope   check.Scope
	Result  check.Result
	Err     error

	Target    string // ForwardRunRequested target check id
	Origin    Origin
	GotoEvent string

	Reason string // WaveRetry reason

	From string // StateTransition
	To   string

	Graph any // PlanBuilt: opaque snapshot of resolved levels
}

// Bus fans Event values out to subscribers in-process. Publish invokes the
// subscribers synchronously in its own goroutine, in subscription order, and
// returns once they have all run (no bus lock is held while they run), which
// preserves the ordering
// guarantees in §5 (a routing pass and its emitted events are observed in
// the order they were produced).
type Bus struct {
	mu          sync.Mutex
	subscribers []func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a callback invoked for every published event. Returns
// an unsubscribe function.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.subscribers)
	b.subscribers = append(b.subscribers, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers[idx] = nil
		}
	}
}

// Publish fans an event out to all live subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]func(Event), len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}
