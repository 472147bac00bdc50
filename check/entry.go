package check

import "time"

// EventKind names the kind of thing a JournalEntry records. Distinct from
// the engine-wide EngineEvent bus — this is the journal's own per-entry tag,
// used by ExecutionJournal.readVisible's eventFilter.
type EventKind string

const (
	EventExecuted        EventKind = "executed"
	EventSkipped         EventKind = "skipped"
	EventRoutingDecision EventKind = "routing_decision"
)

// JournalEntry is one append-only record. Multiple entries per
// (CheckID, Scope) are allowed; the latest wins for point reads and the full
// series is the history.
type JournalEntry struct {
	SessionID string
	CheckID   string
	Scope     Scope
	Event     EventKind
	Result    Result
	Timestamp time.Time
}
