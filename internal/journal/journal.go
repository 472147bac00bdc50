// Package journal implements the ExecutionJournal (§4.1): an append-only
// log of check results, scoped by forEach index, with snapshot-consistent
// reads. The journal does no cross-entry merging; callers (the dispatcher's
// dependency-result views, §4.5) reassemble the per-item view themselves.
package journal

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/orbitcheck/engine/check"
)

// Snapshot is an opaque marker produced by BeginSnapshot. Reads at a
// snapshot see every entry committed before it was taken (invariant I1 in
// §3: "reads at a snapshot see all entries written before beginSnapshot()
// was called").
type Snapshot string

// Journal is the append-only store. Writes come from the dispatcher's worker
// goroutines and are serialized with reads by an RWMutex; a read at a
// snapshot marker sees only the entries committed before that snapshot,
// whatever is written afterwards.
type Journal struct {
	mu        sync.RWMutex
	entries   []check.JournalEntry
	snapSalt  [16]byte
	snapIndex map[Snapshot]int
}

// New returns an empty journal for one run.
func New(sessionID string) *Journal {
	j := &Journal{snapIndex: map[Snapshot]int{}}
	copy(j.snapSalt[:], []byte(sessionID))
	return j
}

// CommitEntry appends an entry. Idempotent only in the sense that readers
// always observe the latest committed state — repeated commits for the same
// (CheckID, Scope) simply extend the history.
func (j *Journal) CommitEntry(entry check.JournalEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// BeginSnapshot returns a marker for a consistent read view over every entry
// committed so far. The token is a blake3 digest of the run salt and the
// current entry count, so two BeginSnapshot calls at different lengths never
// collide and the token carries no directly-parseable index (an opaque
// handle, not just a counter string).
func (j *Journal) BeginSnapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := len(j.entries)
	h := blake3.New()
	h.Write(j.snapSalt[:])
	h.Write([]byte(fmt.Sprintf(":%d", idx)))
	token := Snapshot(hex.EncodeToString(h.Sum(nil)[:16]))
	j.snapIndex[token] = idx
	return token
}

func (j *Journal) visibleLen(snap Snapshot) int {
	if snap == "" {
		return len(j.entries)
	}
	if idx, ok := j.snapIndex[snap]; ok {
		return idx
	}
	return len(j.entries)
}

// ReadVisible returns every entry for sessionID committed at or before
// snapshot, optionally filtered to a single EventKind.
func (j *Journal) ReadVisible(sessionID string, snap Snapshot, eventFilter ...check.EventKind) []check.JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	limit := j.visibleLen(snap)
	var want check.EventKind
	filter := len(eventFilter) > 0
	if filter {
		want = eventFilter[0]
	}
	out := make([]check.JournalEntry, 0, limit)
	for i := 0; i < limit && i < len(j.entries); i++ {
		e := j.entries[i]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if filter && e.Event != want {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Get returns the latest entry matching checkID at exactly scope, visible at
// snap. If no scoped entry exists, it falls back to the shallowest (root)
// entry for checkID. The bool reports whether anything was found.
func (j *Journal) Get(checkID string, scope check.Scope, snap Snapshot) (check.JournalEntry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	limit := j.visibleLen(snap)

	var scoped, root check.JournalEntry
	haveScoped, haveRoot := false, false
	for i := 0; i < limit && i < len(j.entries); i++ {
		e := j.entries[i]
		if e.CheckID != checkID {
			continue
		}
		if e.Scope.Equal(scope) {
			scoped, haveScoped = e, true
		}
		if e.Scope.IsRoot() {
			root, haveRoot = e, true
		}
	}
	if haveScoped {
		return scoped, true
	}
	if haveRoot {
		return root, true
	}
	return check.JournalEntry{}, false
}

// GetHistory returns every entry (any scope) for checkID, in commit order,
// visible at snap. Drives outputs_history[name] in expression contexts.
func (j *Journal) GetHistory(checkID string, snap Snapshot) []check.JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	limit := j.visibleLen(snap)
	out := []check.JournalEntry{}
	for i := 0; i < limit && i < len(j.entries); i++ {
		e := j.entries[i]
		if e.CheckID == checkID {
			out = append(out, e)
		}
	}
	return out
}

// AllLatestRoot returns, for every check id that has at least one root-scope
// entry visible at snap, its latest root-scope entry. Used for the
// "global namespace" dependency view in §4.5.
func (j *Journal) AllLatestRoot(snap Snapshot) map[string]check.JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	limit := j.visibleLen(snap)
	out := map[string]check.JournalEntry{}
	for i := 0; i < limit && i < len(j.entries); i++ {
		e := j.entries[i]
		if e.Scope.IsRoot() {
			out[e.CheckID] = e
		}
	}
	return out
}
