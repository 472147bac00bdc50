package journal

import (
	"testing"

	"github.com/orbitcheck/engine/check"
)

func TestGetReturnsLatestEntryAtScope(t *testing.T) {
	j := New("session-1")
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}, Result: check.Result{Content: "first"}})
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}, Result: check.Result{Content: "second"}})

	entry, ok := j.Get("fetch", check.Scope{}, "")
	if !ok {
		t.Fatal("expected an entry")
	}
	if entry.Result.Content != "second" {
		t.Fatalf("Get returned %q, want the latest entry", entry.Result.Content)
	}
}

func TestGetFallsBackToRootScope(t *testing.T) {
	j := New("session-1")
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}, Result: check.Result{Content: "root"}})

	scoped := check.Scope{}.WithEntry("fetch", 0)
	entry, ok := j.Get("fetch", scoped, "")
	if !ok {
		t.Fatal("expected fallback to root entry")
	}
	if entry.Result.Content != "root" {
		t.Fatalf("Get fallback returned %q, want root entry", entry.Result.Content)
	}
}

func TestBeginSnapshotHidesLaterWrites(t *testing.T) {
	j := New("session-1")
	j.CommitEntry(check.JournalEntry{CheckID: "A", Result: check.Result{Content: "before"}})
	snap := j.BeginSnapshot()
	j.CommitEntry(check.JournalEntry{CheckID: "A", Result: check.Result{Content: "after"}})

	entry, ok := j.Get("A", check.Scope{}, snap)
	if !ok {
		t.Fatal("expected an entry visible at snapshot")
	}
	if entry.Result.Content != "before" {
		t.Fatalf("snapshot read saw %q, want the pre-snapshot write", entry.Result.Content)
	}

	latest, ok := j.Get("A", check.Scope{}, "")
	if !ok || latest.Result.Content != "after" {
		t.Fatalf("unsnapshotted read should see the latest write, got %+v", latest)
	}
}

func TestGetHistoryOrdersEveryScope(t *testing.T) {
	j := New("session-1")
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}.WithEntry("fetch", 0), Result: check.Result{Content: "item0"}})
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}.WithEntry("fetch", 1), Result: check.Result{Content: "item1"}})

	hist := j.GetHistory("fetch", "")
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].Result.Content != "item0" || hist[1].Result.Content != "item1" {
		t.Fatalf("history out of order: %+v", hist)
	}
}

func TestAllLatestRootOnlyIncludesRootScope(t *testing.T) {
	j := New("session-1")
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}, Result: check.Result{IsForEach: true, ForEachItems: []any{1, 2}}})
	j.CommitEntry(check.JournalEntry{CheckID: "fetch", Scope: check.Scope{}.WithEntry("fetch", 0), Result: check.Result{Content: "item"}})

	latest := j.AllLatestRoot("")
	entry, ok := latest["fetch"]
	if !ok {
		t.Fatal("expected fetch in latest-root map")
	}
	if !entry.Result.IsForEach {
		t.Fatalf("expected the root aggregate entry, got %+v", entry)
	}
}
