package check

import (
	"strconv"
	"strings"
)

// ScopeEntry identifies one forEach branch step: the parent check that fanned
// out and the index of the item within that fan-out.
type ScopeEntry struct {
	CheckID string
	Index   int
}

// Scope is an ordered list of ScopeEntry identifying a forEach branch. The
// root scope (aggregate/top-level view of a check) is the empty Scope.
type Scope []ScopeEntry

// Equal reports element-wise equality, per the data-model invariant that
// scope equality is element-wise.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// IsRoot reports whether this is the empty/aggregate scope.
func (s Scope) IsRoot() bool {
	return len(s) == 0
}

// WithEntry returns a new Scope with the given entry appended. The receiver
// is not mutated.
func (s Scope) WithEntry(checkID string, index int) Scope {
	out := make(Scope, len(s)+1)
	copy(out, s)
	out[len(s)] = ScopeEntry{CheckID: checkID, Index: index}
	return out
}

// String renders a stable, human-readable key such as "fetch[0]/process[2]"
// used for dedup guards and log lines.
func (s Scope) String() string {
	if len(s) == 0 {
		return "root"
	}
	var b strings.Builder
	for i, e := range s {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(e.CheckID)
		b.WriteByte('[')
		b.WriteString(strconv.Itoa(e.Index))
		b.WriteByte(']')
	}
	return b.String()
}
