// Package depgraph implements the DependencyResolver (§4.2): topological
// leveling of the check graph so the dispatcher can run every check in a
// level with bounded parallelism once every dependency is satisfied.
// Grounded on the teacher's lintReachability/lintEdgeTargetsExist BFS-style
// graph walks (internal/attractor/validate/validate.go) for the
// undefined-reference shape; the leveling itself (Kahn's algorithm with
// OR-dependency tokens) is freshly authored since the teacher's validator
// has no general leveling function — DOT pipelines there are a single
// linear/branching walk, not a wave-parallel DAG.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orbitcheck/engine/check"
)

var (
	// ErrCycle is returned when the dependency graph contains a cycle.
	ErrCycle = errors.New("depgraph: dependency cycle detected")
	// ErrUndefinedReference is returned when a check depends on an id that
	// is not present in the check set.
	ErrUndefinedReference = errors.New("depgraph: undefined dependency reference")
	// ErrDuplicateID is returned when two checks share an id.
	ErrDuplicateID = errors.New("depgraph: duplicate check id")
)

// Plan is the resolved execution plan: checks grouped into levels, where
// every depends_on token of a check in level N has at least one alternative
// in a level < N (other alternatives of an OR token may sit in level N or
// later).
type Plan struct {
	Levels [][]string
	ByID   map[string]*check.Check
	// LevelOf maps a check id to its 0-based level index.
	LevelOf map[string]int
}

// orTokenSep separates alternatives within one DependsOn entry, e.g.
// "fetch_a|fetch_b" means "satisfied once either fetch_a or fetch_b has
// run" (§4.2: OR-dependency tokens).
const orTokenSep = "|"

// Build resolves checks into a level-ordered Plan. Levels are ordered so
// that index 0 can run with no prior results; each subsequent level's
// members depend on at least one member of an earlier level.
func Build(checks []check.Check) (*Plan, error) {
	byID := make(map[string]*check.Check, len(checks))
	order := make([]string, 0, len(checks))
	for i := range checks {
		c := &checks[i]
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, c.ID)
		}
		byID[c.ID] = c
		order = append(order, c.ID)
	}

	// Validate every referenced id (in every OR-alternative) exists.
	for _, c := range byID {
		for _, dep := range c.DependsOn {
			for _, alt := range strings.Split(dep, orTokenSep) {
				alt = strings.TrimSpace(alt)
				if alt == "" {
					continue
				}
				if _, ok := byID[alt]; !ok {
					return nil, fmt.Errorf("%w: check %q depends on %q", ErrUndefinedReference, c.ID, alt)
				}
			}
		}
	}

	levelOf := make(map[string]int, len(order))
	resolved := 0
	// Kahn's algorithm by repeated relaxation: a check's level is one past
	// the level of its dependencies, where an OR-token's contribution is
	// the MINIMUM level among its alternatives (the earliest wave at which
	// the dependency can be considered satisfied).
	for pass := 0; pass < len(order)+1 && resolved < len(order); pass++ {
		progressed := false
		for _, id := range order {
			if _, done := levelOf[id]; done {
				continue
			}
			c := byID[id]
			level := 0
			ready := true
			for _, dep := range c.DependsOn {
				depLevel, ok := orTokenLevel(dep, levelOf)
				if !ok {
					ready = false
					break
				}
				if depLevel+1 > level {
					level = depLevel + 1
				}
			}
			if !ready {
				continue
			}
			levelOf[id] = level
			resolved++
			progressed = true
		}
		if !progressed && resolved < len(order) {
			break
		}
	}

	if resolved < len(order) {
		var stuck []string
		for _, id := range order {
			if _, done := levelOf[id]; !done {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: involves %s", ErrCycle, strings.Join(stuck, ", "))
	}

	maxLevel := 0
	for _, l := range levelOf {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		l := levelOf[id]
		levels[l] = append(levels[l], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}

	return &Plan{Levels: levels, ByID: byID, LevelOf: levelOf}, nil
}

// orTokenLevel returns the minimum level among dep's alternatives that have
// resolved so far, and false only if none of them have. §4.2: the token "is
// satisfied as soon as any alternative's level is reached" — it never waits
// for every alternative, so an alternative stuck in a cycle doesn't block a
// sibling alternative that resolves cleanly (only a token all of whose
// alternatives are cyclic fails to resolve, which Build's outer loop then
// reports as ErrCycle).
func orTokenLevel(dep string, levelOf map[string]int) (int, bool) {
	min := -1
	for _, alt := range strings.Split(dep, orTokenSep) {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		l, ok := levelOf[alt]
		if !ok {
			continue
		}
		if min == -1 || l < min {
			min = l
		}
	}
	if min == -1 {
		return 0, false
	}
	return min, true
}
