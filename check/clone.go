package check

import "github.com/vmihailenco/msgpack/v5"

// CloneResult deep-copies a Result via a msgpack marshal/unmarshal round
// trip, so a dependency view handed to a forEach iteration or a parallel
// dispatch never aliases the parent's mutable Output/ForEachItems values.
// Grounded on the teacher's runtime.Context.Clone(), used identically when
// spawning a branch engine for parallel fan-out.
func CloneResult(r Result) (Result, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return Result{}, err
	}
	var out Result
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}

// CloneValue deep-copies an arbitrary JSON-able value (outputs, context
// maps) the same way.
func CloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
