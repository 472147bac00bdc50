package expreval

import "testing"

func TestEvalGateEmptyExpressionIsTrue(t *testing.T) {
	e := New()
	ok, err := e.EvalGate("", GateContext{})
	if err != nil || !ok {
		t.Fatalf("empty gate expression should be true, got %v, %v", ok, err)
	}
}

func TestEvalGateReadsOutput(t *testing.T) {
	e := New()
	ctx := GateContext{Output: map[string]any{"status": "ok"}}
	ok, err := e.EvalGate(`output.status == "ok"`, ctx)
	if err != nil {
		t.Fatalf("EvalGate: %v", err)
	}
	if !ok {
		t.Fatal("expected gate to evaluate true")
	}
}

func TestEvalGateCompileErrorIsFailSecure(t *testing.T) {
	e := New()
	ok, err := e.EvalGate("output.status ==", GateContext{})
	if err == nil {
		t.Fatal("expected a compile error")
	}
	if ok {
		t.Fatal("a gate error must never be treated as true (fail-secure)")
	}
}

func TestEvalGateNonBooleanResultErrors(t *testing.T) {
	e := New()
	_, err := e.EvalGate(`output`, GateContext{Output: "a string, not a bool"})
	if err == nil {
		t.Fatal("expected an error for a non-boolean gate result")
	}
}

func TestEvalScriptReturnsTarget(t *testing.T) {
	e := New()
	out, err := e.EvalScript(`step == "A" ? "B" : "C"`, ScriptContext{Step: "A"})
	if err != nil {
		t.Fatalf("EvalScript: %v", err)
	}
	if out != "B" {
		t.Fatalf("EvalScript = %v, want B", out)
	}
}

func TestEvalScriptSeesMemory(t *testing.T) {
	e := New()
	out, err := e.EvalScript(`memory["attempts"]`, ScriptContext{Memory: map[string]any{"attempts": 3}})
	if err != nil {
		t.Fatalf("EvalScript: %v", err)
	}
	if out != 3 {
		t.Fatalf("EvalScript = %v, want 3", out)
	}
}

func TestGateProgramsAreCachedAcrossCalls(t *testing.T) {
	e := New()
	ctx := GateContext{Output: map[string]any{"n": 1}}
	for i := 0; i < 5; i++ {
		ok, err := e.EvalGate(`output.n == 1`, ctx)
		if err != nil || !ok {
			t.Fatalf("iteration %d: EvalGate = %v, %v", i, ok, err)
		}
	}
	if e.gateCache.order.Len() != 1 {
		t.Fatalf("expected exactly one cached program, got %d", e.gateCache.order.Len())
	}
}
