// Package expreval implements the ExpressionEvaluator contract (§4.3,
// §1 Non-goals: "the expression evaluator is assumed to be an existing,
// external, properly sandboxed component; the engine only calls it").
// This is the default, in-process implementation: a compiled-program LRU
// cache over github.com/expr-lang/expr, grounded on mbflow's
// ConditionCache/ExprConditionEvaluator
// (backend/pkg/engine/condition_cache.go), generalized from mbflow's single
// `output` env var to the engine's two expression-context shapes (boolean
// gates vs. routing scripts).
package expreval

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/orbitcheck/engine/check"
)

// GateContext is the environment exposed to if/assume/guarantee/fail_if
// expressions (§4.3).
type GateContext struct {
	PreviousResults map[string]check.Result `expr:"previousResults"`
	Event           string                  `expr:"event"`
	Output          any                     `expr:"output"`
	Environment     map[string]string       `expr:"environment"`
	WorkflowInputs  map[string]any          `expr:"workflowInputs"`
	Branch          string                  `expr:"branch"`
	BaseBranch      string                  `expr:"baseBranch"`
	FilesChanged    []string                `expr:"filesChanged"`
}

// ScriptContext is the environment exposed to goto_js/run_js routing
// scripts (§4.3), which see the full outputs history rather than a single
// boolean-gate snapshot.
type ScriptContext struct {
	Step           string                    `expr:"step"`
	Outputs        map[string]check.Result   `expr:"outputs"`
	OutputsHistory map[string][]check.Result `expr:"outputs_history"`
	Output         any                       `expr:"output"`
	Memory         map[string]any            `expr:"memory"`
	Event          string                    `expr:"event"`
	ForEach        any                       `expr:"forEach"`
}

// cache is an LRU of compiled programs keyed by (expression, env shape).
type cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

func newCache(capacity int) *cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &cache{capacity: capacity, entries: map[string]*list.Element{}, order: list.New()}
}

func (c *cache) get(key string) (*vm.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).program, true
	}
	return nil, false
}

func (c *cache) put(key string, p *vm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).program = p
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, program: p})
	c.entries[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Evaluator is the default expression evaluator. It is fail-secure: any
// compile or runtime error evaluating a boolean gate is reported as the
// error it is, and callers (router, dispatcher) treat a gate error as
// "false" per §4.3's "fail-secure" rule, never as "true".
type Evaluator struct {
	gateCache   *cache
	scriptCache *cache
}

// New returns an Evaluator with default cache sizing.
func New() *Evaluator {
	return &Evaluator{gateCache: newCache(256), scriptCache: newCache(256)}
}

// EvalGate runs a boolean if/assume/guarantee/fail_if expression. An empty
// expression is treated as "true" (an absent gate never blocks).
func (e *Evaluator) EvalGate(exprSrc string, ctx GateContext) (bool, error) {
	if exprSrc == "" {
		return true, nil
	}
	env := gateEnv(ctx)
	key := "gate:" + exprSrc
	program, ok := e.gateCache.get(key)
	if !ok {
		p, err := expr.Compile(exprSrc, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("expreval: compile gate: %w", err)
		}
		program = p
		e.gateCache.put(key, program)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("expreval: run gate: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expreval: gate expression returned %T, want bool", out)
	}
	return b, nil
}

// EvalScript runs a goto_js/run_js routing script and returns its raw
// result (a target check id for goto_js, a []string of check ids for
// run_js, or any other value a provider-level script may need).
func (e *Evaluator) EvalScript(exprSrc string, ctx ScriptContext) (any, error) {
	if exprSrc == "" {
		return nil, nil
	}
	env := scriptEnv(ctx)
	key := "script:" + exprSrc
	program, ok := e.scriptCache.get(key)
	if !ok {
		p, err := expr.Compile(exprSrc, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("expreval: compile script: %w", err)
		}
		program = p
		e.scriptCache.put(key, program)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expreval: run script: %w", err)
	}
	return out, nil
}

func gateEnv(ctx GateContext) map[string]any {
	return map[string]any{
		"previousResults": ctx.PreviousResults,
		"event":           ctx.Event,
		"output":          ctx.Output,
		"environment":     ctx.Environment,
		"workflowInputs":  ctx.WorkflowInputs,
		"branch":          ctx.Branch,
		"baseBranch":      ctx.BaseBranch,
		"filesChanged":    ctx.FilesChanged,
	}
}

func scriptEnv(ctx ScriptContext) map[string]any {
	return map[string]any{
		"step":            ctx.Step,
		"outputs":         ctx.Outputs,
		"outputs_history": ctx.OutputsHistory,
		"output":          ctx.Output,
		"memory":          ctx.Memory,
		"event":           ctx.Event,
		"forEach":         ctx.ForEach,
	}
}
