package compiler

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RuleEvaluator compiles and caches expr-lang boolean rules used
// throughout binding application and sanitization: mode gating ("is this
// image input visible in the current mode"), choice validation ("is this
// param value one of its declared choices"), and the sanitizer's
// emptiness checks. Compilation is the expensive part, so programs are
// cached by source text and reused across every job compiled against the
// same workflow.
type RuleEvaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// NewRuleEvaluator returns a RuleEvaluator with an empty program cache.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{cache: make(map[string]*vm.Program)}
}

func (e *RuleEvaluator) compile(rule string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[rule]; ok {
		return p, nil
	}
	p, err := expr.Compile(rule, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling rule %q: %w", rule, err)
	}
	e.cache[rule] = p
	return p, nil
}

// EvalBool compiles rule (or reuses a cached program) and runs it against
// env, returning the boolean result.
func (e *RuleEvaluator) EvalBool(rule string, env map[string]any) (bool, error) {
	p, err := e.compile(rule)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return false, fmt.Errorf("evaluating rule %q: %w", rule, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not evaluate to a bool", rule)
	}
	return b, nil
}

// modeVisible reports whether an input gated by modes (images[*].modes or
// mask.modes) is visible under the active mode. An empty modes list means
// "visible in every mode."
func (e *RuleEvaluator) modeVisible(modes []string, activeMode string) (bool, error) {
	if len(modes) == 0 {
		return true, nil
	}
	return e.EvalBool("len(modes) == 0 || mode in modes", map[string]any{
		"modes": modes,
		"mode":  activeMode,
	})
}

// choiceAllowed reports whether value is a member of choices. An empty
// choices list means any value is allowed.
func (e *RuleEvaluator) choiceAllowed(value any, choices []any) (bool, error) {
	if len(choices) == 0 {
		return true, nil
	}
	return e.EvalBool("len(choices) == 0 || value in choices", map[string]any{
		"choices": choices,
		"value":   value,
	})
}

// isEmptyish reports whether value should be treated as "not set" by the
// sanitizer's adapter-field removal rule: nil, empty string, or the
// literal string "None" or "none". Other casings count as set.
func (e *RuleEvaluator) isEmptyish(value any) (bool, error) {
	return e.EvalBool(`value == nil || value == "" || value == "None" || value == "none"`, map[string]any{
		"value": value,
	})
}
