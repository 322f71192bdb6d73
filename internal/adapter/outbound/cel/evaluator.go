// Package cel provides the CEL-based compiler for policy rule
// conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	"github.com/Agent-Gate/agentgate/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for a rule
// condition.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, guarding against
// cost-exhaustion through crafted expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting
// depth.
const maxNestingDepth = 50

// evalTimeout bounds a single condition evaluation.
const evalTimeout = 2 * time.Second

// interruptCheckFreq is how often (in comprehension iterations)
// context cancellation is checked.
const interruptCheckFreq = 100

// Compiler compiles rule conditions into programs the policy engine
// can evaluate. Compiled programs are cached by expression hash, so
// reloading a rule set does not recompile unchanged conditions.
type Compiler struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[uint64]cel.Program
}

// NewCompiler creates a compiler with the condition environment: the
// variables the policy engine exposes for every operation.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("port", cel.IntType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("command", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}
	return &Compiler{env: env, cache: make(map[uint64]cel.Program)}, nil
}

// Compile parses, checks, and caches a condition expression.
func (c *Compiler) Compile(expr string) (policy.ConditionProgram, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	key := xxhash.Sum64String(expr)
	c.mu.Lock()
	cached, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return &program{prg: cached}, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	c.mu.Lock()
	c.cache[key] = prg
	c.mu.Unlock()

	return &program{prg: prg}, nil
}

// program adapts a cel.Program to policy.ConditionProgram.
type program struct {
	prg cel.Program
}

// Eval runs the program with a timeout so a pathological expression
// cannot hang policy evaluation.
func (p *program) Eval(vars map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := p.prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// validateNesting checks that the expression does not exceed the
// maximum allowed nesting depth for parentheses, brackets, and
// braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Compile-time interface verification.
var _ policy.ConditionCompiler = (*Compiler)(nil)
