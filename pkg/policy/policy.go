// Package policy evaluates CEL expressions that classify matches:
// high-value matches get direct anchoring and eager checkpoints, everything
// else rides the batch pipeline. Evaluation fails closed: a compile or
// runtime error classifies the match as not matching the policy.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// DefaultHighValue is the stock classification: a big stake or an
// explicit operator flag. The membership guard matters: CEL treats
// indexing an absent map key as an error, not false.
const DefaultHighValue = `stake >= 1000.0 || ("high_value" in flags && flags["high_value"])`

// Input is the match-shaped evaluation context.
type Input struct {
	MatchID   string
	Game      string
	MoveCount int
	Stake     float64
	Flags     map[string]bool
	Players   []string
}

// Engine holds one compiled expression. Safe for concurrent use.
type Engine struct {
	source string
	prg    cel.Program
}

// New compiles the expression against the match evaluation environment.
// The expression must produce a bool.
func New(expression string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("match_id", types.StringType),
			decls.NewVariable("game", types.StringType),
			decls.NewVariable("move_count", types.IntType),
			decls.NewVariable("stake", types.DoubleType),
			decls.NewVariable("flags", types.NewMapType(types.StringType, types.BoolType)),
			decls.NewVariable("players", types.NewListType(types.StringType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy: expression %q yields %s, want bool", expression, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program: %w", err)
	}
	return &Engine{source: expression, prg: prg}, nil
}

// Source returns the compiled expression text.
func (e *Engine) Source() string { return e.source }

// Evaluate runs the expression. Any evaluation error returns false plus
// the error, so callers default to the conservative path.
func (e *Engine) Evaluate(in Input) (bool, error) {
	flags := in.Flags
	if flags == nil {
		flags = map[string]bool{}
	}
	players := in.Players
	if players == nil {
		players = []string{}
	}
	out, _, err := e.prg.Eval(map[string]any{
		"match_id":   in.MatchID,
		"game":       in.Game,
		"move_count": in.MoveCount,
		"stake":      in.Stake,
		"flags":      flags,
		"players":    players,
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression yielded %T, want bool", out.Value())
	}
	return matched, nil
}
