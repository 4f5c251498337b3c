package dispatch

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// celFilter wraps a compiled CEL program evaluated once per session. A
// listener with a filter only receives sessions the expression matches;
// non-matching sessions are suppressed entirely, keepalives still flow.
// When disabled, Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("channel", cel.IntType),
		cel.Variable("source_id", cel.IntType),
		cel.Variable("target_id", cel.IntType),
		cel.Variable("session_id", cel.StringType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against a session. Evaluation errors
// count as no match.
func (f celFilter) Eval(channel int, sourceID, targetID int64, sessionID string) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"channel":    int64(channel),
		"source_id":  sourceID,
		"target_id":  targetID,
		"session_id": sessionID,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
