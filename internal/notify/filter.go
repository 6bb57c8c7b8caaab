// Package notify forwards selected domain events to an outbound chat sink.
// Selection combines a severity threshold with an optional CEL predicate, and
// messages are rendered through per-event templates. All three knobs can be
// swapped at runtime from a rules file.
package notify

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/zabview/zabview/internal/events"
)

// Filter is a compiled CEL predicate over a single event. A nil filter matches
// everything.
type Filter struct {
	source  string
	program cel.Program
}

// CompileFilter builds the predicate from a CEL expression. Empty or
// whitespace-only expressions return a nil filter without error so the config
// field stays optional.
func CompileFilter(expression string) (*Filter, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("entityId", cel.StringType),
		cel.Variable("summary", cel.StringType),
		cel.Variable("severity", cel.IntType),
		cel.Variable("acknowledged", cel.BoolType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: build filter environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("notify: compile filter %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("notify: filter %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("notify: program filter %q: %w", expr, err)
	}
	return &Filter{source: expr, program: program}, nil
}

// Source returns the original expression for logging.
func (f *Filter) Source() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match evaluates the predicate against one event.
func (f *Filter) Match(ev events.Event) (bool, error) {
	if f == nil {
		return true, nil
	}
	val, _, err := f.program.Eval(map[string]any{
		"type":         string(ev.Type),
		"channel":      ev.Type.Channel(),
		"entityId":     ev.EntityID,
		"summary":      ev.Summary,
		"severity":     int64(ev.Severity),
		"acknowledged": ev.Acknowledged,
	})
	if err != nil {
		return false, fmt.Errorf("notify: eval filter %q: %w", f.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("notify: filter %q yielded non-bool result %T", f.source, val)
}
