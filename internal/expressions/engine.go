package expressions

import (
	"context"
	"strings"

	"github.com/karsvo/journey/pkg/schema"
)

// Engine evaluates predicate expressions against an evaluation scope.
// Three implementations: CEL (default), Expr (rich logic), GoJQ (path-heavy
// payload inspection).
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles every registered engine and dispatches by predicate engine
// name. The zero name resolves to CEL.
type Engines struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEngines builds the full engine set.
func NewEngines() (*Engines, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		cel:  celEng,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// ByName returns the engine for a predicate's engine field.
func (s *Engines) ByName(name string) (Engine, error) {
	switch strings.ToLower(name) {
	case "", "cel":
		return s.cel, nil
	case "expr":
		return s.expr, nil
	case "gojq", "jq":
		return s.jq, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q; available: cel, expr, gojq", name)
	}
}

// GoJQ exposes the jq engine directly for comparator attribute extraction.
func (s *Engines) GoJQ() *GoJQEngine {
	return s.jq
}
