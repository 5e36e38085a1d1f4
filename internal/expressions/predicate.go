package expressions

import (
	"context"
	"reflect"
	"strings"

	"github.com/karsvo/journey/pkg/schema"
)

// CheckPredicate verifies that a predicate is evaluatable: expression
// predicates must compile on their engine, comparator predicates must carry a
// parseable attribute path. Satisfies validation.PredicateChecker.
func (s *Engines) CheckPredicate(p *schema.Predicate) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "predicate is nil")
	}

	if p.IsExpression() {
		eng, err := s.ByName(p.Engine)
		if err != nil {
			return err
		}
		return eng.Compile(p.Expression)
	}

	return s.jq.Compile(p.Attribute)
}

// Verdict is the outcome of a predicate evaluation. Missing reports that a
// comparator's attribute path resolved to no value at all, so callers can
// route contacts with absent data separately from an ordinary false.
type Verdict struct {
	Hold    bool
	Missing bool
}

// EvaluatePredicate evaluates a predicate against the scope.
//
// Expression predicates see the full scope (contact, payload, workflow) and
// must produce a boolean. Comparator predicates extract the attribute path
// from the subject document; a path that resolves to nothing yields a Missing
// verdict (Hold false) instead of failing. The `exists` operator is the
// exception: absence is its answer, not missing data.
func (s *Engines) EvaluatePredicate(ctx context.Context, p *schema.Predicate, scope *Scope, subject map[string]any) (Verdict, error) {
	if p == nil {
		return Verdict{}, schema.NewError(schema.ErrCodeValidation, "predicate is nil")
	}

	if p.IsExpression() {
		eng, err := s.ByName(p.Engine)
		if err != nil {
			return Verdict{}, err
		}
		out, err := eng.Evaluate(ctx, p.Expression, scope.Data())
		if err != nil {
			return Verdict{}, err
		}
		hold, err := coerceBool(out, p.Expression)
		return Verdict{Hold: hold}, err
	}

	val, err := s.jq.Extract(ctx, p.Attribute, subject)
	if err != nil {
		return Verdict{}, err
	}
	if val == nil && p.Op != schema.OpExists {
		return Verdict{Missing: true}, nil
	}

	return Verdict{Hold: compare(val, p.Op, normalizeForJQ(p.Value))}, nil
}

// coerceBool requires a strict boolean result from expression predicates.
func coerceBool(out any, expression string) (bool, error) {
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"predicate expression %q produced %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
}

// compare applies a comparator operator to an extracted value. Values are
// already jq-normalized (all numbers are float64). Incomparable operands make
// the predicate false.
func compare(val any, op schema.CompareOp, want any) bool {
	switch op {
	case schema.OpExists:
		return val != nil

	case schema.OpEq:
		return looseEqual(val, want)

	case schema.OpNeq:
		if val == nil {
			return false
		}
		return !looseEqual(val, want)

	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		cmp, ok := compareOrdered(val, want)
		if !ok {
			return false
		}
		switch op {
		case schema.OpGt:
			return cmp > 0
		case schema.OpGte:
			return cmp >= 0
		case schema.OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}

	case schema.OpContains:
		return containsValue(val, want)

	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered returns -1/0/1 for two ordered values, false when they are
// not mutually orderable.
func compareOrdered(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// containsValue handles string substring, slice membership and map key
// presence.
func containsValue(val, want any) bool {
	switch v := val.(type) {
	case string:
		s, ok := want.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			if looseEqual(item, want) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := want.(string)
		if !ok {
			return false
		}
		_, present := v[key]
		return present
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
