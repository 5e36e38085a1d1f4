package validation

import "github.com/karsvo/journey/pkg/schema"

// ActionLookup answers whether an action type has a registered sender.
// Satisfied by the gateway registry; may be nil to skip the check.
type ActionLookup interface {
	Has(actionType string) bool
}

// PredicateChecker verifies that a predicate's expression compiles.
// Satisfied by the expressions engine set; may be nil to skip compilation.
type PredicateChecker interface {
	CheckPredicate(p *schema.Predicate) error
}

// GraphValidator orchestrates the three-stage validation pipeline run by
// activate():
//  1. Structural (JSON Schema over the graph document)
//  2. Semantic (node config decode, action registration, predicate compile)
//  3. Graph (duplicate IDs, dangling edges, labels, orphans, zero-wait cycles)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	predicates PredicateChecker
}

// NewGraphValidator creates a GraphValidator. actions and predicates may be
// nil to skip their respective checks.
func NewGraphValidator(actions ActionLookup, predicates PredicateChecker) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema: jsv,
		actions:    actions,
		predicates: predicates,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped
// because the document shape cannot be trusted.
func (gv *GraphValidator) Validate(g *schema.Graph, trigger *schema.TriggerSpec) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph is nil")
		return r
	}

	result := gv.validateStructural(g)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(g, trigger, gv.actions, gv.predicates))

	// Graph analysis is skipped when semantic errors exist: a node with a
	// broken config block cannot be routed through reliably.
	if result.Valid() {
		result.Merge(validateGraph(g))
	}

	return result
}

// ValidateGraph runs the pipeline and converts the result to an error,
// nil if the graph is activatable.
func (gv *GraphValidator) ValidateGraph(g *schema.Graph, trigger *schema.TriggerSpec) error {
	return gv.Validate(g, trigger).ToError()
}

func (gv *GraphValidator) validateStructural(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := gv.jsonSchema.ValidateGraph(g)
	if err == nil {
		return result
	}

	jErr, ok := err.(*schema.JourneyError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if jErr.Details != nil {
		if violations, ok := jErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, jErr.Message)
	return result
}
