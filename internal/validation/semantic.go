package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/karsvo/journey/pkg/schema"
)

// validateSemantic decodes and checks each node's config block plus the
// trigger spec. Structural validation already guarantees the document shape,
// so the checks here are about meaning: registered action types, compilable
// predicates, well-formed durations and split weights.
func validateSemantic(g *schema.Graph, trigger *schema.TriggerSpec, actions ActionLookup, predicates PredicateChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(result, trigger, predicates)

	for _, node := range g.Nodes {
		path := fmt.Sprintf("/nodes/%s", node.ID)

		switch node.Type {
		case schema.NodeTypeAction:
			validateActionNode(result, path, &node, actions)
		case schema.NodeTypeCondition:
			validateConditionNode(result, path, &node, predicates)
		case schema.NodeTypeWait:
			validateWaitNode(result, path, &node)
		case schema.NodeTypeSplit:
			validateSplitNode(result, path, &node)
		case schema.NodeTypeGoal:
			validateGoalNode(result, path, &node, predicates)
		case schema.NodeTypeExit:
			// exit nodes carry no config
		}
	}

	return result
}

func validateTrigger(result *schema.ValidationResult, trigger *schema.TriggerSpec, predicates PredicateChecker) {
	if trigger == nil {
		result.AddError("/trigger", "missing_trigger", "workflow has no trigger spec")
		return
	}

	switch trigger.Type {
	case schema.TriggerTagAdded, schema.TriggerEmailOpened, schema.TriggerFormSubmitted,
		schema.TriggerDealStageChanged, schema.TriggerWebhookReceived, schema.TriggerManual:
	default:
		result.AddError("/trigger/type", "unknown_trigger_type",
			fmt.Sprintf("unknown trigger type %q", trigger.Type))
	}

	if trigger.Filter != nil {
		validatePredicate(result, "/trigger/filter", trigger.Filter, predicates)
	}
}

func validateActionNode(result *schema.ValidationResult, path string, node *schema.Node, actions ActionLookup) {
	if node.ActionType == "" {
		result.AddError(path, "missing_action_type", "action node has no action_type")
	} else if actions != nil && !actions.Has(node.ActionType) {
		result.AddError(path, "unknown_action_type",
			fmt.Sprintf("no sender registered for action type %q", node.ActionType))
	}

	// Config is optional for actions: no params and the default failure policy.
	if len(node.Config) == 0 {
		return
	}

	var cfg schema.ActionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		result.AddError(path, "invalid_config",
			fmt.Sprintf("config block does not decode: %v", err))
		return
	}

	switch cfg.OnFailure {
	case "", schema.OnFailureFail, schema.OnFailureContinue:
	default:
		result.AddError(path, "invalid_on_failure",
			fmt.Sprintf("unknown on_failure policy %q", cfg.OnFailure))
	}
}

func validateConditionNode(result *schema.ValidationResult, path string, node *schema.Node, predicates PredicateChecker) {
	var cfg schema.ConditionConfig
	if !decodeConfig(result, path, node.Config, &cfg) {
		return
	}
	validatePredicate(result, path, &cfg.Predicate, predicates)
}

func validateWaitNode(result *schema.ValidationResult, path string, node *schema.Node) {
	var cfg schema.WaitConfig
	if !decodeConfig(result, path, node.Config, &cfg) {
		return
	}

	hasDuration := cfg.Duration != ""
	hasUntil := cfg.Until != ""

	if hasDuration == hasUntil {
		result.AddError(path, "invalid_wait_config",
			"wait node requires exactly one of duration or until")
		return
	}

	if hasDuration {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			result.AddError(path, "invalid_wait_duration",
				fmt.Sprintf("unparseable duration %q", cfg.Duration))
		} else if d <= 0 {
			result.AddError(path, "invalid_wait_duration",
				fmt.Sprintf("duration %q must be positive", cfg.Duration))
		}
	}

	if hasUntil {
		if _, err := time.Parse(time.RFC3339, cfg.Until); err != nil {
			result.AddError(path, "invalid_wait_until",
				fmt.Sprintf("until %q is not an RFC3339 timestamp", cfg.Until))
		}
	}
}

func validateSplitNode(result *schema.ValidationResult, path string, node *schema.Node) {
	var cfg schema.SplitConfig
	if !decodeConfig(result, path, node.Config, &cfg) {
		return
	}

	if len(cfg.Branches) < 2 {
		result.AddError(path, "invalid_split_branches", "split node requires at least two branches")
		return
	}

	total := 0
	seen := make(map[string]bool, len(cfg.Branches))
	for i, b := range cfg.Branches {
		bPath := fmt.Sprintf("%s/branches/%d", path, i)
		if b.Label == "" {
			result.AddError(bPath, "missing_branch_label", "split branch has no label")
		} else if seen[b.Label] {
			result.AddError(bPath, "duplicate_branch_label",
				fmt.Sprintf("duplicate split branch label %q", b.Label))
		}
		seen[b.Label] = true

		if b.Weight < 1 || b.Weight > 100 {
			result.AddError(bPath, "invalid_branch_weight",
				fmt.Sprintf("branch weight %d out of range 1-100", b.Weight))
		}
		total += b.Weight
	}

	if total != 100 {
		result.AddError(path, "invalid_split_weights",
			fmt.Sprintf("split branch weights sum to %d, want 100", total))
	}
}

func validateGoalNode(result *schema.ValidationResult, path string, node *schema.Node, predicates PredicateChecker) {
	var cfg schema.GoalConfig
	if !decodeConfig(result, path, node.Config, &cfg) {
		return
	}
	validatePredicate(result, path, &cfg.Predicate, predicates)
}

// validatePredicate checks the exactly-one-form rule (comparator triple vs
// expression) and, when a checker is wired, compiles the expression.
func validatePredicate(result *schema.ValidationResult, path string, p *schema.Predicate, predicates PredicateChecker) {
	if p == nil {
		result.AddError(path, "missing_predicate", "predicate is required")
		return
	}

	hasComparator := p.Attribute != "" || p.Op != ""
	hasExpression := p.Expression != ""

	if hasComparator && hasExpression {
		result.AddError(path, "ambiguous_predicate",
			"predicate sets both comparator fields and an expression")
		return
	}
	if !hasComparator && !hasExpression {
		result.AddError(path, "empty_predicate",
			"predicate sets neither comparator fields nor an expression")
		return
	}

	if hasComparator {
		if p.Attribute == "" {
			result.AddError(path, "missing_predicate_attribute", "comparator predicate has no attribute")
		}
		switch p.Op {
		case schema.OpEq, schema.OpNeq, schema.OpGt, schema.OpGte,
			schema.OpLt, schema.OpLte, schema.OpContains, schema.OpExists:
		case "":
			result.AddError(path, "missing_predicate_op", "comparator predicate has no operator")
		default:
			result.AddError(path, "unknown_predicate_op",
				fmt.Sprintf("unknown comparator operator %q", p.Op))
		}
	}

	if predicates != nil {
		if err := predicates.CheckPredicate(p); err != nil {
			result.AddError(path, "predicate_compile_failed", err.Error())
		}
	}
}

// decodeConfig unmarshals a node's config block, recording an error and
// returning false when the block is absent or malformed.
func decodeConfig(result *schema.ValidationResult, path string, raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		result.AddError(path, "missing_config", "node requires a config block")
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		result.AddError(path, "invalid_config",
			fmt.Sprintf("config block does not decode: %v", err))
		return false
	}
	return true
}
