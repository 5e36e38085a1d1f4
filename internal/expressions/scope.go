package expressions

import "github.com/karsvo/journey/pkg/schema"

// Top-level variable names available to predicate expressions.
const (
	ScopeContact  = "contact"
	ScopePayload  = "payload"
	ScopeWorkflow = "workflow"
)

// Scope holds the data a predicate or interpolation can see at evaluation
// time. All maps are deep-copied on construction so that evaluation can never
// mutate engine state.
type Scope struct {
	Contact  map[string]any // the contact's attribute snapshot
	Payload  map[string]any // the triggering event payload
	Workflow map[string]any // workflow metadata (workflow_id, graph_version, etc.)
}

// NewScope builds a frozen evaluation scope.
func NewScope(contact *schema.Contact, payload, workflow map[string]any) *Scope {
	s := &Scope{
		Payload:  deepCopyMap(payload),
		Workflow: deepCopyMap(workflow),
	}
	if contact != nil {
		s.Contact = deepCopyMap(contact.Attributes)
	} else {
		s.Contact = map[string]any{}
	}
	return s
}

// Data flattens the scope into the map shape the engines evaluate against.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		ScopeContact:  s.Contact,
		ScopePayload:  s.Payload,
		ScopeWorkflow: s.Workflow,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyAny(item)
		}
		return out
	default:
		return v
	}
}
