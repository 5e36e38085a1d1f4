package gateway

import (
	"sort"
	"sync"

	"github.com/karsvo/journey/pkg/schema"
)

// Registry is the concrete thread-safe SenderRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]Sender),
	}
}

// Register adds a sender to the registry. Returns error on duplicate type.
func (r *Registry) Register(sender Sender) error {
	if sender == nil {
		return schema.NewError(schema.ErrCodeValidation, "sender is nil")
	}
	actionType := sender.ActionType()
	if actionType == "" {
		return schema.NewError(schema.ErrCodeValidation, "sender action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.senders[actionType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "sender %q already registered", actionType)
	}

	r.senders[actionType] = sender
	return nil
}

// Get retrieves a sender by action type.
func (r *Registry) Get(actionType string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.senders[actionType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no sender registered for action type %q", actionType)
	}
	return sender, nil
}

// Has checks if a sender is registered. Satisfies validation.ActionLookup.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[actionType]
	return ok
}

// List returns the registered action types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.senders))
	for t := range r.senders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of registered senders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}
