package contacts

import (
	"context"
	"sync"

	"github.com/karsvo/journey/pkg/schema"
)

// AttributeProvider supplies the contact's attribute snapshot at evaluation
// time. The CRM (or any other system of record) sits behind this interface;
// the engine never caches attributes across node visits.
type AttributeProvider interface {
	GetContact(ctx context.Context, tenantID, contactID string) (*schema.Contact, error)
}

// StaticProvider is an in-memory AttributeProvider keyed by contact ID.
// Useful for tests and single-process deployments seeded from config.
type StaticProvider struct {
	mu       sync.RWMutex
	contacts map[string]*schema.Contact
}

// NewStaticProvider creates an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		contacts: make(map[string]*schema.Contact),
	}
}

// Put registers or replaces a contact.
func (p *StaticProvider) Put(contact *schema.Contact) {
	if contact == nil || contact.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contacts[contact.ID] = contact
}

// GetContact returns the registered contact. An unknown contact ID resolves
// to an empty attribute set rather than an error, so predicates fall back to
// their missing-data behavior.
func (p *StaticProvider) GetContact(ctx context.Context, tenantID, contactID string) (*schema.Contact, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if c, ok := p.contacts[contactID]; ok {
		return c, nil
	}
	return &schema.Contact{ID: contactID, TenantID: tenantID, Attributes: map[string]any{}}, nil
}

var _ AttributeProvider = (*StaticProvider)(nil)
