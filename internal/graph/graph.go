// Package graph builds an immutable, pre-resolved view of a frozen graph
// snapshot. The engine loads one Pinned per execution at enroll time and
// never touches the live definition afterwards.
package graph

import (
	"github.com/karsvo/journey/pkg/schema"
)

// Pinned is a read-only resolved graph. Safe for concurrent use: nothing
// mutates it after Build returns.
type Pinned struct {
	WorkflowID   string
	GraphVersion int

	nodes map[string]*schema.Node
	next  map[edgeKey]string
	entry string
}

type edgeKey struct {
	source string
	label  string
}

// Build resolves a graph snapshot into a Pinned. The graph is assumed to
// have passed activation validation; Build still rejects structurally broken
// input so a corrupted snapshot fails loudly instead of mis-routing contacts.
func Build(workflowID string, graphVersion int, g schema.Graph) (*Pinned, error) {
	if len(g.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	p := &Pinned{
		WorkflowID:   workflowID,
		GraphVersion: graphVersion,
		nodes:        make(map[string]*schema.Node, len(g.Nodes)),
		next:         make(map[edgeKey]string, len(g.Edges)),
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if _, dup := p.nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID %q", n.ID)
		}
		p.nodes[n.ID] = n
	}

	hasInbound := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := p.nodes[e.SourceNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge source %q not in graph", e.SourceNode)
		}
		if _, ok := p.nodes[e.TargetNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge target %q not in graph", e.TargetNode)
		}
		key := edgeKey{e.SourceNode, e.Label}
		if _, dup := p.next[key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate edge label %q on node %q", e.Label, e.SourceNode)
		}
		p.next[key] = e.TargetNode
		hasInbound[e.TargetNode] = true
	}

	// The entry node is the unique node with no inbound edges; the trigger
	// delivers contacts there.
	for id := range p.nodes {
		if !hasInbound[id] {
			if p.entry != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"multiple entry nodes: %q and %q", p.entry, id)
			}
			p.entry = id
		}
	}
	if p.entry == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no entry node")
	}

	return p, nil
}

// Node returns the node with the given ID, or nil if absent.
func (p *Pinned) Node(id string) *schema.Node {
	return p.nodes[id]
}

// Entry returns the entry node ID (the trigger's first downstream node).
func (p *Pinned) Entry() string {
	return p.entry
}

// Next returns the target of the (source, label) edge. The second return is
// false when no such edge exists.
func (p *Pinned) Next(source, label string) (string, bool) {
	target, ok := p.next[edgeKey{source, label}]
	return target, ok
}

// OutLabels returns the labels of all outgoing edges of a node.
func (p *Pinned) OutLabels(source string) []string {
	var labels []string
	for k := range p.next {
		if k.source == source {
			labels = append(labels, k.label)
		}
	}
	return labels
}

// Len returns the number of nodes.
func (p *Pinned) Len() int {
	return len(p.nodes)
}
