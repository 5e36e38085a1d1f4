package validation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/karsvo/journey/pkg/schema"
)

// validateGraph runs the structural-graph analysis stage: identity and edge
// integrity, per-node-type outgoing label rules, reachability from the entry
// node, and zero-wait cycle detection.
func validateGraph(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.Node, len(g.Nodes))
	for i := range g.Nodes {
		node := &g.Nodes[i]
		if _, dup := nodes[node.ID]; dup {
			result.AddError(fmt.Sprintf("/nodes/%s", node.ID), "duplicate_node_id",
				fmt.Sprintf("node id %q appears more than once", node.ID))
			continue
		}
		nodes[node.ID] = node
	}

	inbound := make(map[string]int, len(nodes))
	outgoing := make(map[string][]schema.Edge, len(nodes))
	edgeOK := true

	type edgeKey struct{ source, label string }
	seenEdges := make(map[edgeKey]bool, len(g.Edges))

	for i, edge := range g.Edges {
		path := fmt.Sprintf("/edges/%d", i)

		if _, ok := nodes[edge.SourceNode]; !ok {
			result.AddError(path, "dangling_edge",
				fmt.Sprintf("edge source %q is not a node", edge.SourceNode))
			edgeOK = false
			continue
		}
		if _, ok := nodes[edge.TargetNode]; !ok {
			result.AddError(path, "dangling_edge",
				fmt.Sprintf("edge target %q is not a node", edge.TargetNode))
			edgeOK = false
			continue
		}

		key := edgeKey{edge.SourceNode, edge.Label}
		if seenEdges[key] {
			result.AddError(path, "duplicate_edge_label",
				fmt.Sprintf("node %q has more than one outgoing %q edge", edge.SourceNode, edge.Label))
			edgeOK = false
			continue
		}
		seenEdges[key] = true

		inbound[edge.TargetNode]++
		outgoing[edge.SourceNode] = append(outgoing[edge.SourceNode], edge)
	}

	// Label rules and reachability need a trustworthy edge set.
	if !result.Valid() || !edgeOK {
		return result
	}

	for id, node := range nodes {
		validateOutgoingLabels(result, node, outgoing[id])
	}

	entry := findEntry(result, g, inbound, nodes)
	if entry == "" || !result.Valid() {
		return result
	}

	checkReachability(result, entry, nodes, outgoing)
	checkZeroWaitCycles(result, nodes, outgoing)

	return result
}

// validateOutgoingLabels enforces the per-type outgoing edge contract.
func validateOutgoingLabels(result *schema.ValidationResult, node *schema.Node, edges []schema.Edge) {
	path := fmt.Sprintf("/nodes/%s", node.ID)

	labels := make(map[string]bool, len(edges))
	for _, e := range edges {
		labels[e.Label] = true
	}

	switch node.Type {
	case schema.NodeTypeAction, schema.NodeTypeWait:
		if len(edges) != 1 || !labels[schema.EdgeDefault] {
			result.AddError(path, "invalid_outgoing_edges",
				fmt.Sprintf("%s node %q requires exactly one %q edge", node.Type, node.ID, schema.EdgeDefault))
		}

	case schema.NodeTypeCondition:
		// Required yes/no pair, plus an optional default edge for contacts
		// whose compared attribute is missing.
		ok := labels[schema.EdgeYes] && labels[schema.EdgeNo] &&
			(len(edges) == 2 || (len(edges) == 3 && labels[schema.EdgeDefault]))
		if !ok {
			result.AddError(path, "invalid_outgoing_edges",
				fmt.Sprintf("condition node %q requires %q and %q edges plus at most one %q edge",
					node.ID, schema.EdgeYes, schema.EdgeNo, schema.EdgeDefault))
		}

	case schema.NodeTypeSplit:
		validateSplitEdges(result, path, node, labels, len(edges))

	case schema.NodeTypeGoal:
		// Goal nodes optionally continue via a single default edge when the
		// predicate does not hold yet.
		if len(edges) > 1 || (len(edges) == 1 && !labels[schema.EdgeDefault]) {
			result.AddError(path, "invalid_outgoing_edges",
				fmt.Sprintf("goal node %q allows at most one %q edge", node.ID, schema.EdgeDefault))
		}

	case schema.NodeTypeExit:
		if len(edges) != 0 {
			result.AddError(path, "invalid_outgoing_edges",
				fmt.Sprintf("exit node %q must have no outgoing edges", node.ID))
		}
	}
}

// validateSplitEdges checks that a split node's outgoing labels match its
// configured branch labels exactly.
func validateSplitEdges(result *schema.ValidationResult, path string, node *schema.Node, labels map[string]bool, edgeCount int) {
	var cfg schema.SplitConfig
	if len(node.Config) == 0 || json.Unmarshal(node.Config, &cfg) != nil {
		// Semantic validation already reported the broken config.
		return
	}

	want := make(map[string]bool, len(cfg.Branches))
	for _, b := range cfg.Branches {
		want[b.Label] = true
		if !labels[b.Label] {
			result.AddError(path, "missing_branch_edge",
				fmt.Sprintf("split node %q has no outgoing edge for branch %q", node.ID, b.Label))
		}
	}
	if edgeCount != len(want) {
		for label := range labels {
			if !want[label] {
				result.AddError(path, "unexpected_branch_edge",
					fmt.Sprintf("split node %q has an outgoing %q edge with no matching branch", node.ID, label))
			}
		}
	}
}

// findEntry locates the unique node with no inbound edges.
func findEntry(result *schema.ValidationResult, g *schema.Graph, inbound map[string]int, nodes map[string]*schema.Node) string {
	var entries []string
	for id := range nodes {
		if inbound[id] == 0 {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)

	switch len(entries) {
	case 1:
		return entries[0]
	case 0:
		result.AddError("/", "no_entry_node", "graph has no node without inbound edges")
		return ""
	default:
		result.AddError("/", "multiple_entry_nodes",
			fmt.Sprintf("graph has %d nodes without inbound edges: %v", len(entries), entries))
		return ""
	}
}

// checkReachability reports every node the entry cannot reach.
func checkReachability(result *schema.ValidationResult, entry string, nodes map[string]*schema.Node, outgoing map[string][]schema.Edge) {
	visited := make(map[string]bool, len(nodes))
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, e := range outgoing[id] {
			stack = append(stack, e.TargetNode)
		}
	}

	var unreachable []string
	for id := range nodes {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddError(fmt.Sprintf("/nodes/%s", id), "unreachable_node",
			fmt.Sprintf("node %q is not reachable from the entry node", id))
	}
}

// checkZeroWaitCycles detects cycles that contain no wait node. A cycle
// through a wait is legal (the contact suspends each lap); a cycle without
// one would spin until the step limit trips. Wait nodes' outgoing edges are
// removed and the remainder must be acyclic.
func checkZeroWaitCycles(result *schema.ValidationResult, nodes map[string]*schema.Node, outgoing map[string][]schema.Edge) {
	indegree := make(map[string]int, len(nodes))
	next := make(map[string][]string, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for id, node := range nodes {
		if node.Type == schema.NodeTypeWait {
			continue
		}
		for _, e := range outgoing[id] {
			next[id] = append(next[id], e.TargetNode)
			indegree[e.TargetNode]++
		}
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, target := range next[id] {
			indegree[target]--
			if indegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	if processed == len(nodes) {
		return
	}

	var cyclic []string
	for id, d := range indegree {
		if d > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	result.AddError("/", "zero_wait_cycle",
		fmt.Sprintf("graph contains a cycle with no wait node through %v", cyclic))
}
