package types

import (
	"errors"
	"fmt"
)

// ErrInvalidGraph is returned when a workflow graph references missing nodes.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// routeKeys are the node config keys that name a follow-up node outside the edges.
var routeKeys = []string{"on_error_next_node", "on_reject_next_node"}

// NodeByID finds a node by ID.
func (w Workflow) NodeByID(id string) (Node, bool) {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

// EntryNodes returns the nodes without incoming edges, in definition order.
// Targets of on_error_next_node and on_reject_next_node count as reachable.
func (w Workflow) EntryNodes() []Node {
	incoming := make(map[string]bool, len(w.Edges))
	for _, e := range w.Edges {
		incoming[e.TargetNodeID] = true
	}
	for _, node := range w.Nodes {
		for _, key := range routeKeys {
			if target := node.Config.String(key); target != "" && target != node.ID {
				incoming[target] = true
			}
		}
	}
	var entries []Node
	for _, node := range w.Nodes {
		if !incoming[node.ID] {
			entries = append(entries, node)
		}
	}
	return entries
}

// OutgoingEdges returns the edges leaving the node, in definition order.
func (w Workflow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.SourceNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks node uniqueness and that every reference points at an existing node.
func (w Workflow) Validate() error {
	ids := make(map[string]bool, len(w.Nodes))
	for _, node := range w.Nodes {
		if node.ID == "" {
			return fmt.Errorf("%w: node ID cannot be empty", ErrInvalidGraph)
		}
		if ids[node.ID] {
			return fmt.Errorf("%w: duplicate node ID %q", ErrInvalidGraph, node.ID)
		}
		ids[node.ID] = true
	}

	for _, e := range w.Edges {
		if !ids[e.SourceNodeID] {
			return fmt.Errorf("%w: edge %q references unknown source %q", ErrInvalidGraph, e.ID, e.SourceNodeID)
		}
		if !ids[e.TargetNodeID] {
			return fmt.Errorf("%w: edge %q references unknown target %q", ErrInvalidGraph, e.ID, e.TargetNodeID)
		}
	}

	for _, node := range w.Nodes {
		for _, key := range routeKeys {
			if target := node.Config.String(key); target != "" && !ids[target] {
				return fmt.Errorf("%w: node %q %s references unknown node %q", ErrInvalidGraph, node.ID, key, target)
			}
		}
	}
	return nil
}
