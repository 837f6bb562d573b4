// Package compiler validates a graph.GraphDefinition and produces an
// indexed, immutable graph.CompiledPlan, or a concrete list of violations.
package compiler

import (
	"fmt"
	"strings"

	"github.com/flowengine/core/internal/flow/graph"
)

// Error aggregates every concrete violation found while compiling a graph,
// so registry-load diagnostics can report all of them at once rather than
// failing fast on the first one found.
type Error struct {
	GraphID    string
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph %q failed to compile: %s", e.GraphID, strings.Join(e.Violations, "; "))
}

// Compile validates def against the invariants of spec §3 and produces a
// graph.CompiledPlan. Compile is deterministic and referentially
// transparent: the same def always yields the same plan.
func Compile(def *graph.GraphDefinition) (*graph.CompiledPlan, error) {
	if def == nil {
		return nil, &Error{Violations: []string{"graph definition is nil"}}
	}

	var violations []string

	nodesByID := make(map[string]graph.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			violations = append(violations, "node with empty id")
			continue
		}
		if _, dup := nodesByID[n.ID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodesByID[n.ID] = n
	}

	var startNodes []string
	endNodes := map[string]struct{}{}
	for _, n := range nodesByID {
		switch n.Type {
		case graph.NodeStart:
			startNodes = append(startNodes, n.ID)
		case graph.NodeEnd:
			endNodes[n.ID] = struct{}{}
		}
	}
	if len(startNodes) != 1 {
		violations = append(violations, fmt.Sprintf("expected exactly one start node, found %d", len(startNodes)))
	}
	if len(endNodes) == 0 {
		violations = append(violations, "no end node declared")
	}

	transitionsBySource := make(map[string][]graph.CompiledTransition)
	for _, e := range def.Edges {
		if _, ok := nodesByID[e.SourceNodeID]; !ok {
			violations = append(violations, fmt.Sprintf("edge references unknown source node %q", e.SourceNodeID))
			continue
		}
		if _, ok := nodesByID[e.TargetNodeID]; !ok {
			violations = append(violations, fmt.Sprintf("edge references unknown target node %q", e.TargetNodeID))
			continue
		}
		transitionsBySource[e.SourceNodeID] = append(transitionsBySource[e.SourceNodeID], graph.CompiledTransition{
			SourceHandle: e.SourceHandle,
			TargetNodeID: e.TargetNodeID,
		})
	}

	compiledNodes := make(map[string]*graph.CompiledNode, len(nodesByID))
	for id, n := range nodesByID {
		cn := &graph.CompiledNode{
			ID:       id,
			Type:     n.Type,
			Template: n.Template,
			Decision: n.Decision,
			Switch:   n.Switch,
		}

		switch n.Type {
		case graph.NodeDecision:
			violations = append(violations, validateDecisionHandles(id, n.Decision, transitionsBySource[id])...)
		case graph.NodeSwitch:
			violations = append(violations, validateSwitchHandles(id, n.Switch, transitionsBySource[id])...)
		case graph.NodeEnd:
			// terminal; no outgoing edges expected, but not an error if present.
		default:
			outgoing := transitionsBySource[id]
			if len(outgoing) != 1 {
				violations = append(violations, fmt.Sprintf(
					"linear node %q must have exactly one outgoing edge, found %d", id, len(outgoing)))
			} else {
				cn.NextOnSuccess = outgoing[0].TargetNodeID
			}
		}

		compiledNodes[id] = cn
	}

	if len(violations) > 0 {
		return nil, &Error{GraphID: def.ID, Violations: violations}
	}

	entryNodeID := startNodes[0]
	if !isEndReachable(entryNodeID, compiledNodes, transitionsBySource, endNodes) {
		return nil, &Error{GraphID: def.ID, Violations: []string{"no end node is reachable from the start node"}}
	}

	return &graph.CompiledPlan{
		SourceVersion: def.FlowVersion,
		EntryNodeID:   entryNodeID,
		Nodes:         compiledNodes,
		Transitions:   transitionsBySource,
	}, nil
}

// validateDecisionHandles enforces that every branch id appears exactly once
// as a sourceHandle, the default (if declared) resolves to a handle, and no
// orphan handles exist. Two branches sharing a handle is a compile-time
// error (§9 Open Question, resolved in favor of rejecting ambiguity).
func validateDecisionHandles(nodeID string, cfg *graph.DecisionConfig, transitions []graph.CompiledTransition) []string {
	if cfg == nil {
		return []string{fmt.Sprintf("decision node %q missing decision config", nodeID)}
	}

	var violations []string
	handleCount := make(map[string]int, len(transitions))
	for _, t := range transitions {
		handleCount[t.SourceHandle]++
	}

	seenBranch := make(map[string]bool, len(cfg.Branches))
	for _, b := range cfg.Branches {
		if seenBranch[b.ID] {
			violations = append(violations, fmt.Sprintf("decision node %q declares branch id %q twice", nodeID, b.ID))
			continue
		}
		seenBranch[b.ID] = true
		if handleCount[b.ID] == 0 {
			violations = append(violations, fmt.Sprintf("decision node %q branch %q has no matching outgoing edge", nodeID, b.ID))
		} else if handleCount[b.ID] > 1 {
			violations = append(violations, fmt.Sprintf("decision node %q branch %q matches %d outgoing edges sharing the same handle", nodeID, b.ID, handleCount[b.ID]))
		}
	}

	if cfg.HasDefault {
		if handleCount[graph.DefaultHandle] == 0 {
			violations = append(violations, fmt.Sprintf("decision node %q declares a default but no edge has the default handle", nodeID))
		} else if handleCount[graph.DefaultHandle] > 1 {
			violations = append(violations, fmt.Sprintf("decision node %q has %d edges sharing the default handle", nodeID, handleCount[graph.DefaultHandle]))
		}
	}

	for handle := range handleCount {
		if handle == graph.DefaultHandle {
			continue
		}
		if !seenBranch[handle] {
			violations = append(violations, fmt.Sprintf("decision node %q has an orphan handle %q matching no branch", nodeID, handle))
		}
	}

	return violations
}

func validateSwitchHandles(nodeID string, cfg *graph.SwitchConfig, transitions []graph.CompiledTransition) []string {
	if cfg == nil {
		return []string{fmt.Sprintf("switch node %q missing switch config", nodeID)}
	}

	var violations []string
	handleCount := make(map[string]int, len(transitions))
	for _, t := range transitions {
		handleCount[t.SourceHandle]++
	}

	seenCase := make(map[string]bool, len(cfg.Cases))
	for _, c := range cfg.Cases {
		if seenCase[c.ID] {
			violations = append(violations, fmt.Sprintf("switch node %q declares case id %q twice", nodeID, c.ID))
			continue
		}
		seenCase[c.ID] = true
		if handleCount[c.ID] == 0 {
			violations = append(violations, fmt.Sprintf("switch node %q case %q has no matching outgoing edge", nodeID, c.ID))
		} else if handleCount[c.ID] > 1 {
			violations = append(violations, fmt.Sprintf("switch node %q case %q matches %d outgoing edges sharing the same handle", nodeID, c.ID, handleCount[c.ID]))
		}
	}

	if cfg.HasDefault {
		if handleCount[graph.DefaultHandle] == 0 {
			violations = append(violations, fmt.Sprintf("switch node %q declares a default but no edge has the default handle", nodeID))
		} else if handleCount[graph.DefaultHandle] > 1 {
			violations = append(violations, fmt.Sprintf("switch node %q has %d edges sharing the default handle", nodeID, handleCount[graph.DefaultHandle]))
		}
	}

	for handle := range handleCount {
		if handle == graph.DefaultHandle {
			continue
		}
		if !seenCase[handle] {
			violations = append(violations, fmt.Sprintf("switch node %q has an orphan handle %q matching no case", nodeID, handle))
		}
	}

	return violations
}

func isEndReachable(entryID string, nodes map[string]*graph.CompiledNode, transitions map[string][]graph.CompiledTransition, endNodes map[string]struct{}) bool {
	visited := map[string]bool{}
	stack := []string{entryID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if _, isEnd := endNodes[id]; isEnd {
			return true
		}
		for _, t := range transitions[id] {
			if !visited[t.TargetNodeID] {
				stack = append(stack, t.TargetNodeID)
			}
		}
		if n := nodes[id]; n != nil && n.NextOnSuccess != "" {
			if !visited[n.NextOnSuccess] {
				stack = append(stack, n.NextOnSuccess)
			}
		}
	}
	return false
}
