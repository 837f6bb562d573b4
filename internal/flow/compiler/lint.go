package compiler

import (
	"fmt"

	"github.com/flowengine/core/internal/flow/condition"
	"github.com/flowengine/core/internal/flow/graph"
)

// Warning is a non-fatal lint finding; it never blocks compilation.
type Warning struct {
	NodeID  string
	Message string
}

// Lint flags decision branches whose condition can be proven statically
// unreachable against an empty context — typically authoring mistakes such
// as testing a field no node in the flow ever populates. It never fails the
// build; callers log warnings and move on.
func Lint(def *graph.GraphDefinition) []Warning {
	var warnings []Warning
	emptyCtx := map[string]interface{}{}

	for _, n := range def.Nodes {
		if n.Type != graph.NodeDecision || n.Decision == nil {
			continue
		}
		for _, b := range n.Decision.Branches {
			if isNeverPopulatedLeaf(b.Condition) && !condition.Evaluate(b.Condition, emptyCtx) {
				warnings = append(warnings, Warning{
					NodeID:  n.ID,
					Message: fmt.Sprintf("branch %q on node %q only tests a field with no populated value anywhere in this flow", b.ID, n.ID),
				})
			}
		}
	}
	return warnings
}

var wellKnownContextRoots = map[string]bool{
	"user": true, "device": true, "request": true, "risk": true,
	"form": true, "prevNode": true, "variables": true, "idp_claim": true,
}

// isNeverPopulatedLeaf flags a leaf condition whose field's root segment is
// not one of the well-known context roots the executor ever populates —
// almost always an authoring typo rather than an intentional always-false
// branch.
func isNeverPopulatedLeaf(c condition.Condition) bool {
	if c.Field == "" {
		return false
	}
	root := c.Field
	for i, ch := range c.Field {
		if ch == '.' {
			root = c.Field[:i]
			break
		}
	}
	return !wellKnownContextRoots[root]
}
