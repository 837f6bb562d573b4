// Package graph defines the flow engine's declarative graph data model
// (GraphDefinition, Node, Edge) and the compiler's output, the CompiledPlan.
package graph

import "github.com/flowengine/core/internal/flow/condition"

// NodeType discriminates the node's behavior. Node types and condition
// shapes are tagged unions; switching on the tag drives behavior rather than
// polymorphism.
type NodeType string

const (
	NodeStart      NodeType = "start"
	NodeCapability NodeType = "capability"
	NodeDecision   NodeType = "decision"
	NodeSwitch     NodeType = "switch"
	NodeEnd        NodeType = "end"
)

// DefaultHandle marks the sourceHandle reserved for a decision/switch
// node's default branch or case.
const DefaultHandle = "default"

// DecisionBranch is one ordered branch of a decision node; its position in
// DecisionConfig.Branches is its declared order, which is priority-descending
// per §4.4.
type DecisionBranch struct {
	ID        string              `json:"id"`
	Condition condition.Condition `json:"condition"`
}

// DecisionConfig is the type-specific payload of a decision node.
type DecisionConfig struct {
	Branches       []DecisionBranch `json:"branches"`
	HasDefault     bool             `json:"hasDefault"`
	DefaultBranchID string          `json:"defaultBranchId,omitempty"`
}

// SwitchCase is one ordered case of a switch node.
type SwitchCase struct {
	ID     string        `json:"id"`
	Values []interface{} `json:"values"`
}

// SwitchConfig is the type-specific payload of a switch node.
type SwitchConfig struct {
	SwitchKey  string       `json:"switchKey"`
	Cases      []SwitchCase `json:"cases"`
	HasDefault bool         `json:"hasDefault"`
}

// Node is one vertex of a GraphDefinition. Exactly the fields relevant to
// its Type are populated; the rest are zero values.
type Node struct {
	ID       string                 `json:"id"`
	Type     NodeType               `json:"type"`
	Template map[string]interface{} `json:"template,omitempty"`
	Decision *DecisionConfig        `json:"decision,omitempty"`
	Switch   *SwitchConfig          `json:"switch,omitempty"`
}

// Edge is one directed connection between two nodes. SourceHandle matches a
// decision branch id, a switch case id, DefaultHandle, or is empty for a
// linear node's sole outgoing edge.
type Edge struct {
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
	SourceHandle string `json:"sourceHandle,omitempty"`

	BeforeEvent string `json:"beforeEvent,omitempty"`
	AfterEvent  string `json:"afterEvent,omitempty"`
}

// GraphDefinition is a flow's author-facing declaration, identified by
// (ID, FlowVersion).
type GraphDefinition struct {
	ID          string `json:"id"`
	FlowVersion int64  `json:"flowVersion"`
	ProfileID   string `json:"profileId"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// CompiledTransition is one normalized outgoing transition of a node.
type CompiledTransition struct {
	SourceHandle string
	TargetNodeID string
}

// CompiledNode is the indexed, immutable form of a Node used at runtime.
type CompiledNode struct {
	ID            string
	Type          NodeType
	Template      map[string]interface{}
	Decision      *DecisionConfig
	Switch        *SwitchConfig
	NextOnSuccess string // only set for linear (non-decision/switch/end) nodes
}

// CompiledPlan is the immutable, indexed output of the Flow Compiler (§4.4).
// It is safe for concurrent reads from multiple goroutines; it is never
// mutated after publication into the plan cache.
type CompiledPlan struct {
	SourceVersion int64
	EntryNodeID   string
	Nodes         map[string]*CompiledNode
	Transitions   map[string][]CompiledTransition
}

// Node returns the compiled node for id, or nil if absent.
func (p *CompiledPlan) Node(id string) *CompiledNode {
	if p == nil {
		return nil
	}
	return p.Nodes[id]
}

// TransitionTarget resolves the transition for sourceNodeID whose
// SourceHandle equals handle. Returns ok=false if no such transition exists.
func (p *CompiledPlan) TransitionTarget(sourceNodeID, handle string) (string, bool) {
	for _, t := range p.Transitions[sourceNodeID] {
		if t.SourceHandle == handle {
			return t.TargetNodeID, true
		}
	}
	return "", false
}
