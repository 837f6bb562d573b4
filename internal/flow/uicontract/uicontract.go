// Package uicontract projects a compiled capability node plus the current
// session state into the external UI Contract wire shape (spec §4.2, §6.2).
package uicontract

import (
	"fmt"
	"strings"

	"github.com/flowengine/core/internal/flow/condition"
	"github.com/flowengine/core/internal/flow/graph"
)

const Version = "1"

// Contract is the opaque output structure of §6.2; only this package
// constructs one.
type Contract struct {
	Version    string                 `json:"version"`
	State      string                 `json:"state"`
	Intent     string                 `json:"intent"`
	Features   Features               `json:"features"`
	Capability map[string]interface{} `json:"capabilities"`
	Actions    map[string]Action      `json:"actions"`
}

// Features carries the policy/target/authMethods hints a client needs to
// render the next capability; populated straight from the node template.
type Features struct {
	Policy      map[string]interface{} `json:"policy,omitempty"`
	Targets     []interface{}          `json:"targets,omitempty"`
	AuthMethods []interface{}          `json:"authMethods,omitempty"`
}

// Action is one client-invocable action (e.g. primary submit).
type Action struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// Params bundles the Generate inputs named in §4.2.
type Params struct {
	CompiledNode  *graph.CompiledNode
	FlowID        string
	ProfileID     string
	CollectedData map[string]interface{}
}

// Generate produces the UI Contract for a capability node. Decision, switch
// and end nodes never reach this function — they are resolved by the
// executor's branch evaluation before a UI Contract is ever requested.
func Generate(p Params) (*Contract, error) {
	if p.CompiledNode == nil {
		return nil, fmt.Errorf("uicontract: compiled node is required")
	}
	if p.CompiledNode.Type != graph.NodeCapability {
		return nil, fmt.Errorf("uicontract: node %q is type %q, not a capability node", p.CompiledNode.ID, p.CompiledNode.Type)
	}

	template := substitutePlaceholders(p.CompiledNode.Template, p.CollectedData)

	contract := &Contract{
		Version:    Version,
		State:      p.CompiledNode.ID,
		Intent:     p.FlowID,
		Capability: template,
		Actions: map[string]Action{
			"primary": {Type: "submit", Label: stringField(template, "label")},
		},
	}
	contract.Features = extractFeatures(template)

	return contract, nil
}

func extractFeatures(template map[string]interface{}) Features {
	var f Features
	if policy, ok := template["policy"].(map[string]interface{}); ok {
		f.Policy = policy
	}
	if targets, ok := template["targets"].([]interface{}); ok {
		f.Targets = targets
	}
	if methods, ok := template["authMethods"].([]interface{}); ok {
		f.AuthMethods = methods
	}
	return f
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// substitutePlaceholders deep-copies template, replacing any string value of
// the exact form "{{collected.<dotted path>}}" with the resolved value from
// collectedData (falling through to the literal placeholder when missing).
// It reuses the condition package's dotted-path resolver so prototype-chain
// segments are rejected the same way they are in branch evaluation.
func substitutePlaceholders(template map[string]interface{}, collectedData map[string]interface{}) map[string]interface{} {
	if template == nil {
		return nil
	}
	out := make(map[string]interface{}, len(template))
	for k, v := range template {
		out[k] = substituteValue(v, collectedData)
	}
	return out
}

func substituteValue(v interface{}, collectedData map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if path, ok := placeholderPath(t); ok {
			if resolved, found := condition.Resolve(map[string]interface{}{"collected": collectedData}, "collected."+path); found {
				return resolved
			}
			return t
		}
		return t
	case map[string]interface{}:
		return substitutePlaceholders(t, collectedData)
	case []interface{}:
		result := make([]interface{}, len(t))
		for i, item := range t {
			result[i] = substituteValue(item, collectedData)
		}
		return result
	default:
		return v
	}
}

func placeholderPath(s string) (string, bool) {
	const prefix, suffix = "{{collected.", "}}"
	if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) {
		return strings.TrimSuffix(strings.TrimPrefix(s, prefix), suffix), true
	}
	return "", false
}
