// Package script defines the demo script model: an ordered list of steps
// plus named branch lists selected by keyboard input at runtime.
//
// Scripts are authored as JSON and served by the backend under
// /assets/scenarios/<name>.json with the shape {"demo_script": {...}}.
package script

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the step union.
type Kind string

const (
	KindUserInput   Kind = "user_input"
	KindSystemReply Kind = "system_reply"
	KindDOMAction   Kind = "dom_action"
	KindMCPToolCall Kind = "mcp_tool_call"
)

// DOMAction is the action a dom_action step performs on its selector.
type DOMAction string

const (
	ActionClick      DOMAction = "click"
	ActionSubmitForm DOMAction = "submit_form"
	ActionSetValue   DOMAction = "set_value"
)

// DestructiveOp names a backend-destroying operation a branch step may
// trigger. The interpreter ends its run on such a step; resumption is
// handled by the continuation marker after the backend comes back.
type DestructiveOp string

const (
	DestructiveNone      DestructiveOp = ""
	DestructiveSwitchEnv DestructiveOp = "switch_environment"
	DestructiveClearDB   DestructiveOp = "clear_db"
)

// Timing controls per-step pacing, all in milliseconds.
type Timing struct {
	DelayBefore  int `json:"delay_before,omitempty"`
	TypingSpeed  int `json:"typing_speed,omitempty"`  // ms per character
	DisplaySpeed int `json:"display_speed,omitempty"` // ms per word
}

// Step is one demo operation. The Type field selects which of the four
// kinds is active; remaining fields belong to that kind.
type Step struct {
	StepID  string  `json:"step_id"`
	Type    Kind    `json:"type"`
	Timing  *Timing `json:"timing,omitempty"`
	EndDemo bool    `json:"end_demo,omitempty"`

	// user_input and system_reply.
	Message  string `json:"message,omitempty"`
	Verbatim bool   `json:"verbatim,omitempty"`

	// dom_action.
	Selector        string    `json:"selector,omitempty"`
	Action          DOMAction `json:"action,omitempty"`
	Value           string    `json:"value,omitempty"`
	ReadValueFrom   string    `json:"read_value_from,omitempty"`
	MessageTemplate string    `json:"message_template,omitempty"`

	// mcp_tool_call.
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Description string         `json:"description,omitempty"`

	// Branching. WaitForInput gates the step on the keyboard gate;
	// Branches maps a resolved key combo to a branch key.
	WaitForInput bool              `json:"wait_for_input,omitempty"`
	ValidKeys    []string          `json:"valid_keys,omitempty"`
	Branches     map[string]string `json:"branches,omitempty"`

	// Destructive marks a step that tears down the backend itself.
	Destructive DestructiveOp `json:"destructive,omitempty"`
}

// Script is a named demo scenario.
type Script struct {
	Name     string            `json:"name"`
	Steps    []Step            `json:"steps"`
	Branches map[string][]Step `json:"branches,omitempty"`
}

// scenarioEnvelope is the on-disk / on-wire shape.
type scenarioEnvelope struct {
	DemoScript json.RawMessage `json:"demo_script"`
}

// Decode parses a scenario document. The demo_script value may arrive
// double-encoded as a JSON string from intermediate storage; one level of
// unwrapping is attempted before failing.
func Decode(data []byte) (*Script, error) {
	var env scenarioEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode scenario envelope: %w", err)
	}
	if len(env.DemoScript) == 0 {
		return nil, fmt.Errorf("decode scenario: missing demo_script")
	}

	var s Script
	if err := json.Unmarshal(env.DemoScript, &s); err != nil {
		var inner string
		if serr := json.Unmarshal(env.DemoScript, &inner); serr == nil {
			if err2 := json.Unmarshal([]byte(inner), &s); err2 == nil {
				return &s, nil
			}
		}
		return nil, fmt.Errorf("decode demo_script: %w", err)
	}
	return &s, nil
}

// Validate checks structural invariants. Fatal problems (a step of no
// known kind, wait_for_input without keys or branches) return an error.
// Dangling branch references are non-fatal: they are returned as warnings
// and the interpreter skips branching on them.
func (s *Script) Validate() ([]string, error) {
	var warnings []string

	lists := map[string][]Step{"": s.Steps}
	for name, steps := range s.Branches {
		lists[name] = steps
	}

	for listName, steps := range lists {
		for i, st := range steps {
			where := fmt.Sprintf("step %d", i)
			if st.StepID != "" {
				where = fmt.Sprintf("step %q", st.StepID)
			}
			if listName != "" {
				where = fmt.Sprintf("branch %q, %s", listName, where)
			}

			switch st.Type {
			case KindUserInput, KindSystemReply:
				if st.Message == "" {
					return nil, fmt.Errorf("%s: %s requires message", where, st.Type)
				}
			case KindDOMAction:
				if st.Selector == "" {
					return nil, fmt.Errorf("%s: dom_action requires selector", where)
				}
				switch st.Action {
				case ActionClick, ActionSubmitForm, ActionSetValue:
				default:
					return nil, fmt.Errorf("%s: unknown dom action %q", where, st.Action)
				}
			case KindMCPToolCall:
				if st.ToolName == "" {
					return nil, fmt.Errorf("%s: mcp_tool_call requires tool_name", where)
				}
			default:
				return nil, fmt.Errorf("%s: unknown step type %q", where, st.Type)
			}

			if st.WaitForInput {
				if len(st.ValidKeys) == 0 {
					return nil, fmt.Errorf("%s: wait_for_input requires valid_keys", where)
				}
				if len(st.Branches) == 0 {
					return nil, fmt.Errorf("%s: wait_for_input requires branches", where)
				}
			}

			for combo, branchKey := range st.Branches {
				if _, ok := s.Branches[branchKey]; !ok {
					warnings = append(warnings,
						fmt.Sprintf("%s: combo %q references missing branch %q", where, combo, branchKey))
				}
			}
		}
	}
	return warnings, nil
}

// BranchSteps returns the step list for a branch key, or nil if absent.
func (s *Script) BranchSteps(key string) []Step {
	if s.Branches == nil {
		return nil
	}
	return s.Branches[key]
}

// ScenarioForRoute derives a scenario file name from the current page
// route, e.g. "/billing/invoices" with suffix "test" → "billing_test".
func ScenarioForRoute(route, suffix string) string {
	route = strings.Trim(route, "/")
	if route == "" {
		route = "home"
	}
	head := route
	if idx := strings.IndexByte(route, '/'); idx >= 0 {
		head = route[:idx]
	}
	head = strings.ReplaceAll(head, "-", "_")
	if suffix == "" {
		return head
	}
	return head + "_" + suffix
}
