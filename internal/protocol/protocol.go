// Package protocol defines the wire protocol spoken over the chat channel.
//
// Frames are plain text. A small set of reserved control tokens separates
// protocol control from payload: exact-match tokens mark stream boundaries
// and server lifecycle, prefixed tokens carry a JSON directive. Anything
// else is payload text belonging to the in-flight assistant message.
//
// Directives are decoded through a closed table keyed by prefix; inbound
// text is never executed.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Exact-match control tokens.
const (
	TokenStreamStart   = "%%STREAM_START%%"
	TokenStreamEnd     = "%%STREAM_END%%"
	TokenStopStream    = "%%STOP_STREAM%%"
	TokenRestartServer = "%%RESTART_SERVER%%"
)

// Prefixed control tokens. The remainder of the frame is a JSON directive.
const (
	PrefixSystemReply = "%%DEMO_SYSTEM_REPLY%%:"
	PrefixMCPCall     = "%%DEMO_MCP_CALL%%:"
)

// VerbatimSuffix marks an outbound user message as system-injected,
// non-conversational text.
const VerbatimSuffix = "|verbatim"

// FrameKind classifies an inbound frame.
type FrameKind string

const (
	FrameStreamStart   FrameKind = "stream_start"
	FrameStreamEnd     FrameKind = "stream_end"
	FrameStopStream    FrameKind = "stop_stream"
	FrameRestartServer FrameKind = "restart_server"
	FrameSystemReply   FrameKind = "demo_system_reply"
	FrameMCPCall       FrameKind = "demo_mcp_call"
	FramePayload       FrameKind = "payload"
)

// Frame is a classified inbound frame.
type Frame struct {
	Kind FrameKind
	// Payload holds the raw text for FramePayload frames.
	Payload string
	// Directive holds the JSON remainder for prefixed tokens.
	Directive json.RawMessage
}

// Classify maps a raw inbound frame to its protocol meaning.
func Classify(raw string) Frame {
	switch raw {
	case TokenStreamStart:
		return Frame{Kind: FrameStreamStart}
	case TokenStreamEnd:
		return Frame{Kind: FrameStreamEnd}
	case TokenStopStream:
		return Frame{Kind: FrameStopStream}
	case TokenRestartServer:
		return Frame{Kind: FrameRestartServer}
	}
	if rest, ok := strings.CutPrefix(raw, PrefixSystemReply); ok {
		return Frame{Kind: FrameSystemReply, Directive: json.RawMessage(rest)}
	}
	if rest, ok := strings.CutPrefix(raw, PrefixMCPCall); ok {
		return Frame{Kind: FrameMCPCall, Directive: json.RawMessage(rest)}
	}
	return Frame{Kind: FramePayload, Payload: raw}
}

// SystemReplyDirective is the payload of a %%DEMO_SYSTEM_REPLY%% frame.
type SystemReplyDirective struct {
	Message      string `json:"message"`
	Verbatim     bool   `json:"verbatim,omitempty"`
	DisplaySpeed int    `json:"display_speed,omitempty"` // ms per word
}

// MCPCallDirective is the payload of a %%DEMO_MCP_CALL%% frame.
type MCPCallDirective struct {
	ToolName    string         `json:"tool_name"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// DecodeSystemReply parses a system-reply directive. Tolerates the JSON
// arriving double-encoded as a string.
func DecodeSystemReply(data json.RawMessage) (*SystemReplyDirective, error) {
	var d SystemReplyDirective
	if err := decodeDirective(data, &d); err != nil {
		return nil, fmt.Errorf("system reply directive: %w", err)
	}
	if d.Message == "" {
		return nil, fmt.Errorf("system reply directive: empty message")
	}
	return &d, nil
}

// DecodeMCPCall parses an MCP call directive. Tolerates double-encoding.
func DecodeMCPCall(data json.RawMessage) (*MCPCallDirective, error) {
	var d MCPCallDirective
	if err := decodeDirective(data, &d); err != nil {
		return nil, fmt.Errorf("mcp call directive: %w", err)
	}
	if d.ToolName == "" {
		return nil, fmt.Errorf("mcp call directive: empty tool_name")
	}
	return &d, nil
}

// EncodeSystemReply builds an outbound %%DEMO_SYSTEM_REPLY%% frame.
func EncodeSystemReply(d SystemReplyDirective) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode system reply: %w", err)
	}
	return PrefixSystemReply + string(data), nil
}

// EncodeMCPCall builds an outbound %%DEMO_MCP_CALL%% frame.
func EncodeMCPCall(d MCPCallDirective) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode mcp call: %w", err)
	}
	return PrefixMCPCall + string(data), nil
}

// MarkVerbatim appends the verbatim suffix to an outbound user message.
func MarkVerbatim(msg string) string {
	return msg + VerbatimSuffix
}

// CutVerbatim strips a trailing verbatim suffix, reporting whether it
// was present.
func CutVerbatim(msg string) (string, bool) {
	return strings.CutSuffix(msg, VerbatimSuffix)
}

// decodeDirective unmarshals data into v. Storage layers sometimes hand
// back the directive JSON-encoded a second time as a string; unwrap one
// level before giving up.
func decodeDirective(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err == nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal(data, v)
}
