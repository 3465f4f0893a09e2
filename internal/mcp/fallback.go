package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/protocol"
)

// ErrNoSuchTool is returned when no connected server exposes the tool a
// directive asked for.
var ErrNoSuchTool = errors.New("mcp: no connected server exposes tool")

// FallbackRunner executes tool-call directives against local MCP
// servers. The interpreter hands it the directive it would otherwise
// have sent over the chat channel.
type FallbackRunner struct {
	registry *Registry
	log      *observability.Logger
}

// NewFallbackRunner wraps a registry for directive execution.
func NewFallbackRunner(registry *Registry) *FallbackRunner {
	return &FallbackRunner{
		registry: registry,
		log:      observability.NewLogger("mcp", nil),
	}
}

// Run resolves the directive's tool across connected servers, invokes
// it and returns the tool output flattened to text.
func (f *FallbackRunner) Run(ctx context.Context, d protocol.MCPCallDirective) (string, error) {
	server, _, found := f.registry.FindTool(d.ToolName)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrNoSuchTool, d.ToolName)
	}

	result, err := f.registry.CallTool(ctx, server, d.ToolName, d.ToolArgs)
	if err != nil {
		return "", fmt.Errorf("mcp: local call %q on %q: %w", d.ToolName, server, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q reported error: %s", d.ToolName, text)
	}

	f.log.Info("tool executed locally", "tool", d.ToolName, "server", server)
	return text, nil
}

// flattenContent joins text blocks; non-text blocks are skipped.
func flattenContent(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}
