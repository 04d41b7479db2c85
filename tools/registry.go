package tools

import (
	"log/slog"
	"slices"

	mcpclickhouse "github.com/clickdesk/mcp-clickhouse"
)

// CollectAllTools registers all tool categories with the given ToolAdder,
// filtered by the enabledTools list. This is the single entry point for tool
// registration, used by both MCP server mode and CLI mode.
func CollectAllTools(adder mcpclickhouse.ToolAdder, enabledTools []string) {
	maybeAdd(adder, AddClickHouseTools, enabledTools, "clickhouse")
}

func maybeAdd(adder mcpclickhouse.ToolAdder, fn func(mcpclickhouse.ToolAdder), enabledTools []string, category string) {
	if !slices.Contains(enabledTools, category) {
		slog.Debug("Not enabling tools", "category", category)
		return
	}
	slog.Debug("Enabling tools", "category", category)
	fn(adder)
}
