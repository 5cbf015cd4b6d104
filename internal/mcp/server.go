package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/memory"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"memory_start_session": {
		def:     startSessionToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStartSession },
	},
	"memory_get_or_create_session": {
		def:     getOrCreateSessionToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetOrCreateSession },
	},
	"memory_add_turn": {
		def:     addTurnToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddTurn },
	},
	"memory_get_context": {
		def:     getContextToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetContext },
	},
	"memory_force_compress": {
		def:     forceCompressToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleForceCompress },
	},
	"memory_search": {
		def:     searchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSearch },
	},
	"memory_history": {
		def:     historyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
	"memory_summary": {
		def:     summaryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSummary },
	},
	"memory_add_participant": {
		def:     addParticipantToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddParticipant },
	},
	"memory_close_session": {
		def:     closeSessionToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCloseSession },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with the memory tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(m *memory.Manager, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"mneme",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(m)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves the memory tools over stdio until stdin closes.
func Run(m *memory.Manager, cfg *config.Config, version string) error {
	s := NewServer(m, cfg, version)
	return server.ServeStdio(s)
}
