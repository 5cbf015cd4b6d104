package mcp

import "github.com/mark3labs/mcp-go/mcp"

var startSessionToolDef = mcp.NewTool("memory_start_session",
	mcp.WithDescription("Start a new conversation session between a user and a character."),
	mcp.WithString("character_id", mcp.Required(), mcp.Description("Character identifier (catalog id)")),
	mcp.WithString("user_id", mcp.Required(), mcp.Description("Initial participant")),
	mcp.WithString("character_name", mcp.Description("Display name; defaults to the catalog entry")),
	mcp.WithObject("metadata", mcp.Description("Free-form session metadata")),
)

var getOrCreateSessionToolDef = mcp.NewTool("memory_get_or_create_session",
	mcp.WithDescription("Reuse the open session for a user and character, or start one."),
	mcp.WithString("user_id", mcp.Required()),
	mcp.WithString("character_id", mcp.Required()),
	mcp.WithString("character_name", mcp.Description("Display name; defaults to the catalog entry")),
)

var addTurnToolDef = mcp.NewTool("memory_add_turn",
	mcp.WithDescription("Append a turn. May start background compaction or reset the context."),
	mcp.WithString("session_id", mcp.Required()),
	mcp.WithString("speaker_id", mcp.Required()),
	mcp.WithString("speaker_type", mcp.Required(), mcp.Enum("user", "assistant", "system")),
	mcp.WithString("message", mcp.Required()),
	mcp.WithObject("metadata", mcp.Description("Turn metadata, e.g. {\"emotion\": \"happy\"}")),
)

var getContextToolDef = mcp.NewTool("memory_get_context",
	mcp.WithDescription("Get the compressed memory context and its rendered prompt."),
	mcp.WithString("session_id", mcp.Required()),
)

var forceCompressToolDef = mcp.NewTool("memory_force_compress",
	mcp.WithDescription("Compress the live window now, regardless of thresholds."),
	mcp.WithString("session_id", mcp.Required()),
)

var searchToolDef = mcp.NewTool("memory_search",
	mcp.WithDescription("Find past turns containing text, most important first."),
	mcp.WithString("query", mcp.Required()),
	mcp.WithString("session_id", mcp.Description("Restrict to one session")),
	mcp.WithNumber("limit", mcp.Description("Max results (default 10, max 100)")),
)

var historyToolDef = mcp.NewTool("memory_history",
	mcp.WithDescription("Get the latest turns of a session in turn order."),
	mcp.WithString("session_id", mcp.Required()),
	mcp.WithNumber("limit", mcp.Description("Max turns; omit for all")),
)

var summaryToolDef = mcp.NewTool("memory_summary",
	mcp.WithDescription("Session stats, narrative and compression status."),
	mcp.WithString("session_id", mcp.Required()),
)

var addParticipantToolDef = mcp.NewTool("memory_add_participant",
	mcp.WithDescription("Add a user to a session."),
	mcp.WithString("session_id", mcp.Required()),
	mcp.WithString("user_id", mcp.Required()),
)

var closeSessionToolDef = mcp.NewTool("memory_close_session",
	mcp.WithDescription("Close a session and release its memory state. Idempotent."),
	mcp.WithString("session_id", mcp.Required()),
)
