package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/memory"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	mem *memory.Manager
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(m *memory.Manager) *Handlers {
	return &Handlers{mem: m}
}

// Request types for each tool

// StartSessionRequest represents the arguments for memory_start_session.
type StartSessionRequest struct {
	CharacterID   string         `json:"character_id"`
	CharacterName string         `json:"character_name,omitempty"`
	UserID        string         `json:"user_id"`
	Metadata      convo.Metadata `json:"metadata,omitempty"`
}

// GetOrCreateSessionRequest represents the arguments for memory_get_or_create_session.
type GetOrCreateSessionRequest struct {
	UserID        string `json:"user_id"`
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name,omitempty"`
}

// AddTurnRequest represents the arguments for memory_add_turn.
type AddTurnRequest struct {
	SessionID   string         `json:"session_id"`
	SpeakerID   string         `json:"speaker_id"`
	SpeakerType string         `json:"speaker_type"`
	Message     string         `json:"message"`
	Metadata    convo.Metadata `json:"metadata,omitempty"`
}

// SessionRequest carries only a session ID (get_context, force_compress,
// summary, close_session).
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// SearchRequest represents the arguments for memory_search.
type SearchRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryRequest represents the arguments for memory_history.
type HistoryRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

// AddParticipantRequest represents the arguments for memory_add_participant.
type AddParticipantRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ContextOutput is the memory_get_context and memory_force_compress result.
type ContextOutput struct {
	Context       *convo.CompressedContext `json:"context"`
	Prompt        string                   `json:"prompt"`
	TokenEstimate int                      `json:"token_estimate"`
}

// TurnsOutput is the memory_search and memory_history result.
type TurnsOutput struct {
	Turns []convo.Turn `json:"turns"`
	Count int          `json:"count"`
}

func requireSession(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewInvalidRequest("session_id is required")
	}
	return nil
}

func contextOutput(cc *convo.CompressedContext) ContextOutput {
	return ContextOutput{Context: cc, Prompt: cc.ToPrompt(), TokenEstimate: cc.TokenEstimate()}
}

func turnsOutput(turns []convo.Turn) TurnsOutput {
	if turns == nil {
		turns = []convo.Turn{}
	}
	return TurnsOutput{Turns: turns, Count: len(turns)}
}

// Handler implementations

// HandleStartSession handles the memory_start_session tool call.
func (h *Handlers) HandleStartSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StartSessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	s, err := h.mem.StartSession(ctx, input.CharacterID, input.CharacterName, input.UserID, input.Metadata)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(s)
}

// HandleGetOrCreateSession handles the memory_get_or_create_session tool call.
func (h *Handlers) HandleGetOrCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GetOrCreateSessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	s, err := h.mem.GetOrCreateSession(ctx, input.UserID, input.CharacterID, input.CharacterName)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(s)
}

// HandleAddTurn handles the memory_add_turn tool call.
func (h *Handlers) HandleAddTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AddTurnRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	turn, err := h.mem.AddTurn(ctx, input.SessionID, input.SpeakerID, input.SpeakerType, input.Message, input.Metadata)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"turn":              turn,
		"compression_state": h.mem.CompressionState(input.SessionID).String(),
	})
}

// HandleGetContext handles the memory_get_context tool call.
func (h *Handlers) HandleGetContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	cc, err := h.mem.GetContext(ctx, input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(contextOutput(cc))
}

// HandleForceCompress handles the memory_force_compress tool call.
func (h *Handlers) HandleForceCompress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	cc, err := h.mem.ForceCompress(ctx, input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(contextOutput(cc))
}

// HandleSearch handles the memory_search tool call.
func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SearchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return errorResult(errors.NewInvalidRequest("query is required")), nil
	}
	if input.Limit < 0 {
		return errorResult(errors.NewInvalidRequest("limit must not be negative")), nil
	}

	turns, err := h.mem.SearchMemories(ctx, input.Query, input.SessionID, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(turnsOutput(turns))
}

// HandleHistory handles the memory_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	turns, err := h.mem.GetSessionHistory(ctx, input.SessionID, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(turnsOutput(turns))
}

// HandleSummary handles the memory_summary tool call.
func (h *Handlers) HandleSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	sum, err := h.mem.GetSessionSummary(ctx, input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(sum)
}

// HandleAddParticipant handles the memory_add_participant tool call.
func (h *Handlers) HandleAddParticipant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AddParticipantRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	s, err := h.mem.AddParticipant(ctx, input.SessionID, input.UserID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(s)
}

// HandleCloseSession handles the memory_close_session tool call.
func (h *Handlers) HandleCloseSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := requireSession(input.SessionID); err != nil {
		return errorResult(err), nil
	}

	if err := h.mem.CloseSession(ctx, input.SessionID); err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"session_id": input.SessionID, "closed": true})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	mErr := errors.As(err)
	errorObj := map[string]any{
		"code":    mErr.Code,
		"message": mErr.Message,
		"status":  mErr.Status,
	}
	if mErr.Code == errors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if mErr.Details != nil {
		errorObj["details"] = mErr.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
