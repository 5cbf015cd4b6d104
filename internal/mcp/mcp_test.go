package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/db"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/memory"
	"github.com/hpungsan/mneme/internal/summarize"
)

// testSetup creates a manager over a temporary SQLite database. Background
// workers are not started, so writes are applied synchronously.
func testSetup(t *testing.T) (*memory.Manager, *config.Config) {
	t.Helper()

	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}

	cfg := config.DefaultConfig()
	m, err := memory.NewFromConfig(cfg, db.NewStore(database), summarize.None{}, nil, nil)
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}

	t.Cleanup(func() {
		m.Close()
		database.Close()
	})
	return m, cfg
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func startSession(t *testing.T, h *Handlers) string {
	t.Helper()
	result, err := h.HandleStartSession(context.Background(), makeRequest(map[string]any{
		"character_id": "miku",
		"user_id":      "u1",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	id, _ := out["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", out)
	}
	return id
}

func addTurn(t *testing.T, h *Handlers, sessionID, message string) map[string]any {
	t.Helper()
	result, err := h.HandleAddTurn(context.Background(), makeRequest(map[string]any{
		"session_id":   sessionID,
		"speaker_id":   "u1",
		"speaker_type": "user",
		"message":      message,
		"metadata":     map[string]any{"emotion": "happy"},
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return parseOutput(t, result)
}

func TestHandleStartSession(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()

	tests := []struct {
		name      string
		args      map[string]any
		wantError bool
		errorCode string
	}{
		{
			name: "start with catalog fallback name",
			args: map[string]any{"character_id": "miku", "user_id": "u1"},
		},
		{
			name: "start with metadata",
			args: map[string]any{
				"character_id":   "miku",
				"character_name": "Miku",
				"user_id":        "u2",
				"metadata":       map[string]any{"channel": "general"},
			},
		},
		{
			name:      "missing character_id",
			args:      map[string]any{"user_id": "u1"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "missing user_id",
			args:      map[string]any{"character_id": "miku"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "unknown argument",
			args:      map[string]any{"character_id": "miku", "user_id": "u1", "charcter": "x"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleStartSession(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}

			if tt.wantError {
				if !result.IsError {
					t.Errorf("expected error result, got success")
				}
				assertErrorCode(t, result, tt.errorCode)
				return
			}
			out := parseOutput(t, result)
			if out["character_id"] != "miku" {
				t.Errorf("character_id = %v, want miku", out["character_id"])
			}
		})
	}
}

func TestHandleGetOrCreateSession_Reuses(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()

	args := map[string]any{"user_id": "u1", "character_id": "miku"}
	first, err := h.HandleGetOrCreateSession(ctx, makeRequest(args))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	second, err := h.HandleGetOrCreateSession(ctx, makeRequest(args))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	a, b := parseOutput(t, first)["session_id"], parseOutput(t, second)["session_id"]
	if a != b {
		t.Errorf("session_id = %v then %v, want the same session", a, b)
	}
}

func TestHandleAddTurn(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()
	sessionID := startSession(t, h)

	out := addTurn(t, h, sessionID, "hello there")
	turn := out["turn"].(map[string]any)
	if turn["turn_id"] != float64(1) {
		t.Errorf("turn_id = %v, want 1", turn["turn_id"])
	}
	if out["compression_state"] != "idle" {
		t.Errorf("compression_state = %v, want idle", out["compression_state"])
	}

	tests := []struct {
		name      string
		args      map[string]any
		errorCode string
	}{
		{
			name:      "empty message",
			args:      map[string]any{"session_id": sessionID, "speaker_id": "u1", "speaker_type": "user", "message": ""},
			errorCode: "INVALID_TURN_DATA",
		},
		{
			name:      "bad speaker type",
			args:      map[string]any{"session_id": sessionID, "speaker_id": "u1", "speaker_type": "bot", "message": "hi"},
			errorCode: "INVALID_TURN_DATA",
		},
		{
			name:      "unknown session",
			args:      map[string]any{"session_id": "nope", "speaker_id": "u1", "speaker_type": "user", "message": "hi"},
			errorCode: "SESSION_NOT_FOUND",
		},
		{
			name:      "missing session",
			args:      map[string]any{"speaker_id": "u1", "speaker_type": "user", "message": "hi"},
			errorCode: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleAddTurn(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got success")
			}
			assertErrorCode(t, result, tt.errorCode)
		})
	}
}

func TestHandleGetContext(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()
	sessionID := startSession(t, h)
	addTurn(t, h, sessionID, "I just adopted a puppy")

	result, err := h.HandleGetContext(ctx, makeRequest(map[string]any{"session_id": sessionID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)

	prompt, _ := out["prompt"].(string)
	if !strings.Contains(prompt, "RECENT CONTEXT (Last 1 exchanges):") {
		t.Errorf("prompt missing recent section: %q", prompt)
	}
	if !strings.Contains(prompt, `Turn 1 (User): [happy] "I just adopted a puppy"`) {
		t.Errorf("prompt missing turn: %q", prompt)
	}
	cc := out["context"].(map[string]any)
	if recent := cc["recent_turns"].([]any); len(recent) != 1 {
		t.Errorf("recent_turns = %d, want 1", len(recent))
	}

	result, err = h.HandleGetContext(ctx, makeRequest(map[string]any{"session_id": "missing"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "SESSION_NOT_FOUND")
}

func TestHandleForceCompress_Fallback(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()
	sessionID := startSession(t, h)
	for i := 0; i < 3; i++ {
		addTurn(t, h, sessionID, fmt.Sprintf("message %d", i))
	}

	result, err := h.HandleForceCompress(ctx, makeRequest(map[string]any{"session_id": sessionID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	cc := out["context"].(map[string]any)
	if cc["session_summary"] != "Conversation with 3 exchanges" {
		t.Errorf("session_summary = %v", cc["session_summary"])
	}
	md := cc["compression_metadata"].(map[string]any)
	if md["compression_method"] != "forced" {
		t.Errorf("compression_method = %v, want forced", md["compression_method"])
	}
	if md["fallback"] != true {
		t.Errorf("fallback = %v, want true", md["fallback"])
	}
}

func TestHandleSearchAndHistory(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()
	sessionID := startSession(t, h)
	addTurn(t, h, sessionID, "My sister lives in Osaka")
	addTurn(t, h, sessionID, "I like ramen")
	addTurn(t, h, sessionID, "Osaka has great food")

	result, err := h.HandleSearch(ctx, makeRequest(map[string]any{"query": "osaka", "session_id": sessionID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	if out["count"] != float64(2) {
		t.Errorf("count = %v, want 2", out["count"])
	}

	result, err = h.HandleSearch(ctx, makeRequest(map[string]any{"query": " "}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "INVALID_REQUEST")

	result, err = h.HandleHistory(ctx, makeRequest(map[string]any{"session_id": sessionID, "limit": 2}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out = parseOutput(t, result)
	turns := out["turns"].([]any)
	if len(turns) != 2 {
		t.Fatalf("history len = %d, want 2", len(turns))
	}
	if first := turns[0].(map[string]any); first["turn_id"] != float64(2) {
		t.Errorf("first turn_id = %v, want 2", first["turn_id"])
	}
}

func TestHandleSummaryAndParticipants(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()
	sessionID := startSession(t, h)
	addTurn(t, h, sessionID, "hello")

	result, err := h.HandleAddParticipant(ctx, makeRequest(map[string]any{"session_id": sessionID, "user_id": "u2"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if got := parseOutput(t, result)["participants"].([]any); len(got) != 2 {
		t.Errorf("participants = %v, want 2 entries", got)
	}

	result, err = h.HandleSummary(ctx, makeRequest(map[string]any{"session_id": sessionID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	sess := out["session"].(map[string]any)
	if sess["total_turns"] != float64(1) {
		t.Errorf("total_turns = %v, want 1", sess["total_turns"])
	}
	status := out["compression_status"].(map[string]any)
	if status["state"] != "idle" {
		t.Errorf("state = %v, want idle", status["state"])
	}
}

func TestHandleCloseSession(t *testing.T) {
	m, _ := testSetup(t)
	h := NewHandlers(m)
	ctx := context.Background()
	sessionID := startSession(t, h)

	for i := 0; i < 2; i++ {
		result, err := h.HandleCloseSession(ctx, makeRequest(map[string]any{"session_id": sessionID}))
		if err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		if out := parseOutput(t, result); out["closed"] != true {
			t.Errorf("closed = %v, want true", out["closed"])
		}
	}

	result, err := h.HandleGetContext(ctx, makeRequest(map[string]any{"session_id": sessionID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "SESSION_NOT_FOUND")
}

func TestServerRegistration(t *testing.T) {
	m, cfg := testSetup(t)

	s := NewServer(m, cfg, "test")
	tools := s.ListTools()
	if len(tools) != len(toolRegistry) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(toolRegistry))
	}
	for _, name := range AllToolNames() {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	m, cfg := testSetup(t)

	cfg.DisabledTools = []string{"memory_force_compress", "memory_close_session", "memory_close_session"}
	s := NewServer(m, cfg, "test")
	tools := s.ListTools()

	if len(tools) != len(toolRegistry)-2 {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(toolRegistry)-2)
	}
	for _, name := range []string{"memory_force_compress", "memory_close_session"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
	if _, ok := tools["memory_add_turn"]; !ok {
		t.Error("memory_add_turn should be registered")
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	m, cfg := testSetup(t)

	cfg.DisabledTools = AllToolNames()
	s := NewServer(m, cfg, "test")
	if tools := s.ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{name: "all valid", input: []string{"memory_search", "memory_history"}, wantLen: 0},
		{name: "one unknown", input: []string{"memory_search", "memory_delete"}, wantLen: 1},
		{name: "empty list", input: []string{}, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unknown := ValidateDisabledTools(tt.input); len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("sql error: open /tmp/secret.db: permission denied")))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if strings.Contains(errObj["message"].(string), "secret.db") {
		t.Fatal("expected INTERNAL message to be redacted")
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
}

func TestErrorResult_WrappedErrorKeepsCode(t *testing.T) {
	r := errorResult(fmt.Errorf("add turn: %w", errors.NewSessionNotFound("abc")))

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrSessionNotFound) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrSessionNotFound)
	}
	if errObj["status"] != float64(404) {
		t.Errorf("status=%v, want 404", errObj["status"])
	}
	details, ok := errObj["details"].(map[string]any)
	if !ok || details["session_id"] != "abc" {
		t.Errorf("details=%v, want session_id", errObj["details"])
	}
}

func TestErrorResult_PlainErrorIsInternal(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("boom")))
	if errObj["code"] != string(errors.ErrInternal) {
		t.Errorf("code=%v, want INTERNAL", errObj["code"])
	}
}

// Helper functions

func errorObject(t *testing.T, r *mcp.CallToolResult) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	return payload["error"].(map[string]any)
}

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if len(result.Content) == 0 {
		t.Errorf("no content in error result")
		return
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Errorf("content is not TextContent")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Errorf("failed to unmarshal error payload: %v", err)
		return
	}
	errorObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Errorf("no error object in payload")
		return
	}
	if code, _ := errorObj["code"].(string); code != expectedCode {
		t.Errorf("got error code %q, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
