// Package persist defines the durable-storage contract used by the memory
// core and an ordered, best-effort asynchronous write queue in front of it.
package persist

import (
	"context"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/events"
)

// Search limits
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 200
)

// TurnQuery selects turns for search.
type TurnQuery struct {
	// SessionID scopes the query to one session; empty searches all sessions.
	SessionID string

	// Text is a case-insensitive substring filter on message; empty matches all.
	Text string

	// Limit caps the result count (DefaultSearchLimit when <= 0).
	Limit int
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	CharacterID string
	UserID      string
	OpenOnly    bool
	Limit       int
	Offset      int
}

// Store is the durable persistence contract. Implementations must be safe for
// concurrent use; writes for different sessions never contend on shared rows.
type Store interface {
	// PutSession inserts or replaces a session and its participants.
	PutSession(ctx context.Context, s *convo.Session) error

	// GetSession returns SESSION_NOT_FOUND when the ID is unknown.
	GetSession(ctx context.Context, sessionID string) (*convo.Session, error)

	// ListSessions orders by last activity, newest first.
	ListSessions(ctx context.Context, f SessionFilter) ([]*convo.Session, error)

	// AppendTurn is idempotent on (session_id, turn_id).
	AppendTurn(ctx context.Context, t convo.Turn) error

	UpdateTurnImportance(ctx context.Context, sessionID string, scores map[int]float64) error

	// QueryTurns orders by importance descending, then recency descending.
	QueryTurns(ctx context.Context, q TurnQuery) ([]convo.Turn, error)

	// LoadTurns returns the last limit turns (all when limit <= 0) in ascending turn order.
	LoadTurns(ctx context.Context, sessionID string, limit int) ([]convo.Turn, error)

	// MaxTurnID returns 0 for a session without turns.
	MaxTurnID(ctx context.Context, sessionID string) (int, error)

	AppendCompressionEvent(ctx context.Context, e convo.CompressionEvent) error

	// ListCompressionEvents returns newest first.
	ListCompressionEvents(ctx context.Context, sessionID string, limit int) ([]convo.CompressionEvent, error)
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	SessionID string
	Type      events.Type
	Limit     int
}

// EventLog stores observability events for later inspection.
type EventLog interface {
	events.Writer
	ListEvents(ctx context.Context, f EventFilter) ([]events.Event, error)
}

// ClampLimit applies the search default and ceiling.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}
