package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/persist"
)

// Store adapts the SQLite query functions to persist.Store and persist.EventLog.
type Store struct {
	db *sql.DB
}

var (
	_ persist.Store    = (*Store)(nil)
	_ persist.EventLog = (*Store)(nil)
)

// NewStore wraps an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) PutSession(ctx context.Context, sess *convo.Session) error {
	return PutSession(ctx, s.db, sess)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*convo.Session, error) {
	return GetSession(ctx, s.db, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, f persist.SessionFilter) ([]*convo.Session, error) {
	return ListSessions(ctx, s.db, f)
}

func (s *Store) AppendTurn(ctx context.Context, t convo.Turn) error {
	return AppendTurn(ctx, s.db, t)
}

func (s *Store) UpdateTurnImportance(ctx context.Context, sessionID string, scores map[int]float64) error {
	return UpdateTurnImportance(ctx, s.db, sessionID, scores)
}

func (s *Store) QueryTurns(ctx context.Context, q persist.TurnQuery) ([]convo.Turn, error) {
	return QueryTurns(ctx, s.db, q)
}

func (s *Store) LoadTurns(ctx context.Context, sessionID string, limit int) ([]convo.Turn, error) {
	return LoadTurns(ctx, s.db, sessionID, limit)
}

func (s *Store) MaxTurnID(ctx context.Context, sessionID string) (int, error) {
	return MaxTurnID(ctx, s.db, sessionID)
}

func (s *Store) AppendCompressionEvent(ctx context.Context, e convo.CompressionEvent) error {
	return AppendCompressionEvent(ctx, s.db, e)
}

func (s *Store) ListCompressionEvents(ctx context.Context, sessionID string, limit int) ([]convo.CompressionEvent, error) {
	return ListCompressionEvents(ctx, s.db, sessionID, limit)
}

func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	return AppendEvent(ctx, s.db, e)
}

func (s *Store) ListEvents(ctx context.Context, f persist.EventFilter) ([]events.Event, error) {
	return ListEvents(ctx, s.db, f)
}
