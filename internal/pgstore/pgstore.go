// Package pgstore implements persist.Store on PostgreSQL using pgx/v5.
//
// Usage:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	st := pgstore.New(pool)
//	_ = st.Migrate(ctx)
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/convo"
	merrors "github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/persist"
)

const schema = `
CREATE TABLE IF NOT EXISTS mneme_sessions (
  session_id        TEXT PRIMARY KEY,
  character_id      TEXT NOT NULL,
  character_name    TEXT NOT NULL,
  started_at        TIMESTAMPTZ NOT NULL,
  last_activity     TIMESTAMPTZ NOT NULL,
  total_turns       INTEGER NOT NULL DEFAULT 0,
  compression_count INTEGER NOT NULL DEFAULT 0,
  total_tokens      INTEGER NOT NULL DEFAULT 0,
  metadata          JSONB,
  closed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_mneme_sessions_character_activity
ON mneme_sessions(character_id, last_activity DESC);

CREATE TABLE IF NOT EXISTS mneme_session_participants (
  session_id TEXT NOT NULL REFERENCES mneme_sessions(session_id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  PRIMARY KEY (session_id, user_id)
);

CREATE TABLE IF NOT EXISTS mneme_turns (
  session_id       TEXT NOT NULL,
  turn_id          INTEGER NOT NULL,
  speaker_id       TEXT NOT NULL,
  speaker_type     TEXT NOT NULL,
  message          TEXT NOT NULL,
  ts               TIMESTAMPTZ NOT NULL,
  token_count      INTEGER NOT NULL,
  metadata         JSONB,
  importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
  PRIMARY KEY (session_id, turn_id)
);

CREATE INDEX IF NOT EXISTS idx_mneme_turns_importance_recency
ON mneme_turns(importance_score DESC, ts DESC);

CREATE TABLE IF NOT EXISTS mneme_compression_events (
  id                     BIGSERIAL PRIMARY KEY,
  session_id             TEXT NOT NULL,
  compressed_at_turn     INTEGER NOT NULL,
  original_token_count   INTEGER NOT NULL,
  compressed_token_count INTEGER NOT NULL,
  preserved_turn_ids     JSONB NOT NULL,
  summary                TEXT NOT NULL,
  ts                     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mneme_event_log (
  id         TEXT PRIMARY KEY,
  type       TEXT NOT NULL,
  session_id TEXT,
  payload    JSONB,
  created_at TIMESTAMPTZ NOT NULL
);
`

// Store implements persist.Store and persist.EventLog.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ persist.Store    = (*Store)(nil)
	_ persist.EventLog = (*Store)(nil)
)

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects using cfg.PostgresURL, applies pool limits, and migrates.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres_url: %w", err)
	}
	if cfg.DBMaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		pcfg.MinConns = int32(min(cfg.DBMaxIdleConns, cfg.DBMaxOpenConns))
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) PutSession(ctx context.Context, sess *convo.Session) error {
	meta, err := marshalJSON(sess.Metadata)
	if err != nil {
		return merrors.NewInternal(err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return merrors.NewInternal(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO mneme_sessions (
			session_id, character_id, character_name, started_at, last_activity,
			total_turns, compression_count, total_tokens, metadata, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			character_name    = EXCLUDED.character_name,
			last_activity     = EXCLUDED.last_activity,
			total_turns       = EXCLUDED.total_turns,
			compression_count = EXCLUDED.compression_count,
			total_tokens      = EXCLUDED.total_tokens,
			metadata          = EXCLUDED.metadata,
			closed_at         = EXCLUDED.closed_at
	`, sess.SessionID, sess.CharacterID, sess.CharacterName, sess.StartedAt, sess.LastActivity,
		sess.TotalTurns, sess.CompressionCount, sess.TotalTokens, meta, sess.ClosedAt)
	if err != nil {
		return merrors.NewInternal(err)
	}

	batch := &pgx.Batch{}
	for _, userID := range sess.Participants {
		batch.Queue(`INSERT INTO mneme_session_participants (session_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			sess.SessionID, userID)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return merrors.NewInternal(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return merrors.NewInternal(err)
	}
	return nil
}

const sessionColumns = `s.session_id, s.character_id, s.character_name, s.started_at, s.last_activity,
	s.total_turns, s.compression_count, s.total_tokens, s.metadata, s.closed_at`

func (s *Store) GetSession(ctx context.Context, sessionID string) (*convo.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM mneme_sessions s WHERE s.session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, merrors.NewSessionNotFound(sessionID)
	}
	if err != nil {
		return nil, merrors.NewInternal(err)
	}
	if err := s.loadParticipants(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, f persist.SessionFilter) ([]*convo.Session, error) {
	var (
		conds []string
		args  []any
	)
	from := "mneme_sessions s"
	if f.UserID != "" {
		from += " JOIN mneme_session_participants p ON p.session_id = s.session_id"
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("p.user_id = $%d", len(args)))
	}
	if f.CharacterID != "" {
		args = append(args, f.CharacterID)
		conds = append(conds, fmt.Sprintf("s.character_id = $%d", len(args)))
	}
	if f.OpenOnly {
		conds = append(conds, "s.closed_at IS NULL")
	}
	query := `SELECT ` + sessionColumns + ` FROM ` + from
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY s.last_activity DESC, s.session_id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, merrors.NewInternal(err)
	}
	sessions := []*convo.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, merrors.NewInternal(err)
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, merrors.NewInternal(err)
	}

	for _, sess := range sessions {
		if err := s.loadParticipants(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *Store) loadParticipants(ctx context.Context, sess *convo.Session) error {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM mneme_session_participants WHERE session_id = $1 ORDER BY user_id`, sess.SessionID)
	if err != nil {
		return merrors.NewInternal(err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return merrors.NewInternal(err)
	}
	for _, u := range users {
		sess.AddParticipant(u)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, t convo.Turn) error {
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return merrors.NewInternal(err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mneme_turns (
			session_id, turn_id, speaker_id, speaker_type, message, ts, token_count, metadata, importance_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, turn_id) DO NOTHING
	`, t.SessionID, t.TurnID, t.SpeakerID, string(t.SpeakerType), t.Message, t.Timestamp,
		t.TokenCount, meta, t.ImportanceScore)
	if err != nil {
		return merrors.NewInternal(err)
	}
	return nil
}

func (s *Store) UpdateTurnImportance(ctx context.Context, sessionID string, scores map[int]float64) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for turnID, score := range scores {
		batch.Queue(`UPDATE mneme_turns SET importance_score = $1 WHERE session_id = $2 AND turn_id = $3`,
			score, sessionID, turnID)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return merrors.NewInternal(err)
	}
	return nil
}

const turnColumns = `session_id, turn_id, speaker_id, speaker_type, message, ts, token_count, metadata, importance_score`

func (s *Store) QueryTurns(ctx context.Context, q persist.TurnQuery) ([]convo.Turn, error) {
	var (
		conds []string
		args  []any
	)
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		conds = append(conds, fmt.Sprintf(`message ILIKE $%d ESCAPE '\'`, len(args)))
	}
	query := `SELECT ` + turnColumns + ` FROM mneme_turns`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, persist.ClampLimit(q.Limit))
	query += fmt.Sprintf(" ORDER BY importance_score DESC, ts DESC, turn_id DESC LIMIT $%d", len(args))
	return s.queryTurns(ctx, query, args...)
}

func (s *Store) LoadTurns(ctx context.Context, sessionID string, limit int) ([]convo.Turn, error) {
	if limit <= 0 {
		return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM mneme_turns WHERE session_id = $1 ORDER BY turn_id ASC`, sessionID)
	}
	return s.queryTurns(ctx, `
		SELECT * FROM (
			SELECT `+turnColumns+` FROM mneme_turns WHERE session_id = $1 ORDER BY turn_id DESC LIMIT $2
		) t ORDER BY turn_id ASC`, sessionID, limit)
}

func (s *Store) MaxTurnID(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_id), 0) FROM mneme_turns WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, merrors.NewInternal(err)
	}
	return n, nil
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]convo.Turn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, merrors.NewInternal(err)
	}
	defer rows.Close()

	turns := []convo.Turn{}
	for rows.Next() {
		var (
			t           convo.Turn
			speakerType string
			meta        []byte
		)
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.SpeakerID, &speakerType, &t.Message,
			&t.Timestamp, &t.TokenCount, &meta, &t.ImportanceScore); err != nil {
			return nil, merrors.NewInternal(err)
		}
		t.SpeakerType = convo.SpeakerType(speakerType)
		t.Timestamp = t.Timestamp.UTC()
		t.Metadata = convo.Metadata{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, merrors.NewInternal(err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.NewInternal(err)
	}
	return turns, nil
}

func (s *Store) AppendCompressionEvent(ctx context.Context, e convo.CompressionEvent) error {
	ids := e.PreservedTurnIDs
	if ids == nil {
		ids = []int{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return merrors.NewInternal(err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mneme_compression_events (
			session_id, compressed_at_turn, original_token_count, compressed_token_count,
			preserved_turn_ids, summary, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.SessionID, e.CompressedAtTurn, e.OriginalTokenCount, e.CompressedTokenCount, idsJSON, e.Summary, e.Timestamp)
	if err != nil {
		return merrors.NewInternal(err)
	}
	return nil
}

func (s *Store) ListCompressionEvents(ctx context.Context, sessionID string, limit int) ([]convo.CompressionEvent, error) {
	query := `SELECT session_id, compressed_at_turn, original_token_count, compressed_token_count,
		preserved_turn_ids, summary, ts FROM mneme_compression_events`
	var args []any
	if sessionID != "" {
		args = append(args, sessionID)
		query += " WHERE session_id = $1"
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, merrors.NewInternal(err)
	}
	defer rows.Close()

	out := []convo.CompressionEvent{}
	for rows.Next() {
		var (
			e       convo.CompressionEvent
			idsJSON []byte
		)
		if err := rows.Scan(&e.SessionID, &e.CompressedAtTurn, &e.OriginalTokenCount, &e.CompressedTokenCount,
			&idsJSON, &e.Summary, &e.Timestamp); err != nil {
			return nil, merrors.NewInternal(err)
		}
		if err := json.Unmarshal(idsJSON, &e.PreservedTurnIDs); err != nil {
			return nil, merrors.NewInternal(err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.NewInternal(err)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	payload, err := marshalJSON(e.Data)
	if err != nil {
		return merrors.NewInternal(err)
	}
	var sessionID *string
	if e.SessionID != "" {
		sessionID = &e.SessionID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mneme_event_log (id, type, session_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Type), sessionID, payload, e.Timestamp)
	if err != nil {
		return merrors.NewInternal(err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f persist.EventFilter) ([]events.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	query := `SELECT id, type, session_id, payload, created_at FROM mneme_event_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, merrors.NewInternal(err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var (
			e         events.Event
			typ       string
			sessionID *string
			payload   []byte
		)
		if err := rows.Scan(&e.ID, &typ, &sessionID, &payload, &e.Timestamp); err != nil {
			return nil, merrors.NewInternal(err)
		}
		e.Type = events.Type(typ)
		if sessionID != nil {
			e.SessionID = *sessionID
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Data); err != nil {
				return nil, merrors.NewInternal(err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.NewInternal(err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (*convo.Session, error) {
	var (
		sess     convo.Session
		meta     []byte
		closedAt *time.Time
	)
	if err := row.Scan(&sess.SessionID, &sess.CharacterID, &sess.CharacterName, &sess.StartedAt, &sess.LastActivity,
		&sess.TotalTurns, &sess.CompressionCount, &sess.TotalTokens, &meta, &closedAt); err != nil {
		return nil, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.LastActivity = sess.LastActivity.UTC()
	sess.Participants = []string{}
	sess.Metadata = convo.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, err
		}
	}
	if closedAt != nil {
		t := closedAt.UTC()
		sess.ClosedAt = &t
	}
	return &sess, nil
}

// marshalJSON returns nil for empty maps so the column stores NULL.
func marshalJSON[M ~map[string]any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
