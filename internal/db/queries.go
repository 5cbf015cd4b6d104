package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/persist"
)

// PutSession upserts a session row and inserts any new participants.
func PutSession(ctx context.Context, db *sql.DB, s *convo.Session) error {
	metaJSON, err := marshalNullable(s.Metadata)
	if err != nil {
		return errors.NewInternal(err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, character_id, character_name, started_at, last_activity,
			total_turns, compression_count, total_tokens, metadata_json, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			character_name    = excluded.character_name,
			last_activity     = excluded.last_activity,
			total_turns       = excluded.total_turns,
			compression_count = excluded.compression_count,
			total_tokens      = excluded.total_tokens,
			metadata_json     = excluded.metadata_json,
			closed_at         = excluded.closed_at
	`,
		s.SessionID, s.CharacterID, s.CharacterName, toMillis(s.StartedAt), toMillis(s.LastActivity),
		s.TotalTurns, s.CompressionCount, s.TotalTokens, metaJSON, toNullMillis(s.ClosedAt),
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	for _, userID := range s.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_participants (session_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			s.SessionID, userID,
		); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

const sessionColumns = `
	s.session_id, s.character_id, s.character_name, s.started_at, s.last_activity,
	s.total_turns, s.compression_count, s.total_tokens, s.metadata_json, s.closed_at`

// GetSession retrieves a session with its participants.
func GetSession(ctx context.Context, db *sql.DB, sessionID string) (*convo.Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, sessionID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	if err := loadParticipants(ctx, db, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns sessions matching the filter, most recently active first.
func ListSessions(ctx context.Context, db *sql.DB, f persist.SessionFilter) ([]*convo.Session, error) {
	var (
		conds []string
		args  []any
	)
	from := "sessions s"
	if f.UserID != "" {
		from += " JOIN session_participants p ON p.session_id = s.session_id"
		conds = append(conds, "p.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CharacterID != "" {
		conds = append(conds, "s.character_id = ?")
		args = append(args, f.CharacterID)
	}
	if f.OpenOnly {
		conds = append(conds, "s.closed_at IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM ` + from
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY s.last_activity DESC, s.session_id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	sessions := []*convo.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	rows.Close()

	for _, s := range sessions {
		if err := loadParticipants(ctx, db, s); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func loadParticipants(ctx context.Context, db *sql.DB, s *convo.Session) error {
	rows, err := db.QueryContext(ctx,
		`SELECT user_id FROM session_participants WHERE session_id = ? ORDER BY user_id`, s.SessionID)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return errors.NewInternal(err)
		}
		s.AddParticipant(userID)
	}
	if err := rows.Err(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// AppendTurn inserts a turn. Re-inserting the same (session_id, turn_id) is a no-op.
func AppendTurn(ctx context.Context, db *sql.DB, t convo.Turn) error {
	metaJSON, err := marshalNullable(t.Metadata)
	if err != nil {
		return errors.NewInternal(err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO turns (
			session_id, turn_id, speaker_id, speaker_type, message,
			timestamp, token_count, metadata_json, importance_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, turn_id) DO NOTHING
	`,
		t.SessionID, t.TurnID, t.SpeakerID, string(t.SpeakerType), t.Message,
		toMillis(t.Timestamp), t.TokenCount, metaJSON, t.ImportanceScore,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// UpdateTurnImportance writes importance scores for the given turn IDs.
func UpdateTurnImportance(ctx context.Context, db *sql.DB, sessionID string, scores map[int]float64) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE turns SET importance_score = ? WHERE session_id = ? AND turn_id = ?`)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer stmt.Close()

	for turnID, score := range scores {
		if _, err := stmt.ExecContext(ctx, score, sessionID, turnID); err != nil {
			return errors.NewInternal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

const turnColumns = `session_id, turn_id, speaker_id, speaker_type, message,
	timestamp, token_count, metadata_json, importance_score`

// QueryTurns searches turns by case-insensitive substring, most important then most recent first.
func QueryTurns(ctx context.Context, db *sql.DB, q persist.TurnQuery) ([]convo.Turn, error) {
	var (
		conds []string
		args  []any
	)
	if q.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		conds = append(conds, `message LIKE ? ESCAPE '\'`)
		args = append(args, "%"+EscapeLike(text)+"%")
	}

	query := `SELECT ` + turnColumns + ` FROM turns`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY importance_score DESC, timestamp DESC, turn_id DESC LIMIT ?"
	args = append(args, persist.ClampLimit(q.Limit))

	return queryTurns(ctx, db, query, args...)
}

// LoadTurns returns the last limit turns of a session in ascending order (all when limit <= 0).
func LoadTurns(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]convo.Turn, error) {
	if limit <= 0 {
		return queryTurns(ctx, db,
			`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn_id ASC`, sessionID)
	}
	return queryTurns(ctx, db, `
		SELECT * FROM (
			SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn_id DESC LIMIT ?
		) ORDER BY turn_id ASC`, sessionID, limit)
}

// MaxTurnID returns the highest persisted turn ID for a session (0 if none).
func MaxTurnID(ctx context.Context, db *sql.DB, sessionID string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_id), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

func queryTurns(ctx context.Context, db *sql.DB, query string, args ...any) ([]convo.Turn, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	turns := []convo.Turn{}
	for rows.Next() {
		var (
			t           convo.Turn
			speakerType string
			ts          int64
			metaJSON    sql.NullString
		)
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.SpeakerID, &speakerType, &t.Message,
			&ts, &t.TokenCount, &metaJSON, &t.ImportanceScore); err != nil {
			return nil, errors.NewInternal(err)
		}
		t.SpeakerType = convo.SpeakerType(speakerType)
		t.Timestamp = fromMillis(ts)
		t.Metadata = convo.Metadata{}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &t.Metadata); err != nil {
				return nil, errors.NewInternal(err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return turns, nil
}

// AppendCompressionEvent records a compression audit row.
func AppendCompressionEvent(ctx context.Context, db *sql.DB, e convo.CompressionEvent) error {
	ids := e.PreservedTurnIDs
	if ids == nil {
		ids = []int{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return errors.NewInternal(err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO compression_events (
			session_id, compressed_at_turn, original_token_count, compressed_token_count,
			preserved_turn_ids_json, summary, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.SessionID, e.CompressedAtTurn, e.OriginalTokenCount, e.CompressedTokenCount,
		string(idsJSON), e.Summary, toMillis(e.Timestamp),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListCompressionEvents returns audit rows newest first. Empty sessionID lists all sessions.
func ListCompressionEvents(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]convo.CompressionEvent, error) {
	query := `SELECT session_id, compressed_at_turn, original_token_count, compressed_token_count,
		preserved_turn_ids_json, summary, timestamp FROM compression_events`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []convo.CompressionEvent{}
	for rows.Next() {
		var (
			e       convo.CompressionEvent
			idsJSON string
			ts      int64
		)
		if err := rows.Scan(&e.SessionID, &e.CompressedAtTurn, &e.OriginalTokenCount, &e.CompressedTokenCount,
			&idsJSON, &e.Summary, &ts); err != nil {
			return nil, errors.NewInternal(err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &e.PreservedTurnIDs); err != nil {
			return nil, errors.NewInternal(err)
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// AppendEvent stores an observability event.
func AppendEvent(ctx context.Context, db *sql.DB, e events.Event) error {
	payload, err := marshalNullable(e.Data)
	if err != nil {
		return errors.NewInternal(err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO event_log (id, type, session_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, string(e.Type), toNullString(e.SessionID), payload, toMillis(e.Timestamp))
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListEvents returns stored events newest first.
func ListEvents(ctx context.Context, db *sql.DB, f persist.EventFilter) ([]events.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	query := `SELECT id, type, session_id, payload_json, created_at FROM event_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var (
			e         events.Event
			typ       string
			sessionID sql.NullString
			payload   sql.NullString
			ts        int64
		)
		if err := rows.Scan(&e.ID, &typ, &sessionID, &payload, &ts); err != nil {
			return nil, errors.NewInternal(err)
		}
		e.Type = events.Type(typ)
		e.SessionID = sessionID.String
		e.Timestamp = fromMillis(ts)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Data); err != nil {
				return nil, errors.NewInternal(err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*convo.Session, error) {
	var (
		s             convo.Session
		started, last int64
		metaJSON      sql.NullString
		closedAt      sql.NullInt64
	)
	err := row.Scan(&s.SessionID, &s.CharacterID, &s.CharacterName, &started, &last,
		&s.TotalTurns, &s.CompressionCount, &s.TotalTokens, &metaJSON, &closedAt)
	if err != nil {
		return nil, err
	}
	s.StartedAt = fromMillis(started)
	s.LastActivity = fromMillis(last)
	s.Participants = []string{}
	s.Metadata = convo.Metadata{}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &s.Metadata); err != nil {
			return nil, err
		}
	}
	if closedAt.Valid {
		t := fromMillis(closedAt.Int64)
		s.ClosedAt = &t
	}
	return &s, nil
}

// EscapeLike escapes LIKE wildcards so user text matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func marshalNullable[M ~map[string]any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// toNullString converts an empty string to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
