package persist

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
)

type turnKey struct {
	session string
	turn    int
}

// MemStore is an in-process Store. Nothing survives a restart.
type MemStore struct {
	mu          sync.RWMutex
	sessions    map[string]*convo.Session
	turns       map[turnKey]convo.Turn
	compression []convo.CompressionEvent
	events      []events.Event
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*convo.Session),
		turns:    make(map[turnKey]convo.Turn),
	}
}

func (m *MemStore) PutSession(_ context.Context, s *convo.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

func (m *MemStore) GetSession(_ context.Context, sessionID string) (*convo.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return s.Clone(), nil
}

func (m *MemStore) ListSessions(_ context.Context, f SessionFilter) ([]*convo.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*convo.Session
	for _, s := range m.sessions {
		if f.CharacterID != "" && s.CharacterID != f.CharacterID {
			continue
		}
		if f.UserID != "" && !s.HasParticipant(f.UserID) {
			continue
		}
		if f.OpenOnly && s.ClosedAt != nil {
			continue
		}
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b *convo.Session) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(b.SessionID, a.SessionID)
	})
	return page(out, f.Offset, f.Limit), nil
}

func (m *MemStore) AppendTurn(_ context.Context, t convo.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := turnKey{t.SessionID, t.TurnID}
	if _, exists := m.turns[k]; !exists {
		m.turns[k] = t.Clone()
	}
	return nil
}

func (m *MemStore) UpdateTurnImportance(_ context.Context, sessionID string, scores map[int]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, score := range scores {
		k := turnKey{sessionID, id}
		if t, ok := m.turns[k]; ok {
			t.ImportanceScore = score
			m.turns[k] = t
		}
	}
	return nil
}

func (m *MemStore) QueryTurns(_ context.Context, q TurnQuery) ([]convo.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(q.Text)
	var out []convo.Turn
	for k, t := range m.turns {
		if q.SessionID != "" && k.session != q.SessionID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(t.Message), needle) {
			continue
		}
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b convo.Turn) int {
		if c := cmp.Compare(b.ImportanceScore, a.ImportanceScore); c != 0 {
			return c
		}
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.TurnID, a.TurnID)
	})
	return page(out, 0, ClampLimit(q.Limit)), nil
}

func (m *MemStore) LoadTurns(_ context.Context, sessionID string, limit int) ([]convo.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []convo.Turn
	for k, t := range m.turns {
		if k.session == sessionID {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b convo.Turn) int { return cmp.Compare(a.TurnID, b.TurnID) })
	if limit > 0 {
		out = convo.LastN(out, limit)
	}
	return out, nil
}

func (m *MemStore) MaxTurnID(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	maxID := 0
	for k := range m.turns {
		if k.session == sessionID && k.turn > maxID {
			maxID = k.turn
		}
	}
	return maxID, nil
}

func (m *MemStore) AppendCompressionEvent(_ context.Context, e convo.CompressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.PreservedTurnIDs = slices.Clone(e.PreservedTurnIDs)
	m.compression = append(m.compression, e)
	return nil
}

func (m *MemStore) ListCompressionEvents(_ context.Context, sessionID string, limit int) ([]convo.CompressionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []convo.CompressionEvent
	for i := len(m.compression) - 1; i >= 0; i-- {
		if sessionID == "" || m.compression[i].SessionID == sessionID {
			out = append(out, m.compression[i])
		}
	}
	return page(out, 0, limit), nil
}

// AppendEvent implements events.Writer.
func (m *MemStore) AppendEvent(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// ListEvents returns newest first.
func (m *MemStore) ListEvents(_ context.Context, f EventFilter) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []events.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}
	return page(out, 0, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		return []T{}
	}
	return items
}
