// Package registry tracks live conversation sessions: creation, lookup,
// activity counters, idle expiry and best-effort persistence.
//
// The in-memory registry is authoritative for the lifetime of the process.
// Activity writes are coalesced, so a crash loses at most the increments made
// since the last persisted snapshot.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/ids"
	"github.com/hpungsan/mneme/internal/logging"
	"github.com/hpungsan/mneme/internal/persist"
)

// Origin tells GetOrCreateSession callers where the session came from.
type Origin int

const (
	OriginLive Origin = iota
	OriginLoaded
	OriginCreated
)

func (o Origin) String() string {
	switch o {
	case OriginLive:
		return "live"
	case OriginLoaded:
		return "loaded"
	default:
		return "created"
	}
}

// Options configures a Registry. Zero values get defaults.
type Options struct {
	IdleTimeout        time.Duration
	PersistEveryNTurns int
	Clock              func() time.Time
	Log                logging.Logger
	Events             events.Emitter
}

type indexKey struct {
	userID      string
	characterID string
}

type entry struct {
	session *convo.Session

	// unpersistedTurns counts turns since the last snapshot write
	unpersistedTurns int
}

// Registry is safe for concurrent use.
type Registry struct {
	queue        *persist.Queue
	idleTimeout  time.Duration
	persistEvery int
	now          func() time.Time
	log          logging.Logger
	events       events.Emitter

	mu    sync.RWMutex
	live  map[string]*entry
	index map[indexKey]string
}

// New creates a registry writing through queue.
func New(queue *persist.Queue, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 24 * time.Hour
	}
	if opts.PersistEveryNTurns <= 0 {
		opts.PersistEveryNTurns = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop()
	}
	return &Registry{
		queue:        queue,
		idleTimeout:  opts.IdleTimeout,
		persistEvery: opts.PersistEveryNTurns,
		now:          func() time.Time { return opts.Clock().UTC() },
		log:          opts.Log,
		events:       opts.Events,
		live:         make(map[string]*entry),
		index:        make(map[indexKey]string),
	}
}

// CreateSession registers a new session and schedules its first write.
func (r *Registry) CreateSession(characterID, characterName, userID string, metadata convo.Metadata) *convo.Session {
	r.mu.Lock()
	snap := r.insertLocked(characterID, characterName, userID, metadata)
	r.mu.Unlock()

	r.announce(snap, userID)
	return snap
}

func (r *Registry) insertLocked(characterID, characterName, userID string, metadata convo.Metadata) *convo.Session {
	now := r.now()
	s := convo.NewSession(ids.New(now), characterID, characterName, userID, metadata, now)
	r.live[s.SessionID] = &entry{session: s}
	r.indexLocked(s)
	return s.Clone()
}

func (r *Registry) announce(s *convo.Session, userID string) {
	r.queue.PutSession(s)
	r.log.Info("session started", "session_id", s.SessionID, "character_id", s.CharacterID, "user_id", userID)
	r.events.Emit(events.New(events.SessionStarted, s.SessionID, map[string]any{
		"character_id":   s.CharacterID,
		"character_name": s.CharacterName,
		"user_id":        userID,
	}))
}

// GetOrCreateSession returns the open session for (userID, characterID),
// consulting live sessions first and then persistence, and creates one when
// neither has it. Concurrent callers for the same pair get the same session.
func (r *Registry) GetOrCreateSession(ctx context.Context, userID, characterID, characterName string) (*convo.Session, Origin) {
	now := r.now()
	key := indexKey{userID, characterID}

	r.mu.RLock()
	e := r.indexedLocked(key, now)
	var snap *convo.Session
	if e != nil {
		snap = e.session.Clone()
	}
	r.mu.RUnlock()
	if snap != nil {
		return snap, OriginLive
	}

	if s := r.loadOpen(ctx, userID, characterID, now); s != nil {
		return s, OriginLoaded
	}

	// another caller may have created or adopted one during the store lookup
	r.mu.Lock()
	if e := r.indexedLocked(key, now); e != nil {
		snap := e.session.Clone()
		r.mu.Unlock()
		return snap, OriginLive
	}
	snap = r.insertLocked(characterID, characterName, userID, nil)
	r.mu.Unlock()

	r.announce(snap, userID)
	return snap, OriginCreated
}

// indexedLocked returns the unexpired live session indexed under key.
func (r *Registry) indexedLocked(key indexKey, now time.Time) *entry {
	id, ok := r.index[key]
	if !ok {
		return nil
	}
	e, ok := r.live[id]
	if !ok || r.expired(e.session, now) {
		return nil
	}
	return e
}

func (r *Registry) loadOpen(ctx context.Context, userID, characterID string, now time.Time) *convo.Session {
	found, err := r.queue.Store().ListSessions(ctx, persist.SessionFilter{
		CharacterID: characterID,
		UserID:      userID,
		OpenOnly:    true,
		Limit:       1,
	})
	if err != nil {
		r.log.Error("session lookup failed", "user_id", userID, "character_id", characterID, "error", err)
		return nil
	}
	if len(found) == 0 || r.expired(found[0], now) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.indexedLocked(indexKey{userID, characterID}, now); e != nil {
		return e.session.Clone()
	}
	return r.adoptLocked(found[0])
}

// adopt puts a persisted session into the live set unless another caller
// got there first.
func (r *Registry) adopt(s *convo.Session) *convo.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adoptLocked(s)
}

func (r *Registry) adoptLocked(s *convo.Session) *convo.Session {
	if e, ok := r.live[s.SessionID]; ok {
		return e.session.Clone()
	}
	r.live[s.SessionID] = &entry{session: s}
	r.indexLocked(s)
	return s.Clone()
}

// GetSession returns a live or persisted session. Closed or expired sessions
// are reported as SESSION_NOT_FOUND; an expired live session is closed on the way.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (*convo.Session, error) {
	now := r.now()

	r.mu.RLock()
	e, ok := r.live[sessionID]
	var snap *convo.Session
	expired := false
	if ok {
		expired = r.expired(e.session, now)
		snap = e.session.Clone()
	}
	r.mu.RUnlock()

	if ok {
		if expired {
			r.closeLive(sessionID, "expired")
			return nil, errors.NewSessionNotFound(sessionID)
		}
		return snap, nil
	}

	s, err := r.queue.Store().GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, errors.ErrSessionNotFound) {
			r.log.Error("session load failed", "session_id", sessionID, "error", err)
		}
		return nil, errors.NewSessionNotFound(sessionID)
	}
	if s.ClosedAt != nil {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	if r.expired(s, now) {
		s.ClosedAt = &now
		r.queue.PutSession(s)
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return r.adopt(s), nil
}

// Lookup returns a live session without touching persistence.
func (r *Registry) Lookup(sessionID string) (*convo.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[sessionID]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// UpdateActivity bumps counters and last activity. A snapshot is written once
// PersistEveryNTurns turns have accumulated.
func (r *Registry) UpdateActivity(sessionID string, turnDelta, tokenDelta int) (*convo.Session, error) {
	r.mu.Lock()
	e, ok := r.live[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NewSessionNotFound(sessionID)
	}
	s := e.session
	s.LastActivity = r.now()
	s.TotalTurns += turnDelta
	s.TotalTokens += tokenDelta
	e.unpersistedTurns += turnDelta

	var write *convo.Session
	if e.unpersistedTurns >= r.persistEvery {
		e.unpersistedTurns = 0
		write = s.Clone()
	}
	snap := s.Clone()
	r.mu.Unlock()

	if write != nil {
		r.queue.PutSession(write)
	}
	return snap, nil
}

// RecordCompression increments the compression count and persists immediately.
func (r *Registry) RecordCompression(sessionID string) (*convo.Session, error) {
	r.mu.Lock()
	e, ok := r.live[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NewSessionNotFound(sessionID)
	}
	e.session.CompressionCount++
	e.unpersistedTurns = 0
	snap := e.session.Clone()
	r.mu.Unlock()

	r.queue.PutSession(snap)
	return snap, nil
}

// AddParticipant adds userID to a live session and indexes it.
func (r *Registry) AddParticipant(sessionID, userID string) (*convo.Session, error) {
	if userID == "" {
		return nil, errors.NewInvalidRequest("user_id is required")
	}
	r.mu.Lock()
	e, ok := r.live[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NewSessionNotFound(sessionID)
	}
	added := e.session.AddParticipant(userID)
	if added {
		r.index[indexKey{userID, e.session.CharacterID}] = sessionID
	}
	snap := e.session.Clone()
	r.mu.Unlock()

	if added {
		r.queue.PutSession(snap)
	}
	return snap, nil
}

// CloseSession writes a final snapshot and drops the session from the live
// set. Closing an unknown or already closed session is a no-op.
func (r *Registry) CloseSession(ctx context.Context, sessionID string) {
	if r.closeLive(sessionID, "closed") {
		return
	}
	s, err := r.queue.Store().GetSession(ctx, sessionID)
	if err != nil || s.ClosedAt != nil {
		return
	}
	now := r.now()
	s.ClosedAt = &now
	r.queue.PutSession(s)
}

func (r *Registry) closeLive(sessionID, reason string) bool {
	r.mu.Lock()
	e, ok := r.live[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	e.session.ClosedAt = &now
	delete(r.live, sessionID)
	for _, u := range e.session.Participants {
		k := indexKey{u, e.session.CharacterID}
		if r.index[k] == sessionID {
			delete(r.index, k)
		}
	}
	snap := e.session.Clone()
	r.mu.Unlock()

	r.queue.PutSession(snap)
	r.log.Info("session closed", "session_id", sessionID, "reason", reason, "total_turns", snap.TotalTurns)
	r.events.Emit(events.New(events.SessionClosed, sessionID, map[string]any{
		"reason":            reason,
		"total_turns":       snap.TotalTurns,
		"total_tokens":      snap.TotalTokens,
		"compression_count": snap.CompressionCount,
	}))
	return true
}

// ExpireIdleSessions closes live sessions idle longer than the timeout and
// returns their IDs.
func (r *Registry) ExpireIdleSessions() []string {
	now := r.now()
	r.mu.RLock()
	var stale []string
	for id, e := range r.live {
		if r.expired(e.session, now) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	expired := stale[:0]
	for _, id := range stale {
		if r.closeLive(id, "expired") {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		r.log.Info("expired idle sessions", "count", len(expired))
	}
	return expired
}

// Stats summarizes one session.
type Stats struct {
	SessionID        string    `json:"session_id"`
	CharacterID      string    `json:"character_id"`
	CharacterName    string    `json:"character_name"`
	Participants     []string  `json:"participants"`
	StartedAt        time.Time `json:"started_at"`
	LastActivity     time.Time `json:"last_activity"`
	TotalTurns       int       `json:"total_turns"`
	TotalTokens      int       `json:"total_tokens"`
	CompressionCount int       `json:"compression_count"`
	DurationMinutes  float64   `json:"duration_minutes"`
	IsActive         bool      `json:"is_active"`
}

// Stats returns counters for a live or persisted session.
func (r *Registry) Stats(ctx context.Context, sessionID string) (*Stats, error) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		var err error
		if s, err = r.queue.Store().GetSession(ctx, sessionID); err != nil {
			return nil, errors.NewSessionNotFound(sessionID)
		}
	}
	return &Stats{
		SessionID:        s.SessionID,
		CharacterID:      s.CharacterID,
		CharacterName:    s.CharacterName,
		Participants:     s.Participants,
		StartedAt:        s.StartedAt,
		LastActivity:     s.LastActivity,
		TotalTurns:       s.TotalTurns,
		TotalTokens:      s.TotalTokens,
		CompressionCount: s.CompressionCount,
		DurationMinutes:  s.LastActivity.Sub(s.StartedAt).Minutes(),
		IsActive:         ok && s.ClosedAt == nil && !r.expired(s, r.now()),
	}, nil
}

// LiveCount returns the number of live sessions.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) indexLocked(s *convo.Session) {
	for _, u := range s.Participants {
		r.index[indexKey{u, s.CharacterID}] = s.SessionID
	}
}

func (r *Registry) expired(s *convo.Session, now time.Time) bool {
	return s.LastActivity.Add(r.idleTimeout).Before(now)
}
