// Package memory is the caller-facing façade over sessions, turn ingestion,
// threshold-driven compression and context assembly.
//
// Calls for the same session are serialized; calls for different sessions
// proceed in parallel. Only caller-input errors (SESSION_NOT_FOUND,
// INVALID_TURN_DATA, INVALID_REQUEST) are returned; collaborator failures
// degrade the memory context instead.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/mneme/internal/bufferzone"
	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/compress"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/logging"
	"github.com/hpungsan/mneme/internal/persist"
	"github.com/hpungsan/mneme/internal/registry"
)

// Deps are the collaborators a Manager drives. Bus and Sweeper are optional
// and only take part in Start/Close.
type Deps struct {
	Registry    *registry.Registry
	Engine      *compress.Engine
	Coordinator *bufferzone.Coordinator
	Queue       *persist.Queue
	Characters  *character.Catalog
	Bus         *events.Bus
	Sweeper     *registry.Sweeper
}

// Options configures a Manager. Zero values get defaults.
type Options struct {
	RecentTurnsKeep int
	Estimator       convo.TokenEstimator
	Clock           func() time.Time
	Log             logging.Logger
}

// sessionCache is the live window of one session. mu serializes every
// operation on the session.
type sessionCache struct {
	mu         sync.Mutex
	loaded     bool
	turns      []convo.Turn
	context    *convo.CompressedContext
	nextTurnID int
}

// Manager implements the memory API.
type Manager struct {
	registry   *registry.Registry
	engine     *compress.Engine
	coord      *bufferzone.Coordinator
	queue      *persist.Queue
	characters *character.Catalog
	bus        *events.Bus
	sweeper    *registry.Sweeper

	recentKeep int
	estimator  convo.TokenEstimator
	now        func() time.Time
	log        logging.Logger

	mu     sync.Mutex
	caches map[string]*sessionCache
}

// New assembles a Manager from already constructed collaborators.
func New(deps Deps, opts Options) *Manager {
	if opts.RecentTurnsKeep <= 0 {
		opts.RecentTurnsKeep = 10
	}
	if opts.Estimator == nil {
		opts.Estimator = convo.CharEstimator
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if deps.Characters == nil {
		deps.Characters = character.Empty()
	}
	return &Manager{
		registry:   deps.Registry,
		engine:     deps.Engine,
		coord:      deps.Coordinator,
		queue:      deps.Queue,
		characters: deps.Characters,
		bus:        deps.Bus,
		sweeper:    deps.Sweeper,
		recentKeep: opts.RecentTurnsKeep,
		estimator:  opts.Estimator,
		now:        func() time.Time { return opts.Clock().UTC() },
		log:        opts.Log,
		caches:     make(map[string]*sessionCache),
	}
}

// Start launches the persist queue, event bus and expiry sweeper.
func (m *Manager) Start(ctx context.Context) {
	m.queue.Start(ctx)
	if m.bus != nil {
		m.bus.Start(ctx)
	}
	if m.sweeper != nil {
		m.sweeper.Start(ctx)
	}
}

// Close stops background work in reverse start order, cancelling in-flight
// compactions and draining pending writes and events.
func (m *Manager) Close() {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	m.coord.Close()
	m.queue.Close()
	if m.bus != nil {
		m.bus.Close()
	}
}

// Characters returns the character catalog.
func (m *Manager) Characters() *character.Catalog { return m.characters }

// Store returns the durable store behind the write queue.
func (m *Manager) Store() persist.Store { return m.queue.Store() }

// StartSession creates a session with empty turn and context caches. An
// empty characterName is filled from the catalog.
func (m *Manager) StartSession(ctx context.Context, characterID, characterName, userID string, metadata convo.Metadata) (*convo.Session, error) {
	characterID = strings.TrimSpace(characterID)
	userID = strings.TrimSpace(userID)
	if characterID == "" {
		return nil, errors.NewInvalidRequest("character_id is required")
	}
	if userID == "" {
		return nil, errors.NewInvalidRequest("user_id is required")
	}
	if characterName == "" {
		characterName = m.characters.Resolve(characterID).Name
	}

	s := m.registry.CreateSession(characterID, characterName, userID, metadata)
	m.mu.Lock()
	m.caches[s.SessionID] = &sessionCache{loaded: true, nextTurnID: 1}
	m.mu.Unlock()
	return s, nil
}

// GetOrCreateSession reuses the open session for (userID, characterID) or
// starts one. A session found only in persistence gets its recent turns
// rehydrated.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, characterID, characterName string) (*convo.Session, error) {
	characterID = strings.TrimSpace(characterID)
	userID = strings.TrimSpace(userID)
	if characterID == "" || userID == "" {
		return nil, errors.NewInvalidRequest("user_id and character_id are required")
	}
	if characterName == "" {
		characterName = m.characters.Resolve(characterID).Name
	}

	s, origin := m.registry.GetOrCreateSession(ctx, userID, characterID, characterName)
	if origin == registry.OriginCreated {
		m.mu.Lock()
		// a concurrent caller handed the same session may have loaded it already
		if _, ok := m.caches[s.SessionID]; !ok {
			m.caches[s.SessionID] = &sessionCache{loaded: true, nextTurnID: 1}
		}
		m.mu.Unlock()
		return s, nil
	}

	c := m.lockCache(ctx, s.SessionID)
	c.mu.Unlock()
	return s, nil
}

// lockCache returns the session's cache locked, loading it from persistence
// on first use.
func (m *Manager) lockCache(ctx context.Context, sessionID string) *sessionCache {
	m.mu.Lock()
	c, ok := m.caches[sessionID]
	if !ok {
		c = &sessionCache{}
		m.caches[sessionID] = c
	}
	m.mu.Unlock()

	c.mu.Lock()
	if !c.loaded {
		m.rehydrate(ctx, sessionID, c)
	}
	return c
}

func (m *Manager) rehydrate(ctx context.Context, sessionID string, c *sessionCache) {
	c.loaded = true
	c.nextTurnID = 1
	c.turns = nil
	if err := m.queue.Flush(ctx); err != nil {
		m.log.Warn("flush before rehydrate failed", "session_id", sessionID, "error", err)
	}
	store := m.queue.Store()
	maxID, err := store.MaxTurnID(ctx, sessionID)
	if err != nil {
		m.log.Error("rehydrate turn counter failed", "session_id", sessionID, "error", err)
		return
	}
	c.nextTurnID = maxID + 1
	turns, err := store.LoadTurns(ctx, sessionID, m.recentKeep)
	if err != nil {
		m.log.Error("rehydrate turns failed", "session_id", sessionID, "error", err)
		return
	}
	c.turns = turns
	m.log.Debug("session rehydrated", "session_id", sessionID, "turns", len(turns), "next_turn_id", c.nextTurnID)
}

// session looks up a usable session. When it is gone (closed or expired)
// any state left for it is released.
func (m *Manager) session(ctx context.Context, sessionID string) (*convo.Session, error) {
	s, err := m.registry.GetSession(ctx, sessionID)
	if err != nil {
		m.coord.CleanupSession(sessionID)
		m.dropCache(sessionID)
		return nil, err
	}
	return s, nil
}

// lockLive is lockCache for a session that must still be live once its lock
// is held. A session closed in between is reported as SESSION_NOT_FOUND and
// anything recreated for it is released.
func (m *Manager) lockLive(ctx context.Context, sessionID string) (*sessionCache, error) {
	c := m.lockCache(ctx, sessionID)
	if _, ok := m.registry.Lookup(sessionID); !ok {
		c.mu.Unlock()
		m.coord.CleanupSession(sessionID)
		m.dropCache(sessionID)
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return c, nil
}

func (m *Manager) dropCache(sessionID string) {
	m.mu.Lock()
	delete(m.caches, sessionID)
	m.mu.Unlock()
}

// facts returns the catalog entry for the session's character, falling back
// to the name stored on the session.
func (m *Manager) facts(s *convo.Session) character.Character {
	if ch, ok := m.characters.Get(s.CharacterID); ok {
		return ch
	}
	return character.Character{ID: s.CharacterID, Name: s.CharacterName}
}

// AddTurn appends a turn, persists it, updates session counters and runs the
// compression protocol: maybe start compaction, collect into the buffer
// zone, maybe reset the context.
func (m *Manager) AddTurn(ctx context.Context, sessionID, speakerID, speakerType, message string, metadata convo.Metadata) (convo.Turn, error) {
	st, err := convo.ParseSpeakerType(speakerType)
	if err != nil {
		return convo.Turn{}, err
	}
	if strings.TrimSpace(speakerID) == "" {
		return convo.Turn{}, errors.NewInvalidTurnData("speaker_id", "must not be empty")
	}
	if strings.TrimSpace(message) == "" {
		return convo.Turn{}, errors.NewInvalidTurnData("message", "must not be empty")
	}

	sess, err := m.session(ctx, sessionID)
	if err != nil {
		return convo.Turn{}, err
	}

	c, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return convo.Turn{}, err
	}
	defer c.mu.Unlock()

	turn := convo.NewTurn(sessionID, c.nextTurnID, speakerID, st, message, metadata, m.estimator.Estimate(message), m.now())
	c.nextTurnID++
	c.turns = append(c.turns, turn)
	m.queue.AppendTurn(turn)

	if updated, err := m.registry.UpdateActivity(sessionID, 1, turn.TokenCount); err == nil {
		sess = updated
	}

	if m.coord.ShouldTriggerCompaction(sessionID, c.turns) {
		m.coord.StartBackgroundCompaction(sess, c.turns, m.facts(sess))
	}
	m.coord.CollectBufferTurn(sessionID, turn)
	if m.coord.ShouldResetContext(sessionID, c.turns) {
		m.coord.MarkReadyForReset(sessionID)
		m.resetLocked(ctx, sessionID, c)
	}

	return turn.Clone(), nil
}

// resetLocked swaps the live window for the packaged context. c.mu is held.
func (m *Manager) resetLocked(ctx context.Context, sessionID string, c *sessionCache) {
	cc := m.coord.PackageAndReset(ctx, sessionID, c.turns)
	c.context = cc
	c.turns = convo.LastN(c.turns, m.recentKeep)
	applyImportance(c.turns, cc.PreservedTurns)
	if _, err := m.registry.RecordCompression(sessionID); err != nil {
		m.log.Warn("record compression failed", "session_id", sessionID, "error", err)
	}
}

// applyImportance copies scores from preserved turns onto matching live turns.
func applyImportance(turns, preserved []convo.Turn) {
	scores := make(map[int]float64, len(preserved))
	for _, p := range preserved {
		if p.ImportanceScore > 0 {
			scores[p.TurnID] = p.ImportanceScore
		}
	}
	for i := range turns {
		if s, ok := scores[turns[i].TurnID]; ok {
			turns[i].ImportanceScore = s
		}
	}
}

// GetContext returns the session's compressed context with RecentTurns
// refreshed from the live window. It is never nil for an existing session.
func (m *Manager) GetContext(ctx context.Context, sessionID string) (*convo.CompressedContext, error) {
	if _, err := m.session(ctx, sessionID); err != nil {
		return nil, err
	}
	c, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if m.coord.State(sessionID) == bufferzone.ReadyForReset {
		m.resetLocked(ctx, sessionID, c)
	}
	if c.context == nil {
		c.context = convo.NewCompressedContext()
	}
	c.context.RecentTurns = convo.LastN(c.turns, m.recentKeep)
	return c.context.Clone(), nil
}

// ForceCompress compresses the whole live window now, bypassing thresholds.
// Any background compaction in flight is cancelled.
func (m *Manager) ForceCompress(ctx context.Context, sessionID string) (*convo.CompressedContext, error) {
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if len(c.turns) == 0 {
		if c.context == nil {
			c.context = convo.NewCompressedContext()
		}
		return c.context.Clone(), nil
	}

	m.coord.CleanupSession(sessionID)
	cc := m.engine.Compress(ctx, sess, c.turns, m.facts(sess))
	cc.CompressionMetadata[compress.MetaCompressionMethod] = "forced"
	c.context = cc
	c.turns = convo.LastN(c.turns, m.recentKeep)
	applyImportance(c.turns, cc.PreservedTurns)
	if _, err := m.registry.RecordCompression(sessionID); err != nil {
		m.log.Warn("record compression failed", "session_id", sessionID, "error", err)
	}
	return cc.Clone(), nil
}

// SearchMemories finds turns whose message contains query, most important
// first, then most recent. Pending writes are flushed first.
func (m *Manager) SearchMemories(ctx context.Context, query, sessionID string, limit int) ([]convo.Turn, error) {
	if err := m.queue.Flush(ctx); err != nil {
		return nil, errors.NewInternal(err)
	}
	turns, err := m.queue.Store().QueryTurns(ctx, persist.TurnQuery{
		SessionID: sessionID,
		Text:      query,
		Limit:     limit,
	})
	if err != nil {
		m.log.Error("search failed", "error", err)
		return []convo.Turn{}, nil
	}
	return turns, nil
}

// GetSessionHistory returns up to limit of the latest turns in turn order
// (all when limit <= 0). The live window serves the request when it holds
// enough turns; persistence serves the rest.
func (m *Manager) GetSessionHistory(ctx context.Context, sessionID string, limit int) ([]convo.Turn, error) {
	m.mu.Lock()
	c, ok := m.caches[sessionID]
	m.mu.Unlock()

	if ok {
		c.mu.Lock()
		complete := c.loaded && len(c.turns) == c.nextTurnID-1
		if c.loaded && ((limit > 0 && limit <= len(c.turns)) || complete) {
			n := len(c.turns)
			if limit > 0 && limit < n {
				n = limit
			}
			out := convo.LastN(c.turns, n)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()
	}

	if err := m.queue.Flush(ctx); err != nil {
		return nil, errors.NewInternal(err)
	}
	store := m.queue.Store()
	if _, ok := m.registry.Lookup(sessionID); !ok {
		if _, err := store.GetSession(ctx, sessionID); err != nil {
			return nil, errors.NewSessionNotFound(sessionID)
		}
	}
	turns, err := store.LoadTurns(ctx, sessionID, limit)
	if err != nil {
		m.log.Error("load history failed", "session_id", sessionID, "error", err)
		return []convo.Turn{}, nil
	}
	return turns, nil
}

// CloseSession closes the session, cancels compaction and drops caches.
// Closing twice is fine.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, ok := m.caches[sessionID]
	m.mu.Unlock()
	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
	}

	m.registry.CloseSession(ctx, sessionID)
	m.coord.CleanupSession(sessionID)
	m.dropCache(sessionID)
	return nil
}

// AddParticipant adds a user to a session.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, userID string) (*convo.Session, error) {
	if _, err := m.session(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.registry.AddParticipant(sessionID, strings.TrimSpace(userID))
}

// ExpireIdleSessions closes idle sessions and releases their state.
func (m *Manager) ExpireIdleSessions() []string {
	expired := m.registry.ExpireIdleSessions()
	for _, id := range expired {
		m.coord.CleanupSession(id)
		m.dropCache(id)
	}
	return expired
}

// CompressionState reports where a session is in the compression cycle.
func (m *Manager) CompressionState(sessionID string) bufferzone.State {
	return m.coord.State(sessionID)
}

// LookupSession returns a snapshot of a live session without loading it.
func (m *Manager) LookupSession(sessionID string) (*convo.Session, bool) {
	return m.registry.Lookup(sessionID)
}

// PeekContext returns a copy of the context held in memory for a live
// session without touching the registry, persistence or the compression
// cycle. ok is false when nothing is cached.
func (m *Manager) PeekContext(sessionID string) (cc *convo.CompressedContext, ok bool) {
	m.mu.Lock()
	c, found := m.caches[sessionID]
	m.mu.Unlock()
	if !found {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return nil, false
	}
	if c.context == nil {
		cc = convo.NewCompressedContext()
	} else {
		cc = c.context.Clone()
	}
	cc.RecentTurns = convo.LastN(c.turns, m.recentKeep)
	return cc, true
}

// LiveTurnCount returns the size of the session's live window.
func (m *Manager) LiveTurnCount(sessionID string) int {
	m.mu.Lock()
	c, ok := m.caches[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
