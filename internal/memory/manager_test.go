package memory

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/mneme/internal/bufferzone"
	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/compress"
	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/persist"
	"github.com/hpungsan/mneme/internal/registry"
	"github.com/hpungsan/mneme/internal/summarize"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m     *Manager
	store *persist.MemStore
	rec   *events.Recorder
	clock *fakeClock
}

// newHarness wires a manager over an in-memory store. The persist queue is
// left stopped, so writes land synchronously.
func newHarness(t *testing.T, s summarize.Summarizer, timeout time.Duration) *harness {
	t.Helper()
	store := persist.NewMemStore()
	return newHarnessOn(t, store, s, timeout)
}

// newHarnessOn wires a manager over store. h.store is set only when store is
// a *persist.MemStore.
func newHarnessOn(t *testing.T, store persist.Store, s summarize.Summarizer, timeout time.Duration) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	queue := persist.NewQueue(store, 64, nil)
	cfg := config.DefaultConfig()

	reg := registry.New(queue, registry.Options{
		IdleTimeout: time.Hour,
		Clock:       clock.Now,
		Events:      rec,
	})
	engine := compress.New(s, queue, compress.Options{
		RecentTurnsKeep: cfg.RecentTurnsKeep,
		Timeout:         timeout,
		Clock:           clock.Now,
		Events:          rec,
	})
	coord := bufferzone.New(engine, bufferzone.Options{
		MaxContextTokens: cfg.MaxContextTokens,
		StartThreshold:   cfg.CompressionStartThreshold,
		ResetThreshold:   cfg.ContextResetThreshold,
		RecentTurnsKeep:  cfg.RecentTurnsKeep,
		Timeout:          timeout,
		Clock:            clock.Now,
		Events:           rec,
	})
	catalog, err := character.Parse([]byte(`
characters:
  - id: miku
    name: Hatsune Miku
    personality: cheerful and curious
`))
	require.NoError(t, err)

	m := New(Deps{
		Registry:    reg,
		Engine:      engine,
		Coordinator: coord,
		Queue:       queue,
		Characters:  catalog,
	}, Options{RecentTurnsKeep: cfg.RecentTurnsKeep, Clock: clock.Now})
	t.Cleanup(m.Close)
	ms, _ := store.(*persist.MemStore)
	return &harness{m: m, store: ms, rec: rec, clock: clock}
}

func keyMoments(ids ...int) summarize.Func {
	return func(_ context.Context, req summarize.Request) (*summarize.Result, error) {
		res := summarize.Fallback(len(req.Turns))
		res.Summary = fmt.Sprintf("%d turns with %s", len(req.Turns), req.CharacterName)
		for i, id := range ids {
			res.KeyMoments = append(res.KeyMoments, summarize.KeyMoment{
				TurnID:     id,
				Importance: 0.9 - float64(i)*0.1,
				Reason:     "moment",
			})
		}
		return res, nil
	}
}

func failing(_ context.Context, _ summarize.Request) (*summarize.Result, error) {
	return nil, stderrors.New("provider unavailable")
}

// 800 characters estimate to 200 tokens.
var longMessage = strings.Repeat("a", 800)

func addTurns(t *testing.T, h *harness, sessionID string, n int, msg string) []convo.Turn {
	t.Helper()
	out := make([]convo.Turn, 0, n)
	for i := 0; i < n; i++ {
		speaker, typ := "u1", "user"
		if i%2 == 1 {
			speaker, typ = "miku", "assistant"
		}
		turn, err := h.m.AddTurn(context.Background(), sessionID, speaker, typ, msg, nil)
		require.NoError(t, err)
		out = append(out, turn)
	}
	return out
}

func TestStartSession(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()

	s, err := h.m.StartSession(ctx, "miku", "", "u1", convo.Metadata{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, "Hatsune Miku", s.CharacterName)
	assert.Equal(t, []string{"u1"}, s.Participants)

	cc, err := h.m.GetContext(ctx, s.SessionID)
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Empty(t, cc.RecentTurns)

	_, err = h.m.StartSession(ctx, "", "", "u1", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestAddTurn_AssignsMonotonicIDs(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	s, err := h.m.StartSession(context.Background(), "miku", "", "u1", nil)
	require.NoError(t, err)

	turns := addTurns(t, h, s.SessionID, 5, "hello there")
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.TurnID)
		assert.Equal(t, 2, turn.TokenCount)
	}
	assert.Equal(t, convo.SpeakerAssistant, turns[1].SpeakerType)

	stored, err := h.store.LoadTurns(context.Background(), s.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}

func TestAddTurn_Validation(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)

	_, err = h.m.AddTurn(ctx, s.SessionID, "u1", "user", "   ", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidTurnData))
	_, err = h.m.AddTurn(ctx, s.SessionID, "", "user", "hi", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidTurnData))
	_, err = h.m.AddTurn(ctx, s.SessionID, "u1", "narrator", "hi", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidTurnData))

	_, err = h.m.AddTurn(ctx, "missing", "u1", "user", "hi", nil)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
	assert.Equal(t, 0, h.m.LiveTurnCount(s.SessionID))
}

func TestAddTurn_TwoStageCompression(t *testing.T) {
	h := newHarness(t, keyMoments(3, 12), 5*time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)

	addTurns(t, h, s.SessionID, 29, longMessage)
	assert.Equal(t, bufferzone.Idle, h.m.CompressionState(s.SessionID))

	// 30 * 200 = 6000 tokens, 75% of 8000
	addTurns(t, h, s.SessionID, 1, longMessage)
	assert.NotEqual(t, bufferzone.Idle, h.m.CompressionState(s.SessionID))
	assert.Equal(t, 1, h.rec.Count(events.CompactionStarted))

	addTurns(t, h, s.SessionID, 3, longMessage)
	assert.Equal(t, 33, h.m.LiveTurnCount(s.SessionID))

	// 34 * 200 = 6800 tokens, 85% of 8000
	addTurns(t, h, s.SessionID, 1, longMessage)
	assert.Equal(t, 10, h.m.LiveTurnCount(s.SessionID))
	assert.Equal(t, bufferzone.Idle, h.m.CompressionState(s.SessionID))

	cc, err := h.m.GetContext(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "30 turns with Hatsune Miku", cc.SessionSummary)
	assert.Equal(t, bufferzone.MethodTwoStage, cc.CompressionMetadata[bufferzone.MetaCompressionMethod])
	assert.Equal(t, 34, cc.CompressionMetadata[bufferzone.MetaResetAtTurn])
	assert.Equal(t, 30, cc.CompressionMetadata[compress.MetaCompressedAtTurn])

	require.Len(t, cc.BufferTurns, 4)
	assert.Equal(t, 31, cc.BufferTurns[0].TurnID)
	require.Len(t, cc.RecentTurns, 10)
	assert.Equal(t, 25, cc.RecentTurns[0].TurnID)
	assert.Equal(t, []int{3, 12}, cc.PreservedTurnIDs())
	assert.Contains(t, cc.CharacterReminder, "You are Hatsune Miku.")

	stats, err := h.m.registry.Stats(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompressionCount)
	assert.Equal(t, 34, stats.TotalTurns)
	assert.Equal(t, 1, h.rec.Count(events.ContextReset))

	// numbering continues after the reset
	next := addTurns(t, h, s.SessionID, 1, "short")
	assert.Equal(t, 35, next[0].TurnID)
}

func TestForceCompress_PreservesKeyMoments(t *testing.T) {
	h := newHarness(t, keyMoments(2, 4), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 5, "I love strawberries and rainy days")

	cc, err := h.m.ForceCompress(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, cc.PreservedTurns, 2)
	assert.Equal(t, 2, cc.PreservedTurns[0].TurnID)
	assert.InDelta(t, 0.9, cc.PreservedTurns[0].ImportanceScore, 1e-9)
	assert.Equal(t, "forced", cc.CompressionMetadata[compress.MetaCompressionMethod])
	assert.Equal(t, false, cc.CompressionMetadata[compress.MetaFallback])

	evs, err := h.store.ListCompressionEvents(ctx, s.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, []int{2, 4}, evs[0].PreservedTurnIDs)

	// scores reach persisted turns and the live window
	found, err := h.m.SearchMemories(ctx, "strawberries", s.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, 2, found[0].TurnID)
	assert.Equal(t, 4, found[1].TurnID)
}

func TestForceCompress_SummarizerFailure(t *testing.T) {
	h := newHarness(t, summarize.Func(failing), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 5, "hello")

	cc, err := h.m.ForceCompress(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Conversation with 5 exchanges", cc.SessionSummary)
	assert.Equal(t, "neutral throughout", cc.EmotionalJourney)
	assert.Equal(t, true, cc.CompressionMetadata[compress.MetaFallback])
	assert.Empty(t, cc.PreservedTurns)
}

func TestForceCompress_SummarizerHangs(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	hang := summarize.Func(func(context.Context, summarize.Request) (*summarize.Result, error) {
		<-block
		return nil, stderrors.New("unreachable")
	})
	h := newHarness(t, hang, 200*time.Millisecond)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 5, "hello")

	done := make(chan *convo.CompressedContext, 1)
	go func() {
		cc, _ := h.m.ForceCompress(ctx, s.SessionID)
		done <- cc
	}()
	var cc *convo.CompressedContext
	select {
	case cc = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ForceCompress blocked on the summarizer")
	}
	require.NotNil(t, cc)
	assert.Equal(t, true, cc.CompressionMetadata[compress.MetaFallback])
	assert.Equal(t, "Conversation with 5 exchanges", cc.SessionSummary)

	// the session lock was released
	turn, err := h.m.AddTurn(ctx, s.SessionID, "u1", "user", "still here", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, turn.TurnID)
}

func TestForceCompress_EmptySession(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)

	cc, err := h.m.ForceCompress(ctx, s.SessionID)
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Empty(t, cc.SessionSummary)

	_, err = h.m.ForceCompress(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestCloseSession_DuringCompaction(t *testing.T) {
	release := make(chan struct{})
	slow := summarize.Func(func(ctx context.Context, req summarize.Request) (*summarize.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return summarize.Fallback(len(req.Turns)), nil
	})
	h := newHarness(t, slow, 5*time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)

	addTurns(t, h, s.SessionID, 30, longMessage)
	require.Equal(t, bufferzone.Compacting, h.m.CompressionState(s.SessionID))

	require.NoError(t, h.m.CloseSession(ctx, s.SessionID))
	require.NoError(t, h.m.CloseSession(ctx, s.SessionID))
	close(release)

	assert.Equal(t, bufferzone.Idle, h.m.CompressionState(s.SessionID))
	assert.False(t, h.m.coord.Tracked(s.SessionID))
	assert.Equal(t, 0, h.m.LiveTurnCount(s.SessionID))

	_, err = h.m.AddTurn(ctx, s.SessionID, "u1", "user", "still there?", nil)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
	_, err = h.m.GetContext(ctx, s.SessionID)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))

	evs, err := h.store.ListCompressionEvents(ctx, s.SessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

// hookStore runs onMaxTurnID once, before the first turn counter lookup.
type hookStore struct {
	*persist.MemStore
	onMaxTurnID func()
}

func (s *hookStore) MaxTurnID(ctx context.Context, sessionID string) (int, error) {
	if f := s.onMaxTurnID; f != nil {
		s.onMaxTurnID = nil
		f()
	}
	return s.MemStore.MaxTurnID(ctx, sessionID)
}

func TestAddTurn_SessionClosedWhileLoading(t *testing.T) {
	store := &hookStore{MemStore: persist.NewMemStore()}
	h := newHarnessOn(t, store, keyMoments(), time.Second)
	ctx := context.Background()

	// live in the registry but not yet cached by the manager
	s := h.m.registry.CreateSession("miku", "Hatsune Miku", "u1", nil)
	store.onMaxTurnID = func() { h.m.registry.CloseSession(ctx, s.SessionID) }

	_, err := h.m.AddTurn(ctx, s.SessionID, "u1", "user", longMessage, nil)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
	assert.False(t, h.m.coord.Tracked(s.SessionID))
	assert.Equal(t, 0, h.m.LiveTurnCount(s.SessionID))
	_, cached := h.m.PeekContext(s.SessionID)
	assert.False(t, cached)

	turns, err := store.LoadTurns(ctx, s.SessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestGetContext_ReturnsCopy(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 12, "hi")

	cc, err := h.m.GetContext(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, cc.RecentTurns, 10)
	assert.Equal(t, 3, cc.RecentTurns[0].TurnID)

	cc.RecentTurns[0].Message = "changed"
	again, err := h.m.GetContext(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "hi", again.RecentTurns[0].Message)
}

func TestPeekContext_NoSideEffects(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 12, "hi")

	before, ok := h.m.LookupSession(s.SessionID)
	require.True(t, ok)
	h.clock.Advance(10 * time.Minute)

	cc, ok := h.m.PeekContext(s.SessionID)
	require.True(t, ok)
	require.Len(t, cc.RecentTurns, 10)
	assert.Equal(t, 3, cc.RecentTurns[0].TurnID)

	after, ok := h.m.LookupSession(s.SessionID)
	require.True(t, ok)
	assert.Equal(t, before.LastActivity, after.LastActivity)

	_, ok = h.m.PeekContext("missing")
	assert.False(t, ok)
	_, ok = h.m.LookupSession("missing")
	assert.False(t, ok)
}

func TestGetOrCreateSession_RehydratesFromStore(t *testing.T) {
	store := persist.NewMemStore()
	first := newHarnessOn(t, store, keyMoments(), time.Second)
	ctx := context.Background()

	s, err := first.m.GetOrCreateSession(ctx, "u1", "miku", "")
	require.NoError(t, err)
	addTurns(t, first, s.SessionID, 12, "remember me")
	first.m.Close()

	second := newHarnessOn(t, store, keyMoments(), time.Second)
	again, err := second.m.GetOrCreateSession(ctx, "u1", "miku", "")
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, again.SessionID)
	assert.Equal(t, 10, second.m.LiveTurnCount(s.SessionID))

	turn, err := second.m.AddTurn(ctx, s.SessionID, "u1", "user", "back again", nil)
	require.NoError(t, err)
	assert.Equal(t, 13, turn.TurnID)
}

func TestSearchAndHistory(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)

	for _, msg := range []string{"I have a cat named Mochi", "nice", "Mochi likes tuna", "cool"} {
		_, err := h.m.AddTurn(ctx, s.SessionID, "u1", "user", msg, nil)
		require.NoError(t, err)
	}

	found, err := h.m.SearchMemories(ctx, "mochi", "", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, 3, found[0].TurnID)

	none, err := h.m.SearchMemories(ctx, "dragons", s.SessionID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	hist, err := h.m.GetSessionHistory(ctx, s.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 3, hist[0].TurnID)
	assert.Equal(t, 4, hist[1].TurnID)

	all, err := h.m.GetSessionHistory(ctx, s.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = h.m.GetSessionHistory(ctx, "missing", 5)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestGetSessionHistory_BeyondLiveWindow(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 15, "hello")

	_, err = h.m.ForceCompress(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, 10, h.m.LiveTurnCount(s.SessionID))

	hist, err := h.m.GetSessionHistory(ctx, s.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 15)
	assert.Equal(t, 1, hist[0].TurnID)
}

func TestExpireIdleSessions(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 2, "hi")

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{s.SessionID}, h.m.ExpireIdleSessions())
	assert.Equal(t, 0, h.m.LiveTurnCount(s.SessionID))

	_, err = h.m.GetContext(ctx, s.SessionID)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestAddParticipant(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)

	updated, err := h.m.AddParticipant(ctx, s.SessionID, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, updated.Participants)

	_, err = h.m.AddParticipant(ctx, s.SessionID, " ")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestGetSessionSummary(t *testing.T) {
	h := newHarness(t, keyMoments(1), time.Second)
	ctx := context.Background()
	s, err := h.m.StartSession(ctx, "miku", "", "u1", nil)
	require.NoError(t, err)
	addTurns(t, h, s.SessionID, 4, "hello there")
	_, err = h.m.ForceCompress(ctx, s.SessionID)
	require.NoError(t, err)

	sum, err := h.m.GetSessionSummary(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Session.TotalTurns)
	assert.Equal(t, 1, sum.Session.CompressionCount)
	assert.True(t, sum.Session.IsActive)
	assert.Equal(t, "4 turns with Hatsune Miku", sum.SessionSummary)
	assert.Equal(t, 1, sum.PreservedTurns)
	assert.Equal(t, 4, sum.RecentTurns)
	assert.Equal(t, "idle", sum.CompressionStatus.State)
	assert.Equal(t, 8, sum.CompressionStatus.CurrentTokens)
}

func TestConcurrentSessions(t *testing.T) {
	h := newHarness(t, keyMoments(), time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		s, err := h.m.StartSession(ctx, "miku", "", fmt.Sprintf("u%d", i), nil)
		require.NoError(t, err)
		ids[i] = s.SessionID
	}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = h.m.AddTurn(ctx, id, "u", "user", "parallel", nil)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		hist, err := h.m.GetSessionHistory(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, hist, 20)
		for j, turn := range hist {
			assert.Equal(t, j+1, turn.TurnID)
		}
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ExpirySweepSchedule = "@every 1h"
	store := persist.NewMemStore()

	m, err := NewFromConfig(cfg, store, summarize.None{}, nil, nil)
	require.NoError(t, err)
	m.Start(context.Background())

	s, err := m.StartSession(context.Background(), "miku", "Miku", "u1", nil)
	require.NoError(t, err)
	_, err = m.AddTurn(context.Background(), s.SessionID, "u1", "user", "hello", nil)
	require.NoError(t, err)
	m.Close()

	// the store sink records lifecycle events once the bus drains
	evs, err := store.ListEvents(context.Background(), persist.EventFilter{SessionID: s.SessionID, Type: events.SessionStarted})
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	turns, err := store.LoadTurns(context.Background(), s.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	cfg.ExpirySweepSchedule = "not a schedule"
	_, err = NewFromConfig(cfg, store, summarize.None{}, nil, nil)
	assert.Error(t, err)
}
