// Package bufferzone coordinates two-stage compression per session.
//
// Crossing the start threshold launches a background compaction on a
// snapshot of the turns so far. Turns that keep arriving are collected into a
// buffer zone. Crossing the reset threshold swaps the live window for the
// compacted context plus buffer and recent turns in one step.
//
//	Idle --start threshold--> Compacting --reset threshold--> ReadyForReset --PackageAndReset--> Idle
package bufferzone

import (
	"context"
	"sync"
	"time"

	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/logging"
)

// MethodTwoStage tags contexts produced by PackageAndReset.
const MethodTwoStage = "buffer_zone_two_stage"

// Reset metadata keys.
const (
	MetaResetAtTurn       = "reset_at_turn"
	MetaBufferTurnsCount  = "buffer_turns_count"
	MetaRecentTurnsCount  = "recent_turns_count"
	MetaCompressionMethod = "compression_method"
	MetaResetTimestamp    = "reset_timestamp"
	MetaFallback          = "fallback"
	MetaFallbackReason    = "fallback_reason"
)

// State is a session's position in the compression cycle.
type State int

const (
	Idle State = iota
	Compacting
	ReadyForReset
)

func (s State) String() string {
	switch s {
	case Compacting:
		return "compacting"
	case ReadyForReset:
		return "ready_for_reset"
	default:
		return "idle"
	}
}

// Compressor produces a compressed context for a window of turns.
type Compressor interface {
	Compress(ctx context.Context, session *convo.Session, turns []convo.Turn, facts character.Character) *convo.CompressedContext
}

// Options configures a Coordinator. Zero values get defaults.
type Options struct {
	MaxContextTokens int
	StartThreshold   float64
	ResetThreshold   float64
	RecentTurnsKeep  int
	Timeout          time.Duration
	Clock            func() time.Time
	Log              logging.Logger
	Events           events.Emitter
}

// job is one background compaction. result is written once, before done closes.
type job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	result  *convo.CompressedContext
	started time.Time
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

type compressionState struct {
	state         State
	startedAtTurn int
	buffer        []convo.Turn
	job           *job
}

// Coordinator is safe for concurrent use. Callers serialize calls for the
// same session.
type Coordinator struct {
	compressor     Compressor
	maxTokens      int
	startThreshold float64
	resetThreshold float64
	recentKeep     int
	timeout        time.Duration
	now            func() time.Time
	log            logging.Logger
	events         events.Emitter

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	states map[string]*compressionState
}

// New creates a Coordinator.
func New(compressor Compressor, opts Options) *Coordinator {
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 8000
	}
	if opts.StartThreshold <= 0 {
		opts.StartThreshold = 0.75
	}
	if opts.ResetThreshold <= 0 {
		opts.ResetThreshold = 0.85
	}
	if opts.RecentTurnsKeep <= 0 {
		opts.RecentTurnsKeep = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		compressor:     compressor,
		maxTokens:      opts.MaxContextTokens,
		startThreshold: opts.StartThreshold,
		resetThreshold: opts.ResetThreshold,
		recentKeep:     opts.RecentTurnsKeep,
		timeout:        opts.Timeout,
		now:            func() time.Time { return opts.Clock().UTC() },
		log:            opts.Log,
		events:         opts.Events,
		baseCtx:        ctx,
		cancelBase:     cancel,
		states:         make(map[string]*compressionState),
	}
}

func (c *Coordinator) ratio(turns []convo.Turn) float64 {
	return float64(convo.SumTokens(turns)) / float64(c.maxTokens)
}

// stateLocked returns the session's state, creating an Idle one.
func (c *Coordinator) stateLocked(sessionID string) *compressionState {
	st, ok := c.states[sessionID]
	if !ok {
		st = &compressionState{state: Idle}
		c.states[sessionID] = st
	}
	return st
}

// State reports the session's current state.
func (c *Coordinator) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[sessionID]; ok {
		return st.state
	}
	return Idle
}

// ShouldTriggerCompaction is true when the session is Idle and the window has
// reached the start threshold.
func (c *Coordinator) ShouldTriggerCompaction(sessionID string, turns []convo.Turn) bool {
	c.mu.Lock()
	st, ok := c.states[sessionID]
	idle := !ok || st.state == Idle
	c.mu.Unlock()
	return idle && c.ratio(turns) >= c.startThreshold
}

// StartBackgroundCompaction moves the session to Compacting and compresses
// snapshot on a separate goroutine. A second call while a compaction is
// pending is ignored.
func (c *Coordinator) StartBackgroundCompaction(session *convo.Session, snapshot []convo.Turn, facts character.Character) {
	sessionID := session.SessionID
	log := logging.With(c.log, "session_id", sessionID)

	c.mu.Lock()
	st := c.stateLocked(sessionID)
	if st.state != Idle {
		c.mu.Unlock()
		log.Warn("compaction already in progress, ignoring start", "state", st.state.String())
		return
	}
	if err := c.baseCtx.Err(); err != nil {
		c.mu.Unlock()
		log.Warn("coordinator closed, not starting compaction")
		return
	}

	turns := make([]convo.Turn, len(snapshot))
	for i, t := range snapshot {
		turns[i] = t.Clone()
	}
	startedAt := 0
	if len(turns) > 0 {
		startedAt = turns[len(turns)-1].TurnID
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	j := &job{cancel: cancel, done: make(chan struct{}), started: c.now()}
	st.state = Compacting
	st.startedAtTurn = startedAt
	st.buffer = nil
	st.job = j
	c.wg.Add(1)
	c.mu.Unlock()

	sess := session.Clone()
	log.Info("background compaction started", "turns", len(turns), "started_at_turn", startedAt)
	c.events.Emit(events.New(events.CompactionStarted, sessionID, map[string]any{
		"turns":           len(turns),
		"started_at_turn": startedAt,
		"tokens":          convo.SumTokens(turns),
	}))

	go func() {
		defer c.wg.Done()
		defer close(j.done)
		res := c.compressor.Compress(ctx, sess, turns, facts)
		if ctx.Err() != nil {
			log.Debug("background compaction cancelled")
			return
		}
		j.result = res
		elapsed := c.now().Sub(j.started)
		log.Info("background compaction completed", "duration_ms", elapsed.Milliseconds())
		c.events.Emit(events.New(events.CompactionCompleted, sessionID, map[string]any{
			"turns":       len(turns),
			"duration_ms": elapsed.Milliseconds(),
		}))
	}()
}

// CollectBufferTurn appends turn to the buffer zone while compacting, if it
// arrived after the compaction snapshot.
func (c *Coordinator) CollectBufferTurn(sessionID string, turn convo.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok || st.state != Compacting || turn.TurnID <= st.startedAtTurn {
		return
	}
	st.buffer = append(st.buffer, turn.Clone())
}

// ShouldResetContext is true when the window has reached the reset
// threshold, in any state.
func (c *Coordinator) ShouldResetContext(sessionID string, turns []convo.Turn) bool {
	return c.ratio(turns) >= c.resetThreshold
}

// MarkReadyForReset records that the next swap is due.
func (c *Coordinator) MarkReadyForReset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateLocked(sessionID).state = ReadyForReset
}

// PackageAndReset waits (bounded) for the background compaction, combines it
// with the buffer zone and the last recent turns of currentTurns, and returns
// the session to Idle. A compaction that does not finish in time yields an
// empty context flagged as fallback.
func (c *Coordinator) PackageAndReset(ctx context.Context, sessionID string, currentTurns []convo.Turn) *convo.CompressedContext {
	log := logging.With(c.log, "session_id", sessionID)

	c.mu.Lock()
	st := c.stateLocked(sessionID)
	j := st.job
	buffer := st.buffer
	c.mu.Unlock()

	var result *convo.CompressedContext
	reason := ""
	if j == nil {
		reason = "no_compaction"
	} else {
		timer := time.NewTimer(c.timeout)
		select {
		case <-j.done:
			result = j.result
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		if result == nil {
			reason = "compaction_timeout"
			log.Warn("compaction did not finish in time, resetting with minimal context",
				"error", errors.NewCompactionTimeout(sessionID, c.timeout.Seconds()))
			c.events.Emit(events.New(events.CompactionTimeout, sessionID, map[string]any{
				"timeout_seconds": c.timeout.Seconds(),
			}))
		}
	}

	var cc *convo.CompressedContext
	if result != nil {
		cc = result.Clone()
	} else {
		cc = convo.NewCompressedContext()
		cc.CompressionMetadata[MetaFallback] = true
		cc.CompressionMetadata[MetaFallbackReason] = reason
	}

	cc.BufferTurns = make([]convo.Turn, len(buffer))
	copy(cc.BufferTurns, buffer)
	cc.RecentTurns = convo.LastN(currentTurns, c.recentKeep)

	resetAt := 0
	if len(currentTurns) > 0 {
		resetAt = currentTurns[len(currentTurns)-1].TurnID
	}
	now := c.now()
	cc.CompressionMetadata[MetaResetAtTurn] = resetAt
	cc.CompressionMetadata[MetaBufferTurnsCount] = len(cc.BufferTurns)
	cc.CompressionMetadata[MetaRecentTurnsCount] = len(cc.RecentTurns)
	cc.CompressionMetadata[MetaCompressionMethod] = MethodTwoStage
	cc.CompressionMetadata[MetaResetTimestamp] = now.Format(time.RFC3339)

	c.mu.Lock()
	if cur, ok := c.states[sessionID]; ok && cur == st {
		delete(c.states, sessionID)
	}
	c.mu.Unlock()
	if j != nil {
		j.cancel()
	}

	log.Info("context reset", "reset_at_turn", resetAt, "buffer_turns", len(cc.BufferTurns),
		"recent_turns", len(cc.RecentTurns), "fallback", result == nil)
	c.events.Emit(events.New(events.ContextReset, sessionID, map[string]any{
		"reset_at_turn": resetAt,
		"buffer_turns":  len(cc.BufferTurns),
		"recent_turns":  len(cc.RecentTurns),
		"fallback":      result == nil,
	}))
	return cc
}

// CleanupSession cancels any in-flight compaction and forgets the session.
func (c *Coordinator) CleanupSession(sessionID string) {
	c.mu.Lock()
	st, ok := c.states[sessionID]
	delete(c.states, sessionID)
	c.mu.Unlock()
	if ok && st.job != nil {
		st.job.cancel()
	}
}

// Tracked reports whether the coordinator holds any state for sessionID.
func (c *Coordinator) Tracked(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[sessionID]
	return ok
}

// Status describes a session's compression progress.
type Status struct {
	CurrentTokens       int     `json:"current_tokens"`
	MaxTokens           int     `json:"max_tokens"`
	TokenPercentage     float64 `json:"token_percentage"`
	State               string  `json:"state"`
	CompactionTriggered bool    `json:"compaction_triggered"`
	CompactionComplete  bool    `json:"compaction_complete"`
	BufferTurns         int     `json:"buffer_turns"`
	StartedAtTurn       int     `json:"started_at_turn"`
	ReadyForReset       bool    `json:"ready_for_reset"`
}

// Status reports progress for turns, the session's live window.
func (c *Coordinator) Status(sessionID string, turns []convo.Turn) Status {
	tokens := convo.SumTokens(turns)
	s := Status{
		CurrentTokens:   tokens,
		MaxTokens:       c.maxTokens,
		TokenPercentage: float64(tokens) / float64(c.maxTokens) * 100,
		State:           Idle.String(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		return s
	}
	s.State = st.state.String()
	s.CompactionTriggered = st.job != nil
	s.CompactionComplete = st.job != nil && st.job.finished()
	s.BufferTurns = len(st.buffer)
	s.StartedAtTurn = st.startedAtTurn
	s.ReadyForReset = st.state == ReadyForReset
	return s
}

// Close cancels every in-flight compaction and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancelBase()
	c.mu.Lock()
	c.states = make(map[string]*compressionState)
	c.mu.Unlock()
	c.wg.Wait()
}
