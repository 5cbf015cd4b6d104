// Package compress reduces a window of turns to a CompressedContext: a
// narrative summary, key moments kept verbatim, the most recent turns and a
// character reminder.
package compress

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/logging"
	"github.com/hpungsan/mneme/internal/persist"
	"github.com/hpungsan/mneme/internal/summarize"
)

// Metadata keys written by Compress.
const (
	MetaOriginalTurnCount = "original_turn_count"
	MetaCompressedAtTurn  = "compressed_at_turn"
	MetaCompressionNumber = "compression_number"
	MetaTokensSaved       = "tokens_saved"
	MetaPreservedTurnIDs  = "preserved_turn_ids"
	MetaTimestamp         = "timestamp"
	MetaRelationship      = "relationship_evolution"
	MetaConsistencyScore  = "character_consistency_score"
	MetaSummarizer        = "summarizer"
	MetaFallback          = "fallback"
	MetaFallbackReason    = "fallback_reason"
	MetaCompressionMethod = "compression_method"
)

// Options configures an Engine.
type Options struct {
	RecentTurnsKeep int
	Timeout         time.Duration // bounds one summarizer call
	Clock           func() time.Time
	Log             logging.Logger
	Events          events.Emitter
}

// Engine runs compressions. It holds no per-session state and is safe for
// concurrent use.
type Engine struct {
	summarizer summarize.Summarizer
	queue      *persist.Queue
	recentKeep int
	timeout    time.Duration
	now        func() time.Time
	log        logging.Logger
	events     events.Emitter
}

// New creates an Engine.
func New(s summarize.Summarizer, queue *persist.Queue, opts Options) *Engine {
	if s == nil {
		s = summarize.None{}
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
	return &Engine{
		summarizer: s,
		queue:      queue,
		recentKeep: opts.RecentTurnsKeep,
		timeout:    opts.Timeout,
		now:        func() time.Time { return opts.Clock().UTC() },
		log:        opts.Log,
		events:     opts.Events,
	}
}

// RecentTurnsKeep returns how many trailing turns are kept verbatim.
func (e *Engine) RecentTurnsKeep() int { return e.recentKeep }

// Compress summarizes turns. It never fails: summarizer errors and calls
// running past the timeout fall back to a mechanical summary. When ctx is
// cancelled before the result is ready the context is still returned but
// nothing is persisted or emitted.
func (e *Engine) Compress(ctx context.Context, session *convo.Session, turns []convo.Turn, facts character.Character) *convo.CompressedContext {
	if len(turns) == 0 {
		return convo.NewCompressedContext()
	}
	log := logging.With(e.log, "session_id", session.SessionID)

	res, err := e.summarize(ctx, summarize.Request{
		Turns:         turns,
		CharacterName: nameOr(facts.Name, session.CharacterName),
		Personality:   facts.Personality,
		Profile:       facts.Profile,
		SessionMetadata: convo.Metadata{
			"total_turns":       session.TotalTurns,
			"compression_count": session.CompressionCount,
		},
	})
	fallback := err != nil || res == nil
	fallbackReason := ""
	switch {
	case !fallback:
		res = withinWindow(summarize.Normalize(res, len(turns)), turns)
	case stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		fallbackReason = "summarization_timeout"
		log.Warn("summarization timed out, using fallback",
			"error", errors.NewSummarizationFailed(err), "timeout_seconds", e.timeout.Seconds())
	case err != nil && !stderrors.Is(err, summarize.ErrDisabled):
		fallbackReason = "summarization_failed"
		log.Warn("summarization failed, using fallback", "error", errors.NewSummarizationFailed(err))
	}
	if fallback {
		res = summarize.Fallback(len(turns))
	}

	scores := importance(res.KeyMoments)
	preserved := selectPreserved(turns, res, scores)

	cc := convo.NewCompressedContext()
	cc.CharacterReminder = buildReminder(facts, session, res)
	cc.SessionSummary = res.Summary
	cc.EmotionalJourney = res.EmotionalJourney
	for _, m := range res.KeyMoments {
		cc.KeyTopics = append(cc.KeyTopics, convo.KeyTopic{
			Label:   fmt.Sprintf("%s (Turn %d)", m.Reason, m.TurnID),
			TurnIDs: []int{m.TurnID},
		})
	}
	cc.ImportantFacts = append(cc.ImportantFacts, res.UserRevealedFacts...)
	if len(res.TopicProgression) > 0 {
		cc.ImportantFacts = append(cc.ImportantFacts, "Topics covered: "+strings.Join(res.TopicProgression, ", "))
	}
	cc.PreservedTurns = preserved
	cc.RecentTurns = convo.LastN(turns, e.recentKeep)

	now := e.now()
	lastTurn := turns[len(turns)-1].TurnID
	cc.CompressionMetadata = convo.Metadata{
		MetaOriginalTurnCount: len(turns),
		MetaCompressedAtTurn:  lastTurn,
		MetaCompressionNumber: session.CompressionCount + 1,
		MetaPreservedTurnIDs:  cc.PreservedTurnIDs(),
		MetaTimestamp:         now.Format(time.RFC3339),
		MetaRelationship:      res.RelationshipEvolution,
		MetaConsistencyScore:  res.Consistency.Score,
		MetaSummarizer:        e.summarizer.Name(),
		MetaFallback:          fallback,
	}
	if fallbackReason != "" {
		cc.CompressionMetadata[MetaFallbackReason] = fallbackReason
	}

	// may be negative for short windows
	originalTokens := convo.SumTokens(turns)
	compressedTokens := cc.TokenEstimate()
	tokensSaved := originalTokens - compressedTokens
	cc.CompressionMetadata[MetaTokensSaved] = tokensSaved

	if ctx.Err() != nil {
		log.Debug("compression cancelled, discarding result")
		return cc
	}

	e.queue.AppendCompressionEvent(convo.CompressionEvent{
		SessionID:            session.SessionID,
		CompressedAtTurn:     lastTurn,
		OriginalTokenCount:   originalTokens,
		CompressedTokenCount: compressedTokens,
		PreservedTurnIDs:     cc.PreservedTurnIDs(),
		Summary:              cc.SessionSummary,
		Timestamp:            now,
	})
	e.queue.UpdateTurnImportance(session.SessionID, scoresInWindow(scores, turns))

	log.Info("conversation compressed",
		"original_turns", len(turns), "preserved_turns", len(preserved),
		"tokens_saved", tokensSaved, "fallback", fallback)
	e.events.Emit(events.New(events.CompressionSummary, session.SessionID, map[string]any{
		"original_turns":  len(turns),
		"preserved_turns": len(preserved),
		"recent_turns":    len(cc.RecentTurns),
		"tokens_saved":    tokensSaved,
		"fallback":        fallback,
	}))
	return cc
}

// summarize runs the summarizer under the engine timeout. A backend that
// ignores ctx is abandoned once the deadline passes.
func (e *Engine) summarize(ctx context.Context, req summarize.Request) (*summarize.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res *summarize.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.summarizer.Summarize(ctx, req)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withinWindow drops key moments and notable moments that cite turns outside
// the window.
func withinWindow(res *summarize.Result, turns []convo.Turn) *summarize.Result {
	ids := make(map[int]bool, len(turns))
	for _, t := range turns {
		ids[t.TurnID] = true
	}
	moments := res.KeyMoments[:0]
	for _, m := range res.KeyMoments {
		if ids[m.TurnID] {
			moments = append(moments, m)
		}
	}
	res.KeyMoments = moments
	notable := res.Consistency.NotableTurnIDs[:0]
	for _, id := range res.Consistency.NotableTurnIDs {
		if ids[id] {
			notable = append(notable, id)
		}
	}
	res.Consistency.NotableTurnIDs = notable
	return res
}

// importance keeps the highest score per key-moment turn.
func importance(moments []summarize.KeyMoment) map[int]float64 {
	scores := make(map[int]float64, len(moments))
	for _, m := range moments {
		if cur, ok := scores[m.TurnID]; !ok || m.Importance > cur {
			scores[m.TurnID] = m.Importance
		}
	}
	return scores
}

// selectPreserved returns the window's turns referenced by key moments or
// notable consistency moments, in turn order, carrying their importance.
func selectPreserved(turns []convo.Turn, res *summarize.Result, scores map[int]float64) []convo.Turn {
	wanted := make(map[int]bool, len(scores)+len(res.Consistency.NotableTurnIDs))
	for id := range scores {
		wanted[id] = true
	}
	for _, id := range res.Consistency.NotableTurnIDs {
		wanted[id] = true
	}

	out := []convo.Turn{}
	for _, t := range turns {
		if !wanted[t.TurnID] {
			continue
		}
		t = t.Clone()
		if s, ok := scores[t.TurnID]; ok {
			t.ImportanceScore = s
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b convo.Turn) int { return a.TurnID - b.TurnID })
	return out
}

func scoresInWindow(scores map[int]float64, turns []convo.Turn) map[int]float64 {
	out := make(map[int]float64, len(scores))
	for _, t := range turns {
		if s, ok := scores[t.TurnID]; ok {
			out[t.TurnID] = s
		}
	}
	return out
}

func nameOr(name, def string) string {
	if name != "" {
		return name
	}
	return def
}
