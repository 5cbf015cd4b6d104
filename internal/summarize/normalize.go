package summarize

import (
	"fmt"
	"math"
	"strings"
)

// Normalize returns a copy of res that satisfies the same guarantees as Parse:
// scores are clamped to [0,1], empty text fields get defaults, slices are
// never nil and key moments without a valid turn ID are dropped. A nil res
// yields Fallback(turnCount).
func Normalize(res *Result, turnCount int) *Result {
	if res == nil {
		return Fallback(turnCount)
	}
	out := &Result{
		Summary:               textOr(res.Summary, fmt.Sprintf("Conversation with %d exchanges", turnCount)),
		EmotionalJourney:      textOr(res.EmotionalJourney, "neutral throughout"),
		KeyMoments:            make([]KeyMoment, 0, len(res.KeyMoments)),
		RelationshipEvolution: textOr(res.RelationshipEvolution, "maintained consistent dynamic"),
		TopicProgression:      nonEmpty(res.TopicProgression),
		UserRevealedFacts:     nonEmpty(res.UserRevealedFacts),
		Consistency: Consistency{
			Traits:         nonEmpty(res.Consistency.Traits),
			Score:          clamp(res.Consistency.Score),
			NotableTurnIDs: make([]int, 0, len(res.Consistency.NotableTurnIDs)),
		},
	}
	if len(out.TopicProgression) == 0 {
		out.TopicProgression = []string{"general conversation"}
	}
	for _, m := range res.KeyMoments {
		if m.TurnID <= 0 {
			continue
		}
		out.KeyMoments = append(out.KeyMoments, KeyMoment{
			TurnID:     m.TurnID,
			Importance: clamp(m.Importance),
			Reason:     textOr(m.Reason, "Important moment"),
		})
	}
	for _, id := range res.Consistency.NotableTurnIDs {
		if id > 0 {
			out.Consistency.NotableTurnIDs = append(out.Consistency.NotableTurnIDs, id)
		}
	}
	return out
}

func textOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// clamp maps NaN to the neutral 0.5.
func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return max(0, min(1, v))
}
