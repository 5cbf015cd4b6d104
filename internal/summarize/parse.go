package summarize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformed means the response held no JSON object.
var ErrMalformed = errors.New("malformed summarizer response")

// Parse extracts a Result from raw model output. Fences and surrounding prose
// are stripped; missing or wrongly-typed fields get defaults and scores are
// clamped to [0,1]. Only output without any JSON object is an error.
func Parse(text string, turnCount int) (*Result, error) {
	raw := extractObject(text)
	if raw == "" || !gjson.Valid(raw) {
		return nil, ErrMalformed
	}
	doc := gjson.Parse(raw)

	res := &Result{
		Summary:               stringOr(doc.Get("summary"), fmt.Sprintf("Conversation with %d exchanges", turnCount)),
		EmotionalJourney:      stringOr(doc.Get("emotional_journey"), "neutral throughout"),
		KeyMoments:            []KeyMoment{},
		RelationshipEvolution: stringOr(doc.Get("relationship_evolution"), "maintained consistent dynamic"),
		TopicProgression:      stringsOr(doc.Get("topic_progression"), []string{"general conversation"}),
		UserRevealedFacts:     stringsOr(doc.Get("user_revealed_info"), []string{}),
	}

	doc.Get("key_moments").ForEach(func(_, m gjson.Result) bool {
		id, ok := turnID(m.Get("turn_id"))
		if !ok {
			return true
		}
		score := m.Get("importance_score")
		if !score.Exists() {
			score = m.Get("importance")
		}
		res.KeyMoments = append(res.KeyMoments, KeyMoment{
			TurnID:     id,
			Importance: scoreOr(score),
			Reason:     stringOr(m.Get("reason"), "Important moment"),
		})
		return true
	})

	cc := doc.Get("character_consistency")
	score := cc.Get("personality_score")
	if !score.Exists() {
		score = cc.Get("personality_consistency")
	}
	res.Consistency = Consistency{
		Traits:         stringsOr(cc.Get("traits_expressed"), []string{}),
		Score:          scoreOr(score),
		NotableTurnIDs: []int{},
	}
	cc.Get("notable_moments").ForEach(func(_, v gjson.Result) bool {
		if id, ok := turnID(v); ok {
			res.Consistency.NotableTurnIDs = append(res.Consistency.NotableTurnIDs, id)
		}
		return true
	})

	return res, nil
}

// extractObject strips ```json fences and returns the outermost {...} span.
func extractObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func stringOr(v gjson.Result, def string) string {
	if v.Type != gjson.String {
		return def
	}
	if s := strings.TrimSpace(v.String()); s != "" {
		return s
	}
	return def
}

func stringsOr(v gjson.Result, def []string) []string {
	if !v.IsArray() {
		return def
	}
	out := []string{}
	for _, item := range v.Array() {
		if s := strings.TrimSpace(item.String()); s != "" && item.Type == gjson.String {
			out = append(out, s)
		}
	}
	return out
}

func scoreOr(v gjson.Result) float64 {
	if v.Type != gjson.Number {
		return 0.5
	}
	return max(0, min(1, v.Float()))
}

func turnID(v gjson.Result) (int, bool) {
	if v.Type != gjson.Number {
		return 0, false
	}
	id := int(v.Int())
	if id <= 0 || float64(id) != v.Float() {
		return 0, false
	}
	return id, true
}
