package compress

import (
	"fmt"
	"strings"

	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/summarize"
)

const (
	maxProfileRunes    = 200
	maxSummaryRunes    = 300
	maxReminderMoments = 3
)

func buildReminder(facts character.Character, session *convo.Session, res *summarize.Result) string {
	name := nameOr(facts.Name, nameOr(session.CharacterName, "Assistant"))
	personality := nameOr(facts.Personality, "helpful and friendly")
	profile := nameOr(facts.Profile, "AI assistant")

	moments := make([]string, 0, maxReminderMoments)
	for _, m := range res.KeyMoments {
		if len(moments) == maxReminderMoments {
			break
		}
		moments = append(moments, fmt.Sprintf("Turn %d: %s", m.TurnID, m.Reason))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n\n", name)
	fmt.Fprintf(&b, "CORE PERSONALITY: %s\n", personality)
	fmt.Fprintf(&b, "BACKGROUND: %s\n\n", truncateRunes(profile, maxProfileRunes))
	b.WriteString("CONVERSATION INTELLIGENCE:\n")
	fmt.Fprintf(&b, "- Summary: %s\n", truncateRunes(res.Summary, maxSummaryRunes))
	fmt.Fprintf(&b, "- Relationship Evolution: %s\n", res.RelationshipEvolution)
	fmt.Fprintf(&b, "- Your Emotional Journey: %s\n", res.EmotionalJourney)
	fmt.Fprintf(&b, "- Character Traits You've Shown: %s\n", joinOr(res.Consistency.Traits, ", ", "various traits"))
	fmt.Fprintf(&b, "- Character Performance Score: %.1f/1.0\n\n", res.Consistency.Score)
	b.WriteString("IMPORTANT USER INFO TO REMEMBER:\n")
	fmt.Fprintf(&b, "%s\n\n", joinOr(res.UserRevealedFacts, "; ", "General conversation"))
	b.WriteString("CONVERSATION DYNAMICS:\n")
	fmt.Fprintf(&b, "- Topics Discussed: %s\n", strings.Join(res.TopicProgression, ", "))
	fmt.Fprintf(&b, "- Key Moments: %s\n\n", joinOr(moments, "; ", "Various interactions"))
	fmt.Fprintf(&b, "Continue being %s while maintaining the relationship dynamic and remembering what you've learned about the user.", name)
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func joinOr(items []string, sep, def string) string {
	if len(items) == 0 {
		return def
	}
	return strings.Join(items, sep)
}
