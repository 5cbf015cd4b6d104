package summarize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/mneme/internal/convo"
)

// SystemPrompt is sent as the system message to every backend.
const SystemPrompt = "You are an expert conversation analyst. Provide detailed, reasoned analysis in valid JSON format."

// FormatTurns renders turns one per line as "Turn N (Speaker): message".
func FormatTurns(turns []convo.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("Turn %d (%s): %s", t.TurnID, t.Speaker(), t.Message)
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Analyze this conversation comprehensively for intelligent compression.\n\n")
	fmt.Fprintf(&b, "CHARACTER: %s\n", req.CharacterName)
	fmt.Fprintf(&b, "PERSONALITY: %s\n", req.Personality)
	fmt.Fprintf(&b, "PROFILE: %s\n\n", req.Profile)
	fmt.Fprintf(&b, "CONVERSATION (%d turns):\n", len(req.Turns))
	b.WriteString(FormatTurns(req.Turns))

	if len(req.SessionMetadata) > 0 {
		if meta, err := json.MarshalIndent(req.SessionMetadata, "", "  "); err == nil {
			b.WriteString("\n\nSession info: ")
			b.Write(meta)
		}
	}

	fmt.Fprintf(&b, `

Provide detailed analysis as JSON with this EXACT structure:
{
  "summary": "Rich narrative summary of what happened, focusing on meaningful interactions",
  "emotional_journey": "How emotions evolved (e.g. 'started curious, became excited, ended thoughtful')",
  "key_moments": [
    {"turn_id": 5, "importance_score": 0.9, "reason": "Why this turn matters for continuity"}
  ],
  "relationship_evolution": "How the relationship between user and character changed",
  "character_consistency": {
    "traits_expressed": ["personality traits that were shown"],
    "personality_score": 0.8,
    "notable_moments": [3, 7]
  },
  "topic_progression": ["topics in the order they appeared"],
  "user_revealed_info": ["personal info the user shared that the character should remember"]
}

ANALYSIS GUIDELINES:
- key_moments: identify the 3-5 most important turns with scores of 0.7 or more and clear reasons
- Focus on moments that establish the relationship, reveal character, show emotional growth or contain decisions
- character_consistency: how well did %s keep their personality?
- user_revealed_info: personal details, preferences, goals and problems the user shared

Respond with ONLY the JSON:`, req.CharacterName)

	return b.String()
}
