package convo

import (
	"fmt"
	"slices"
	"strings"
)

// CompressedContext is the memory artifact injected into the next prompt.
type CompressedContext struct {
	CharacterReminder string     `json:"character_reminder"`
	SessionSummary    string     `json:"session_summary"`
	KeyTopics         []KeyTopic `json:"key_topics"`
	EmotionalJourney  string     `json:"emotional_journey"`
	ImportantFacts    []string   `json:"important_facts"`

	// PreservedTurns are verbatim turns chosen by importance, in turn order
	PreservedTurns []Turn `json:"preserved_turns"`

	// RecentTurns are always the last N live turns
	RecentTurns []Turn `json:"recent_turns"`

	// BufferTurns arrived between the compaction and reset thresholds
	BufferTurns []Turn `json:"buffer_turns"`

	CompressionMetadata Metadata `json:"compression_metadata"`
}

// NewCompressedContext returns an empty context with allocated containers.
func NewCompressedContext() *CompressedContext {
	return &CompressedContext{
		KeyTopics:           []KeyTopic{},
		ImportantFacts:      []string{},
		PreservedTurns:      []Turn{},
		RecentTurns:         []Turn{},
		BufferTurns:         []Turn{},
		CompressionMetadata: Metadata{},
	}
}

// Clone deep-copies the context so callers cannot mutate cached state.
func (c *CompressedContext) Clone() *CompressedContext {
	out := *c
	out.KeyTopics = make([]KeyTopic, len(c.KeyTopics))
	for i, kt := range c.KeyTopics {
		out.KeyTopics[i] = KeyTopic{Label: kt.Label, TurnIDs: slices.Clone(kt.TurnIDs)}
	}
	out.ImportantFacts = append([]string{}, c.ImportantFacts...)
	out.PreservedTurns = cloneTurns(c.PreservedTurns)
	out.RecentTurns = cloneTurns(c.RecentTurns)
	out.BufferTurns = cloneTurns(c.BufferTurns)
	out.CompressionMetadata = c.CompressionMetadata.Clone()
	if out.CompressionMetadata == nil {
		out.CompressionMetadata = Metadata{}
	}
	return &out
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// PreservedTurnIDs lists the IDs of PreservedTurns.
func (c *CompressedContext) PreservedTurnIDs() []int {
	ids := make([]int, len(c.PreservedTurns))
	for i, t := range c.PreservedTurns {
		ids[i] = t.TurnID
	}
	return ids
}

// ToPrompt renders the context as prompt text. Empty sections are omitted.
func (c *CompressedContext) ToPrompt() string {
	var parts []string

	if c.CharacterReminder != "" {
		parts = append(parts, c.CharacterReminder, "")
	}

	if c.SessionSummary != "" {
		parts = append(parts, "CONVERSATION SUMMARY:", c.SessionSummary, "")
	}

	if len(c.KeyTopics) > 0 {
		parts = append(parts, "KEY MOMENTS:")
		for _, kt := range c.KeyTopics {
			refs := make([]string, len(kt.TurnIDs))
			for i, id := range kt.TurnIDs {
				refs[i] = fmt.Sprintf("Turn %d", id)
			}
			parts = append(parts, fmt.Sprintf("- %s (%s)", kt.Label, strings.Join(refs, ", ")))
		}
		parts = append(parts, "")
	}

	if c.EmotionalJourney != "" {
		parts = append(parts, "EMOTIONAL JOURNEY:", c.EmotionalJourney, "")
	}

	if len(c.ImportantFacts) > 0 {
		parts = append(parts, "IMPORTANT FACTS:")
		for _, f := range c.ImportantFacts {
			parts = append(parts, "- "+f)
		}
		parts = append(parts, "")
	}

	if len(c.PreservedTurns) > 0 {
		parts = append(parts, "PRESERVED TURNS:")
		for _, t := range c.PreservedTurns {
			parts = append(parts, fmt.Sprintf("Turn %d (%s): %q", t.TurnID, t.Speaker(), t.Message))
		}
		parts = append(parts, "")
	}

	if len(c.BufferTurns) > 0 {
		parts = append(parts, fmt.Sprintf("BUFFER CONTEXT (Transition period, %d turns):", len(c.BufferTurns)))
		for _, t := range c.BufferTurns {
			parts = append(parts, fmt.Sprintf("Turn %d (%s): %s%q", t.TurnID, t.Speaker(), emotionTag(t), t.Message))
		}
		parts = append(parts, "")
	}

	if len(c.RecentTurns) > 0 {
		parts = append(parts, fmt.Sprintf("RECENT CONTEXT (Last %d exchanges):", len(c.RecentTurns)))
		for _, t := range c.RecentTurns {
			parts = append(parts, fmt.Sprintf("Turn %d (%s): %s%q", t.TurnID, t.Speaker(), emotionTag(t), t.Message))
		}
	}

	return strings.Join(parts, "\n")
}

func emotionTag(t Turn) string {
	if e := t.Metadata.String("emotion"); e != "" {
		return "[" + e + "] "
	}
	return ""
}

// TokenEstimate approximates the prompt cost. It is always derived from the
// current fields and never cached.
func (c *CompressedContext) TokenEstimate() int {
	return len([]rune(c.ToPrompt())) / 4
}
