package convo

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hpungsan/mneme/internal/errors"
)

// SpeakerType identifies who produced a turn.
type SpeakerType string

const (
	SpeakerUser      SpeakerType = "user"
	SpeakerAssistant SpeakerType = "assistant"
	SpeakerSystem    SpeakerType = "system"
)

// ParseSpeakerType validates a speaker type string. Unknown values are rejected, never coerced.
func ParseSpeakerType(s string) (SpeakerType, error) {
	switch st := SpeakerType(strings.TrimSpace(s)); st {
	case SpeakerUser, SpeakerAssistant, SpeakerSystem:
		return st, nil
	default:
		return "", errors.NewInvalidTurnData("speaker_type", fmt.Sprintf("unknown value %q (want user|assistant|system)", s))
	}
}

// Metadata is an open key/value bag holding JSON-compatible values.
type Metadata map[string]any

// Clone returns a shallow copy; nil stays nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// String returns the value at key if it is a string.
func (m Metadata) String(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Turn is one utterance in a session.
type Turn struct {
	// TurnID increases by one per session, starting at 1
	TurnID int `json:"turn_id"`

	SessionID   string      `json:"session_id"`
	SpeakerID   string      `json:"speaker_id"`
	SpeakerType SpeakerType `json:"speaker_type"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`

	// TokenCount is the estimated cost of Message
	TokenCount int `json:"token_count"`

	Metadata Metadata `json:"metadata,omitempty"`

	// ImportanceScore is set by compression; 0 until a turn is scored
	ImportanceScore float64 `json:"importance_score"`
}

// NewTurn builds a Turn with its own metadata map.
func NewTurn(sessionID string, turnID int, speakerID string, speakerType SpeakerType, message string, metadata Metadata, tokenCount int, ts time.Time) Turn {
	md := metadata.Clone()
	if md == nil {
		md = Metadata{}
	}
	return Turn{
		TurnID:      turnID,
		SessionID:   sessionID,
		SpeakerID:   speakerID,
		SpeakerType: speakerType,
		Message:     message,
		Timestamp:   ts,
		TokenCount:  tokenCount,
		Metadata:    md,
	}
}

// Speaker is the label used when rendering the turn into a prompt.
func (t Turn) Speaker() string {
	if t.SpeakerType == SpeakerUser {
		return "User"
	}
	return t.SpeakerID
}

// Clone deep-copies the metadata bag.
func (t Turn) Clone() Turn {
	t.Metadata = t.Metadata.Clone()
	return t
}

// SumTokens adds up TokenCount across turns.
func SumTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += t.TokenCount
	}
	return total
}

// LastN returns a copy of the last n turns (all of them if fewer).
func LastN(turns []Turn, n int) []Turn {
	if n <= 0 {
		return []Turn{}
	}
	start := max(len(turns)-n, 0)
	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// Session is one conversation between participants and a character.
type Session struct {
	SessionID     string    `json:"session_id"`
	CharacterID   string    `json:"character_id"`
	CharacterName string    `json:"character_name"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`

	// Participants is a set of user IDs kept sorted for stable output
	Participants []string `json:"participants"`

	TotalTurns       int      `json:"total_turns"`
	CompressionCount int      `json:"compression_count"`
	TotalTokens      int      `json:"total_tokens"`
	Metadata         Metadata `json:"metadata,omitempty"`

	// ClosedAt is set once the session has been closed or expired
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// NewSession builds a Session with fresh containers.
func NewSession(id, characterID, characterName, userID string, metadata Metadata, now time.Time) *Session {
	md := metadata.Clone()
	if md == nil {
		md = Metadata{}
	}
	s := &Session{
		SessionID:     id,
		CharacterID:   characterID,
		CharacterName: characterName,
		StartedAt:     now,
		LastActivity:  now,
		Participants:  []string{},
		Metadata:      md,
	}
	s.AddParticipant(userID)
	return s
}

// HasParticipant reports whether userID is in the session.
func (s *Session) HasParticipant(userID string) bool {
	_, found := slices.BinarySearch(s.Participants, userID)
	return found
}

// AddParticipant inserts userID, keeping the set sorted. Returns false if already present or empty.
func (s *Session) AddParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	i, found := slices.BinarySearch(s.Participants, userID)
	if found {
		return false
	}
	s.Participants = slices.Insert(s.Participants, i, userID)
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.Metadata = s.Metadata.Clone()
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// KeyTopic labels a moment of the conversation with the turns it refers to.
type KeyTopic struct {
	Label   string `json:"label"`
	TurnIDs []int  `json:"turn_ids"`
}

// CompressionEvent is the append-only audit record of one compression.
type CompressionEvent struct {
	SessionID            string    `json:"session_id"`
	CompressedAtTurn     int       `json:"compressed_at_turn"`
	OriginalTokenCount   int       `json:"original_token_count"`
	CompressedTokenCount int       `json:"compressed_token_count"`
	PreservedTurnIDs     []int     `json:"preserved_turn_ids"`
	Summary              string    `json:"summary"`
	Timestamp            time.Time `json:"timestamp"`
}
