// Package summarize turns a window of turns into a structured analysis used
// by compression. Backends call an LLM; callers must tolerate slow, failing
// or partially-populated results.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/convo"
)

// ErrDisabled is returned by the "none" backend.
var ErrDisabled = errors.New("summarizer disabled")

// Request is one summarization call.
type Request struct {
	Turns           []convo.Turn
	CharacterName   string
	Personality     string
	Profile         string
	SessionMetadata convo.Metadata
}

// KeyMoment is a turn singled out as important.
type KeyMoment struct {
	TurnID     int     `json:"turn_id"`
	Importance float64 `json:"importance_score"`
	Reason     string  `json:"reason"`
}

// Consistency reports how well the character stayed in character.
type Consistency struct {
	Traits []string `json:"traits_expressed"`

	// Score is clamped to [0,1]
	Score float64 `json:"personality_score"`

	NotableTurnIDs []int `json:"notable_moments"`
}

// Result is the structured analysis of a window.
type Result struct {
	Summary               string      `json:"summary"`
	EmotionalJourney      string      `json:"emotional_journey"`
	KeyMoments            []KeyMoment `json:"key_moments"`
	RelationshipEvolution string      `json:"relationship_evolution"`
	Consistency           Consistency `json:"character_consistency"`
	TopicProgression      []string    `json:"topic_progression"`
	UserRevealedFacts     []string    `json:"user_revealed_info"`
}

// Summarizer analyzes a conversation window.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// Func adapts a function to Summarizer.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Summarize(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }
func (f Func) Name() string                                               { return "func" }

// None never calls out and always returns ErrDisabled.
type None struct{}

func (None) Summarize(context.Context, Request) (*Result, error) { return nil, ErrDisabled }
func (None) Name() string                                         { return config.ProviderNone }

// Fallback is the mechanical summary used when no analysis is available.
func Fallback(turnCount int) *Result {
	return &Result{
		Summary:               fmt.Sprintf("Conversation with %d exchanges", turnCount),
		EmotionalJourney:      "neutral throughout",
		KeyMoments:            []KeyMoment{},
		RelationshipEvolution: "ongoing conversation",
		Consistency:           Consistency{Traits: []string{}, Score: 0.5, NotableTurnIDs: []int{}},
		TopicProgression:      []string{"general conversation"},
		UserRevealedFacts:     []string{},
	}
}

// New builds the backend selected by cfg. A provider whose API key is missing
// from the environment degrades to None.
func New(cfg *config.Config) Summarizer {
	switch cfg.SummarizerProvider {
	case config.ProviderAnthropic:
		if os.Getenv("ANTHROPIC_API_KEY") == "" {
			return None{}
		}
		return NewAnthropic(AnthropicOptions{
			Model:       cfg.SummarizerModel,
			MaxTokens:   cfg.SummarizerMaxTokens,
			Temperature: cfg.SummarizerTemperature,
		})
	case config.ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return None{}
		}
		return NewOpenAI(OpenAIOptions{
			Model:       cfg.SummarizerModel,
			MaxTokens:   cfg.SummarizerMaxTokens,
			Temperature: cfg.SummarizerTemperature,
		})
	default:
		return None{}
	}
}
