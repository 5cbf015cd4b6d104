package summarize

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/convo"
)

const goodJSON = `{
  "summary": "They talked about tea.",
  "emotional_journey": "curious, then delighted",
  "key_moments": [
    {"turn_id": 2, "importance_score": 0.9, "reason": "User revealed their name"},
    {"turn_id": 4, "importance_score": 1.7, "reason": "Promise made"},
    {"turn_id": "x", "importance_score": 0.5, "reason": "bad id"},
    {"turn_id": 0, "reason": "zero id"}
  ],
  "relationship_evolution": "became friends",
  "character_consistency": {
    "traits_expressed": ["cheerful"],
    "personality_score": -0.2,
    "notable_moments": [3, "nope", 5]
  },
  "topic_progression": ["tea", "music"],
  "user_revealed_info": ["name is Sam"]
}`

func testTurns(n int) []convo.Turn {
	turns := make([]convo.Turn, n)
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := range turns {
		st, speaker := convo.SpeakerUser, "u1"
		if i%2 == 1 {
			st, speaker = convo.SpeakerAssistant, "Miku"
		}
		turns[i] = convo.NewTurn("s1", i+1, speaker, st, "message", nil, 2, ts)
	}
	return turns
}

func TestParse_Full(t *testing.T) {
	res, err := Parse("```json\n"+goodJSON+"\n```", 6)
	require.NoError(t, err)

	assert.Equal(t, "They talked about tea.", res.Summary)
	assert.Equal(t, "curious, then delighted", res.EmotionalJourney)
	require.Len(t, res.KeyMoments, 2)
	assert.Equal(t, 2, res.KeyMoments[0].TurnID)
	assert.InDelta(t, 0.9, res.KeyMoments[0].Importance, 1e-9)
	assert.InDelta(t, 1.0, res.KeyMoments[1].Importance, 1e-9)
	assert.Equal(t, "became friends", res.RelationshipEvolution)
	assert.Equal(t, []string{"cheerful"}, res.Consistency.Traits)
	assert.InDelta(t, 0.0, res.Consistency.Score, 1e-9)
	assert.Equal(t, []int{3, 5}, res.Consistency.NotableTurnIDs)
	assert.Equal(t, []string{"tea", "music"}, res.TopicProgression)
	assert.Equal(t, []string{"name is Sam"}, res.UserRevealedFacts)
}

func TestParse_Defaults(t *testing.T) {
	res, err := Parse(`Here you go: {"key_moments": [{"turn_id": 3}]} hope it helps`, 7)
	require.NoError(t, err)

	assert.Equal(t, "Conversation with 7 exchanges", res.Summary)
	assert.Equal(t, "neutral throughout", res.EmotionalJourney)
	assert.Equal(t, "maintained consistent dynamic", res.RelationshipEvolution)
	assert.Equal(t, []string{"general conversation"}, res.TopicProgression)
	assert.Empty(t, res.UserRevealedFacts)
	require.Len(t, res.KeyMoments, 1)
	assert.InDelta(t, 0.5, res.KeyMoments[0].Importance, 1e-9)
	assert.Equal(t, "Important moment", res.KeyMoments[0].Reason)
	assert.InDelta(t, 0.5, res.Consistency.Score, 1e-9)
}

func TestParse_AcceptsAliases(t *testing.T) {
	res, err := Parse(`{"key_moments":[{"turn_id":1,"importance":0.3}],"character_consistency":{"personality_consistency":0.7}}`, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, res.KeyMoments[0].Importance, 1e-9)
	assert.InDelta(t, 0.7, res.Consistency.Score, 1e-9)
}

func TestParse_Malformed(t *testing.T) {
	for _, text := range []string{"", "no json here", "{not: valid", "} backwards {"} {
		_, err := Parse(text, 1)
		assert.ErrorIs(t, err, ErrMalformed, text)
	}
}

func TestFallback(t *testing.T) {
	res := Fallback(5)
	assert.Equal(t, "Conversation with 5 exchanges", res.Summary)
	assert.Equal(t, "neutral throughout", res.EmotionalJourney)
	assert.Empty(t, res.KeyMoments)
}

func TestNormalize(t *testing.T) {
	in := &Result{
		Summary: "  ",
		KeyMoments: []KeyMoment{
			{TurnID: 3, Importance: 7.5},
			{TurnID: 1, Importance: -2, Reason: "greeting"},
			{TurnID: 0, Importance: 0.4, Reason: "no turn"},
		},
		TopicProgression: []string{"", " "},
		Consistency:      Consistency{Score: math.NaN(), NotableTurnIDs: []int{-1, 2}},
	}

	out := Normalize(in, 6)
	assert.Equal(t, "Conversation with 6 exchanges", out.Summary)
	assert.Equal(t, "neutral throughout", out.EmotionalJourney)
	assert.Equal(t, "maintained consistent dynamic", out.RelationshipEvolution)
	assert.Equal(t, []string{"general conversation"}, out.TopicProgression)
	assert.NotNil(t, out.UserRevealedFacts)
	assert.NotNil(t, out.Consistency.Traits)
	assert.Equal(t, 0.5, out.Consistency.Score)
	assert.Equal(t, []int{2}, out.Consistency.NotableTurnIDs)
	require.Len(t, out.KeyMoments, 2)
	assert.Equal(t, KeyMoment{TurnID: 3, Importance: 1, Reason: "Important moment"}, out.KeyMoments[0])
	assert.Equal(t, 0.0, out.KeyMoments[1].Importance)

	// the input is left alone
	assert.Equal(t, 7.5, in.KeyMoments[0].Importance)

	assert.Equal(t, Fallback(2), Normalize(nil, 2))
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(Request{
		Turns:           testTurns(2),
		CharacterName:   "Miku",
		Personality:     "cheerful",
		Profile:         "singer",
		SessionMetadata: convo.Metadata{"channel": "web"},
	})
	assert.Contains(t, p, "CHARACTER: Miku")
	assert.Contains(t, p, "CONVERSATION (2 turns):")
	assert.Contains(t, p, "Turn 1 (User): message")
	assert.Contains(t, p, "Turn 2 (Miku): message")
	assert.Contains(t, p, `"channel": "web"`)
	assert.Contains(t, p, "how well did Miku keep")
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SummarizerProvider = config.ProviderNone
	assert.IsType(t, None{}, New(cfg))

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg.SummarizerProvider = config.ProviderAnthropic
	assert.IsType(t, None{}, New(cfg))

	t.Setenv("ANTHROPIC_API_KEY", "test")
	assert.IsType(t, &Anthropic{}, New(cfg))

	t.Setenv("OPENAI_API_KEY", "test")
	cfg.SummarizerProvider = config.ProviderOpenAI
	assert.IsType(t, &OpenAI{}, New(cfg))
}

func TestNone(t *testing.T) {
	_, err := None{}.Summarize(context.Background(), Request{})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestAnthropic_Summarize(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-haiku-4-5",
			"content":       []map[string]any{{"type": "text", "text": goodJSON}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicOptions{APIKey: "test", BaseURL: srv.URL + "/", Temperature: 0.3})
	res, err := a.Summarize(context.Background(), Request{Turns: testTurns(4), CharacterName: "Miku"})
	require.NoError(t, err)
	assert.Equal(t, "They talked about tea.", res.Summary)
	assert.Equal(t, DefaultAnthropicModel, gotBody["model"])
	assert.Equal(t, "anthropic:"+DefaultAnthropicModel, a.Name())
}

func TestAnthropic_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicOptions{APIKey: "test", BaseURL: srv.URL + "/"})
	_, err := a.Summarize(context.Background(), Request{Turns: testTurns(1)})
	require.Error(t, err)
}

func TestOpenAI_Summarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "```json\n" + goodJSON + "\n```"},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIOptions{APIKey: "test", BaseURL: srv.URL + "/"})
	res, err := o.Summarize(context.Background(), Request{Turns: testTurns(4)})
	require.NoError(t, err)
	require.Len(t, res.KeyMoments, 2)
	assert.Equal(t, "openai:gpt-4o-mini", o.Name())
}

func TestOpenAI_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIOptions{APIKey: "test", BaseURL: srv.URL + "/"}).Summarize(context.Background(), Request{})
	require.ErrorContains(t, err, "empty response")
}
