package convo

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/mneme/internal/errors"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestParseSpeakerType(t *testing.T) {
	for _, s := range []string{"user", "assistant", "system"} {
		st, err := ParseSpeakerType(s)
		require.NoError(t, err)
		require.Equal(t, SpeakerType(s), st)
	}

	_, err := ParseSpeakerType("narrator")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrInvalidTurnData))

	_, err = ParseSpeakerType("")
	require.True(t, errors.Is(err, errors.ErrInvalidTurnData))
}

func TestNewTurn_OwnsMetadata(t *testing.T) {
	md := Metadata{"emotion": "happy"}
	a := NewTurn("s1", 1, "u1", SpeakerUser, "hi", md, 0, t0)
	b := NewTurn("s1", 2, "u1", SpeakerUser, "yo", nil, 0, t0)

	md["emotion"] = "sad"
	require.Equal(t, "happy", a.Metadata.String("emotion"))

	b.Metadata["x"] = 1
	c := NewTurn("s1", 3, "u1", SpeakerUser, "hey", nil, 0, t0)
	require.Empty(t, c.Metadata)
}

func TestNewSession_FreshContainers(t *testing.T) {
	a := NewSession("a", "miku", "Miku", "u1", nil, t0)
	b := NewSession("b", "miku", "Miku", "u2", nil, t0)

	a.Metadata["k"] = "v"
	a.AddParticipant("u3")

	require.Empty(t, b.Metadata)
	require.Equal(t, []string{"u2"}, b.Participants)
	require.Equal(t, []string{"u1", "u3"}, a.Participants)
}

func TestSession_Participants(t *testing.T) {
	s := NewSession("s", "c", "C", "bob", nil, t0)
	require.True(t, s.AddParticipant("alice"))
	require.False(t, s.AddParticipant("bob"))
	require.False(t, s.AddParticipant(""))
	require.Equal(t, []string{"alice", "bob"}, s.Participants)
	require.True(t, s.HasParticipant("alice"))
	require.False(t, s.HasParticipant("carol"))

	c := s.Clone()
	c.AddParticipant("carol")
	require.False(t, s.HasParticipant("carol"))
}

func TestLastN(t *testing.T) {
	turns := make([]Turn, 5)
	for i := range turns {
		turns[i] = Turn{TurnID: i + 1}
	}

	got := LastN(turns, 3)
	require.Equal(t, []int{3, 4, 5}, ids(got))

	require.Len(t, LastN(turns, 10), 5)
	require.Empty(t, LastN(turns, 0))
	require.Empty(t, LastN(nil, 3))

	got[0].TurnID = 99
	require.Equal(t, 3, turns[2].TurnID)
}

func TestSumTokens(t *testing.T) {
	require.Equal(t, 0, SumTokens(nil))
	require.Equal(t, 30, SumTokens([]Turn{{TokenCount: 10}, {TokenCount: 20}}))
}

func TestEstimators(t *testing.T) {
	require.Equal(t, 200, CharEstimator.Estimate(strings.Repeat("a", 800)))
	require.Equal(t, 0, CharEstimator.Estimate("abc"))
	require.Equal(t, 1, CharEstimator.Estimate("日本語で"))

	require.Equal(t, 0, WordEstimator.Estimate("   "))
	require.Equal(t, 3, WordEstimator.Estimate("hello world"))

	turns := []Turn{{Message: strings.Repeat("x", 40)}, {Message: strings.Repeat("y", 8)}}
	require.Equal(t, 12, EstimateTurns(CharEstimator, turns))
}

func TestCompressedContext_EmptyPrompt(t *testing.T) {
	c := NewCompressedContext()
	require.Equal(t, "", c.ToPrompt())
	require.Equal(t, 0, c.TokenEstimate())
	require.NotNil(t, c.RecentTurns)
	require.NotNil(t, c.CompressionMetadata)
}

func TestCompressedContext_ToPrompt(t *testing.T) {
	c := NewCompressedContext()
	c.CharacterReminder = "You are Miku."
	c.SessionSummary = "They talked about music."
	c.KeyTopics = []KeyTopic{{Label: "first concert", TurnIDs: []int{2, 4}}}
	c.EmotionalJourney = "calm to excited"
	c.ImportantFacts = []string{"user plays guitar"}
	c.PreservedTurns = []Turn{{TurnID: 2, SpeakerType: SpeakerUser, SpeakerID: "u1", Message: "I saw you live!"}}
	c.BufferTurns = []Turn{{TurnID: 7, SpeakerType: SpeakerAssistant, SpeakerID: "miku", Message: "Thanks!", Metadata: Metadata{"emotion": "joy"}}}
	c.RecentTurns = []Turn{{TurnID: 8, SpeakerType: SpeakerUser, SpeakerID: "u1", Message: "Again soon?"}}

	want := strings.Join([]string{
		"You are Miku.",
		"",
		"CONVERSATION SUMMARY:",
		"They talked about music.",
		"",
		"KEY MOMENTS:",
		"- first concert (Turn 2, Turn 4)",
		"",
		"EMOTIONAL JOURNEY:",
		"calm to excited",
		"",
		"IMPORTANT FACTS:",
		"- user plays guitar",
		"",
		"PRESERVED TURNS:",
		`Turn 2 (User): "I saw you live!"`,
		"",
		"BUFFER CONTEXT (Transition period, 1 turns):",
		`Turn 7 (miku): [joy] "Thanks!"`,
		"",
		"RECENT CONTEXT (Last 1 exchanges):",
		`Turn 8 (User): "Again soon?"`,
	}, "\n")
	require.Equal(t, want, c.ToPrompt())
	require.Equal(t, len([]rune(want))/4, c.TokenEstimate())
}

func TestCompressedContext_TokenEstimateTracksFields(t *testing.T) {
	c := NewCompressedContext()
	before := c.TokenEstimate()
	c.SessionSummary = strings.Repeat("s", 400)
	require.Greater(t, c.TokenEstimate(), before)
}

func TestCompressedContext_Clone(t *testing.T) {
	c := NewCompressedContext()
	c.KeyTopics = []KeyTopic{{Label: "x", TurnIDs: []int{1}}}
	c.RecentTurns = []Turn{{TurnID: 1, Metadata: Metadata{"emotion": "ok"}}}
	c.CompressionMetadata["n"] = 1

	d := c.Clone()
	d.KeyTopics[0].TurnIDs[0] = 9
	d.RecentTurns[0].Metadata["emotion"] = "bad"
	d.CompressionMetadata["n"] = 2

	require.Equal(t, 1, c.KeyTopics[0].TurnIDs[0])
	require.Equal(t, "ok", c.RecentTurns[0].Metadata.String("emotion"))
	require.Equal(t, 1, c.CompressionMetadata["n"])
}

func ids(turns []Turn) []int {
	out := make([]int, len(turns))
	for i, t := range turns {
		out[i] = t.TurnID
	}
	return out
}
