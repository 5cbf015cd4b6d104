package memory

import (
	"context"

	"github.com/hpungsan/mneme/internal/bufferzone"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/registry"
)

// Summary combines session stats with the narrative fields of the current context.
type Summary struct {
	Session           *registry.Stats   `json:"session"`
	SessionSummary    string            `json:"session_summary"`
	EmotionalJourney  string            `json:"emotional_journey"`
	KeyTopics         []convo.KeyTopic  `json:"key_topics"`
	ImportantFacts    []string          `json:"important_facts"`
	PreservedTurns    int               `json:"preserved_turns"`
	BufferTurns       int               `json:"buffer_turns"`
	RecentTurns       int               `json:"recent_turns"`
	ContextTokens     int               `json:"context_tokens"`
	CompressionStatus bufferzone.Status `json:"compression_status"`
}

// GetSessionSummary reports stats, the current narrative and compression progress.
func (m *Manager) GetSessionSummary(ctx context.Context, sessionID string) (*Summary, error) {
	cc, err := m.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stats, err := m.registry.Stats(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	c := m.caches[sessionID]
	m.mu.Unlock()
	var status bufferzone.Status
	if c != nil {
		c.mu.Lock()
		status = m.coord.Status(sessionID, c.turns)
		c.mu.Unlock()
	}

	return &Summary{
		Session:           stats,
		SessionSummary:    cc.SessionSummary,
		EmotionalJourney:  cc.EmotionalJourney,
		KeyTopics:         cc.KeyTopics,
		ImportantFacts:    cc.ImportantFacts,
		PreservedTurns:    len(cc.PreservedTurns),
		BufferTurns:       len(cc.BufferTurns),
		RecentTurns:       len(cc.RecentTurns),
		ContextTokens:     cc.TokenEstimate(),
		CompressionStatus: status,
	}, nil
}
