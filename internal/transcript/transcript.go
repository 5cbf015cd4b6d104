// Package transcript reads and writes conversations as JSONL, one turn per
// line. Exported files start with a header line; Read skips it, so an export
// can be replayed into a new session.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
)

// SchemaVersion is written to export headers.
const SchemaVersion = "1.0"

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 4 * 1024 * 1024

// Line is one turn. TurnID, Timestamp and ImportanceScore are written on
// export and ignored on replay, where the session assigns its own.
type Line struct {
	SpeakerID       string         `json:"speaker_id"`
	SpeakerType     string         `json:"speaker_type"`
	Message         string         `json:"message"`
	Metadata        convo.Metadata `json:"metadata,omitempty"`
	TurnID          int            `json:"turn_id,omitempty"`
	Timestamp       *time.Time     `json:"timestamp,omitempty"`
	ImportanceScore float64        `json:"importance_score,omitempty"`
}

// Header is the first line of an exported file.
type Header struct {
	MnemeTranscript bool   `json:"_mneme_transcript"`
	SchemaVersion   string `json:"schema_version"`
	SessionID       string `json:"session_id"`
	CharacterID     string `json:"character_id"`
	CharacterName   string `json:"character_name"`
	ExportedAt      int64  `json:"exported_at"`
}

// FromTurn converts a stored turn to a Line.
func FromTurn(t convo.Turn) Line {
	ts := t.Timestamp
	return Line{
		SpeakerID:       t.SpeakerID,
		SpeakerType:     string(t.SpeakerType),
		Message:         t.Message,
		Metadata:        t.Metadata,
		TurnID:          t.TurnID,
		Timestamp:       &ts,
		ImportanceScore: t.ImportanceScore,
	}
}

// Read parses JSONL turns. Blank lines and export headers are skipped. A
// missing speaker_type means "user", and a user line without speaker_id is
// attributed to defaultUser.
func Read(r io.Reader, defaultUser string) ([]Line, error) {
	var lines []Line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if isHeader(text) {
			continue
		}
		var l Line
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("line %d: %v", n, err))
		}
		if l.SpeakerType == "" {
			l.SpeakerType = string(convo.SpeakerUser)
		}
		if l.SpeakerID == "" && l.SpeakerType == string(convo.SpeakerUser) {
			l.SpeakerID = defaultUser
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("read transcript: %v", err))
	}
	if len(lines) == 0 {
		return nil, errors.NewInvalidRequest("transcript is empty")
	}
	return lines, nil
}

func isHeader(text string) bool {
	var probe struct {
		MnemeTranscript bool `json:"_mneme_transcript"`
	}
	return json.Unmarshal([]byte(text), &probe) == nil && probe.MnemeTranscript
}

// ReadFile opens path without following a final symlink and parses it.
func ReadFile(path, defaultUser string) ([]Line, error) {
	f, err := openFileNoFollowRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, defaultUser)
}
