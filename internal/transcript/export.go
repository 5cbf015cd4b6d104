package transcript

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/persist"
)

// ExportInput contains parameters for Export.
type ExportInput struct {
	SessionID string
	// Path is optional; default: <ExportsDir>/<character>-<session>-<timestamp>.jsonl
	Path string
	// ExportsDir is the only directory exports may be written to.
	ExportsDir string
}

// ExportOutput contains the result of Export.
type ExportOutput struct {
	Path       string `json:"path"`
	SessionID  string `json:"session_id"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// Export writes a session's full history to a JSONL file. The file is
// written to a temp name and renamed into place, so an existing file
// survives a failed export.
func Export(ctx context.Context, store persist.Store, input ExportInput) (*ExportOutput, error) {
	sess, err := store.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	exportPath := input.Path
	if exportPath == "" {
		name := SanitizeForFilename(sess.CharacterID) + "-" + SanitizeForFilename(tail(sess.SessionID, 8))
		exportPath = filepath.Join(input.ExportsDir,
			fmt.Sprintf("%s-%s.jsonl", name, now.UTC().Format("2006-01-02T150405")))
	}
	if err := ValidatePath(exportPath, PathCheckWrite, []string{input.ExportsDir}); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0o700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	turns, err := store.LoadTurns(ctx, input.SessionID, 0)
	if err != nil {
		return nil, errors.NewPersistenceFailed("load turns", err)
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	if err := enc.Encode(Header{
		MnemeTranscript: true,
		SchemaVersion:   SchemaVersion,
		SessionID:       sess.SessionID,
		CharacterID:     sess.CharacterID,
		CharacterName:   sess.CharacterName,
		ExportedAt:      now.Unix(),
	}); err != nil {
		return nil, errors.NewInternal(err)
	}
	for _, t := range turns {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}
		if err := enc.Encode(FromTurn(t)); err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	// Close before rename (required on Windows).
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}

	// On Windows, os.Rename fails when the destination exists. The existing
	// file is kept rather than deleted first.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		SessionID:  sess.SessionID,
		Count:      len(turns),
		ExportedAt: now.Unix(),
	}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
