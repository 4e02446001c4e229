package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Outcome tags how a conversation ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeAbortedDueCost Outcome = "aborted_due_cost"
)

// TranscriptRecord is the immutable record written once per conversation.
type TranscriptRecord struct {
	SessionID string     `json:"session_id"`
	Timestamp time.Time  `json:"timestamp"`
	Task      string     `json:"task"`
	Outcome   Outcome    `json:"outcome"`
	Model     string     `json:"model"`
	Messages  []Message  `json:"messages"`
	Usage     UsageStats `json:"usage"`
	// Summary is the completion summary, empty unless completed.
	Summary string `json:"summary,omitempty"`
}

// TranscriptSink stores finished conversations. Persist returns a reference
// to the stored record, such as a file path.
type TranscriptSink interface {
	Persist(ctx context.Context, rec TranscriptRecord) (string, error)
}

// FileTranscriptLogger writes one JSON file per conversation into Dir.
type FileTranscriptLogger struct {
	Dir string
}

// NewFileTranscriptLogger returns a logger writing into dir.
func NewFileTranscriptLogger(dir string) *FileTranscriptLogger {
	return &FileTranscriptLogger{Dir: dir}
}

const maxNameCollisions = 1000

// Persist writes rec to conversation_<YYYYMMDD_HHMMSS>.json. A numeric
// suffix is added when a file with that name already exists.
func (l *FileTranscriptLogger) Persist(_ context.Context, rec TranscriptRecord) (string, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	base := "conversation_" + ts.Format("20060102_150405")

	for i := 0; i < maxNameCollisions; i++ {
		name := base + ".json"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.json", base, i)
		}
		path := filepath.Join(l.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create transcript: %w", err)
		}
		if err := writeTranscript(f, rec); err != nil {
			_ = os.Remove(path)
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("create transcript: too many files named %s", base)
}

func writeTranscript(f *os.File, rec TranscriptRecord) error {
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	err := enc.Encode(rec)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// MultiSink persists to every sink in order. The reference of the first
// sink is returned; errors from all sinks are joined.
type MultiSink []TranscriptSink

// Persist implements TranscriptSink.
func (m MultiSink) Persist(ctx context.Context, rec TranscriptRecord) (string, error) {
	var ref string
	var errs []error
	for i, s := range m {
		r, err := s.Persist(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			ref = r
		}
	}
	return ref, errors.Join(errs...)
}
