package metrics

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"os"

	"github.com/dtrain-org/dtrain/internal/fileutil"
)

// Record is one metric record: string keys to JSON-serializable values.
// Metric values are scalars; the run-parameter dump nests the full config
// under a single key.
type Record map[string]any

// Sink is an append-only structured event log. One sink instance is bound to
// exactly one output file for the lifetime of the run; records are written as
// newline-delimited JSON and fsynced before LogSync returns, so a crash
// immediately after LogSync cannot lose the record.
type Sink struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// New opens (or creates) the sink file for appending.
func New(path string) (*Sink, error) {
	f, err := fileutil.OpenOrCreateFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metric log %s: %w", path, err)
	}
	return &Sink{path: path, file: f}, nil
}

// LogSync serializes record as one JSON line, appends it, and flushes to
// stable storage before returning. Records from the same rank preserve call
// order; no record is ever rewritten.
func (s *Sink) LogSync(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize metric record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append metric record: %w", err)
	}
	return s.file.Sync()
}

// Path returns the file path this sink is bound to.
func (s *Sink) Path() string { return s.path }

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// LogPath returns the per-rank metric log path under outputDir.
func LogPath(outputDir string, rank int) string {
	return filepath.Join(outputDir, fmt.Sprintf("perplexity_log_%d.jsonl", rank))
}
