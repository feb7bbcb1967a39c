package eval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
)

// MockSource yields deterministic synthetic batches derived from a seed and
// the rank, so multi-rank smoke runs produce stable global results without a
// dataset on disk.
type MockSource struct {
	rng     *rand.Rand
	batches int
	emitted int
}

// NewMockSource creates a source yielding batches synthetic batches. Each
// rank must use a distinct seed offset so shards differ while the global sum
// stays reproducible.
func NewMockSource(seed int64, rank, batches int) *MockSource {
	return &MockSource{
		rng:     rand.New(rand.NewSource(seed + int64(rank))),
		batches: batches,
	}
}

func (s *MockSource) Next(_ context.Context) (Batch, error) {
	if s.emitted >= s.batches {
		return Batch{}, io.EOF
	}
	s.emitted++
	tokens := 64 + s.rng.Int63n(1024)
	return Batch{
		LogPerplexity:     s.rng.Float64() * float64(tokens),
		LossCountedTokens: tokens,
		Samples:           1 + s.rng.Int63n(8),
	}, nil
}

// FileSource reads pre-sharded batch records from a JSONL file, one batch
// object per line.
type FileSource struct {
	f  *os.File
	sc *bufio.Scanner
}

type batchLine struct {
	LogPerplexity     float64 `json:"log_perplexity"`
	LossCountedTokens int64   `json:"num_loss_counted_tokens"`
	Samples           int64   `json:"num_samples"`
}

// OpenFileSource opens the shard file for this rank. The caller owns Close.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch shard: %w", err)
	}
	return &FileSource{f: f, sc: bufio.NewScanner(f)}, nil
}

func (s *FileSource) Next(_ context.Context) (Batch, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return Batch{}, err
		}
		return Batch{}, io.EOF
	}
	var line batchLine
	if err := json.Unmarshal(s.sc.Bytes(), &line); err != nil {
		return Batch{}, fmt.Errorf("malformed batch record: %w", err)
	}
	return Batch{
		LogPerplexity:     line.LogPerplexity,
		LossCountedTokens: line.LossCountedTokens,
		Samples:           line.Samples,
	}, nil
}

// Close releases the underlying shard file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
