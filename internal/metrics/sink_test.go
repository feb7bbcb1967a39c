package metrics_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtrain-org/dtrain/internal/metrics"
)

func TestLogSyncPreservesCallOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perplexity_log_0.jsonl")
	sink, err := metrics.New(path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	const n = 20
	var want []string
	for i := 0; i < n; i++ {
		rec := metrics.Record{"batch": i, "log_perplexity": float64(i) * 1.5}
		require.NoError(t, sink.LogSync(rec))
		line, err := json.Marshal(rec)
		require.NoError(t, err)
		want = append(want, string(line))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var got []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())

	// N calls produce N lines, byte-identical to serializing each record
	// independently, in call order.
	require.Equal(t, want, got)
}

func TestLogSyncAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")

	sink, err := metrics.New(path)
	require.NoError(t, err)
	require.NoError(t, sink.LogSync(metrics.Record{"step": 1}))
	require.NoError(t, sink.Close())

	sink, err = metrics.New(path)
	require.NoError(t, err)
	require.NoError(t, sink.LogSync(metrics.Record{"step": 2}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"step\":1}\n{\"step\":2}\n", string(data))
}

func TestLogPath(t *testing.T) {
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t,
			filepath.Join("/out", fmt.Sprintf("perplexity_log_%d.jsonl", rank)),
			metrics.LogPath("/out", rank))
	}
}
