package collective_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtrain-org/dtrain/internal/collective"
)

// startGroup starts a coordinator on an ephemeral port and returns one
// joined client per rank.
func startGroup(t *testing.T, worldSize int) []*collective.Client {
	t.Helper()

	coord := collective.NewCoordinator(worldSize)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx, "127.0.0.1:0"))
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = coord.Shutdown(shutdownCtx)
	})

	clients := make([]*collective.Client, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		clients[rank] = collective.NewClient(coord.Addr(), rank, worldSize)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = clients[rank].Join(ctx)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	return clients
}

func TestAllReduceSum(t *testing.T) {
	const worldSize = 4
	clients := startGroup(t, worldSize)
	ctx := context.Background()

	// Four ranks each report (log_perplexity, tokens, samples); the global
	// sums must equal the arithmetic sum across ranks regardless of arrival
	// order.
	inputs := [][]float64{
		{10, 100, 2},
		{20, 300, 4},
		{5, 50, 1},
		{15, 150, 3},
	}
	want := []float64{50, 600, 10}

	results := make([][]float64, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			// Jitter arrival order to exercise grouping independence.
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			results[rank], errs[rank] = clients[rank].AllReduceSum(ctx, inputs[rank])
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < worldSize; rank++ {
		require.NoError(t, errs[rank], "rank %d", rank)
		assert.Equal(t, want, results[rank], "rank %d", rank)
	}
}

func TestAllReduceSumIdenticalAcrossRanks(t *testing.T) {
	const worldSize = 3
	clients := startGroup(t, worldSize)
	ctx := context.Background()

	// Values whose sum depends on accumulation order at the bit level; all
	// ranks must still observe the exact same float64s.
	inputs := [][]float64{
		{0.1, 1e-9},
		{0.2, 1e9},
		{0.3, -1e9},
	}
	results := make([][]float64, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank], errs[rank] = clients[rank].AllReduceSum(ctx, inputs[rank])
		}(rank)
	}
	wg.Wait()

	for rank := 1; rank < worldSize; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, results[0], results[rank])
	}
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	const worldSize = 3
	clients := startGroup(t, worldSize)
	ctx := context.Background()

	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = clients[rank].Barrier(ctx)
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestSequentialCollectives(t *testing.T) {
	const worldSize = 2
	const batches = 5
	clients := startGroup(t, worldSize)
	ctx := context.Background()

	// Same sequence of collectives on every rank; per-batch results must
	// not bleed across operations.
	results := make([][]float64, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for batch := 0; batch < batches; batch++ {
				out, err := clients[rank].AllReduceSum(ctx, []float64{float64(batch + 1)})
				if err != nil {
					errs[rank] = err
					return
				}
				results[rank] = append(results[rank], out[0])
			}
		}(rank)
	}
	wg.Wait()

	want := []float64{2, 4, 6, 8, 10}
	for rank := 0; rank < worldSize; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, want, results[rank])
	}
}

func TestJoinRejectsWorldSizeMismatch(t *testing.T) {
	coord := collective.NewCoordinator(2)
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx, "127.0.0.1:0"))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Shutdown(shutdownCtx)
	}()

	bad := collective.NewClient(coord.Addr(), 0, 3)
	err := bad.Join(ctx)
	require.ErrorIs(t, err, collective.ErrCollective)
}
