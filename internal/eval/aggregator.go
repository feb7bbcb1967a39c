// Package eval runs the synchronized evaluation pass that computes a
// globally consistent perplexity across all ranks.
package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dtrain-org/dtrain/internal/config"
	"github.com/dtrain-org/dtrain/internal/logger"
	"github.com/dtrain-org/dtrain/internal/metrics"
)

// ErrNoLossTokens indicates the evaluation saw zero loss-counted tokens
// across all ranks. The average would be undefined; this is a configuration
// error, never a silently emitted NaN.
var ErrNoLossTokens = errors.New("no loss-counted tokens across all ranks")

// Batch is one evaluation batch's local partial result: the log-perplexity
// of this rank's shard, the number of loss-counted tokens, and the number of
// samples in the shard.
type Batch struct {
	LogPerplexity     float64
	LossCountedTokens int64
	Samples           int64
}

// BatchSource yields evaluation batches. Next returns io.EOF when the pass
// is complete. Every rank's source must yield the same number of batches or
// the reduction collective deadlocks.
type BatchSource interface {
	Next(ctx context.Context) (Batch, error)
}

// Collective is the subset of the process-group channel the aggregator
// needs. Satisfied by *collective.Client.
type Collective interface {
	Barrier(ctx context.Context) error
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)
}

// Aggregator reduces per-rank partial results into one global perplexity.
// Run is called identically on every rank; no rank may skip a call other
// ranks make.
type Aggregator struct {
	cfg  *config.RunConfig
	comm Collective
	sink *metrics.Sink
}

// New creates an aggregator bound to this rank's config, group channel, and
// metric sink.
func New(cfg *config.RunConfig, comm Collective, sink *metrics.Sink) *Aggregator {
	return &Aggregator{cfg: cfg, comm: comm, sink: sink}
}

// Run executes one evaluation pass and returns the global perplexity,
// identical across ranks. Only the reporting rank appends metric records.
func (a *Aggregator) Run(ctx context.Context, src BatchSource) (float64, error) {
	// No rank evaluates until every rank has finished setup.
	if err := a.comm.Barrier(ctx); err != nil {
		return 0, err
	}

	var (
		totalLogPerplexity float64
		totalNumTokens     int64
		totalSamples       int64
	)

	for {
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("evaluation batch failed: %w", err)
		}

		global, err := a.comm.AllReduceSum(ctx, []float64{
			batch.LogPerplexity,
			float64(batch.LossCountedTokens),
			float64(batch.Samples),
		})
		if err != nil {
			return 0, err
		}

		logPerplexity, numTokens, numSamples := global[0], global[1], global[2]
		totalLogPerplexity += logPerplexity
		totalNumTokens += int64(numTokens)
		totalSamples += int64(numSamples)

		if a.cfg.IsReportingRank() {
			if err := a.sink.LogSync(metrics.Record{
				"log_perplexity":          logPerplexity,
				"num_loss_counted_tokens": numTokens,
				"total_log_perplexity":    totalLogPerplexity,
				"total_num_tokens":        totalNumTokens,
				"num_samples":             numSamples,
				"total_samples":           totalSamples,
			}); err != nil {
				return 0, err
			}
		}
	}

	if totalNumTokens == 0 {
		return 0, ErrNoLossTokens
	}

	averageLogPerplexity := totalLogPerplexity / float64(totalNumTokens)
	perplexity := math.Exp(averageLogPerplexity)

	if a.cfg.IsReportingRank() {
		if err := a.sink.LogSync(metrics.Record{
			"average_log_perp":     averageLogPerplexity,
			"avg_perplexity":       perplexity,
			"total_log_perplexity": totalLogPerplexity,
			"total_num_tokens":     totalNumTokens,
			"total_samples":        totalSamples,
		}); err != nil {
			return 0, err
		}
	}

	logger.Info(ctx, "Evaluation pass finished",
		"rank", a.cfg.Rank,
		"perplexity", perplexity,
		"total_num_tokens", totalNumTokens,
		"total_samples", totalSamples)

	return perplexity, nil
}
