package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"registryScope/internal/metrics"
)

const defaultMaxGapPasses = 16

// GapRange is an inclusive range of blocks no path has processed.
type GapRange struct {
	Start uint64
	End   uint64
}

// Size returns the number of blocks in the gap.
func (g GapRange) Size() uint64 {
	if g.End < g.Start {
		return 0
	}
	return g.End - g.Start + 1
}

type rangeProcessor interface {
	ConfirmedHead(ctx context.Context) (uint64, error)
	ProcessRange(ctx context.Context, from, to uint64) (uint64, error)
}

// ContinuityVerifier backfills blocks between the highest processed block and
// the chain head before live processing takes over that range.
type ContinuityVerifier struct {
	processor rangeProcessor
	maxPasses int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewContinuityVerifier builds a verifier. maxPasses <= 0 uses a default.
func NewContinuityVerifier(processor rangeProcessor, maxPasses int, logger *zap.Logger, m *metrics.Metrics) *ContinuityVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPasses <= 0 {
		maxPasses = defaultMaxGapPasses
	}
	return &ContinuityVerifier{
		processor: processor,
		maxPasses: maxPasses,
		logger:    logger,
		metrics:   m,
	}
}

// Verify fills [highestProcessed+1, head] until the head stops moving or the
// pass limit is reached, and returns the new highest processed block.
func (v *ContinuityVerifier) Verify(ctx context.Context, highestProcessed uint64) (uint64, error) {
	highest := highestProcessed
	for pass := 0; pass < v.maxPasses; pass++ {
		head, err := v.processor.ConfirmedHead(ctx)
		if err != nil {
			return highest, err
		}
		if head <= highest {
			return highest, nil
		}

		gap := GapRange{Start: highest + 1, End: head}
		v.logger.Info("continuity gap",
			zap.Uint64("start", gap.Start),
			zap.Uint64("end", gap.End),
			zap.Uint64("size", gap.Size()),
			zap.Int("pass", pass+1),
		)

		next, err := v.processor.ProcessRange(ctx, gap.Start, gap.End)
		if err != nil {
			return highest, fmt.Errorf("fill gap %d-%d: %w", gap.Start, gap.End, err)
		}
		v.metrics.GapBlocks(next - highest)
		highest = next
	}

	v.logger.Warn("head still moving after gap passes", zap.Uint64("highest", highest), zap.Int("passes", v.maxPasses))
	return highest, nil
}
