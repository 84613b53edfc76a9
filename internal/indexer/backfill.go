package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"registryScope/internal/metrics"
	"registryScope/internal/model"
	"registryScope/internal/registry"
)

// BackfillConfig holds settings for historical replay.
type BackfillConfig struct {
	ChunkSize     uint64
	Confirmations uint64
	Retry         RetryConfig
	// MaxGapPasses bounds how often the continuity verifier re-reads the head.
	MaxGapPasses int
}

// Backfiller replays registry events over a past block range.
type Backfiller struct {
	cfg        BackfillConfig
	provider   Provider
	contract   *registry.Contract
	normalizer *Normalizer
	callbacks  Callbacks
	verifier   *ContinuityVerifier
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewBackfiller builds a Backfiller with its continuity verifier.
func NewBackfiller(cfg BackfillConfig, provider Provider, contract *registry.Contract, normalizer *Normalizer, callbacks Callbacks, logger *zap.Logger, m *metrics.Metrics) *Backfiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	b := &Backfiller{
		cfg:        cfg,
		provider:   provider,
		contract:   contract,
		normalizer: normalizer,
		callbacks:  callbacks,
		logger:     logger,
		metrics:    m,
	}
	b.verifier = NewContinuityVerifier(b, cfg.MaxGapPasses, logger, m)
	return b
}

// Verifier returns the continuity verifier bound to this backfiller.
func (b *Backfiller) Verifier() *ContinuityVerifier {
	return b.verifier
}

// Run replays [fromBlock, head] and then closes any gap opened while it ran.
// It returns the highest block fully processed. fromBlock is inclusive, so
// fromBlock == head still processes that block; only a fromBlock beyond the
// head returns at once. The continuity check runs once after the planned
// range and keeps chasing the head until it stops moving.
func (b *Backfiller) Run(ctx context.Context, fromBlock uint64) (uint64, error) {
	head, err := b.ConfirmedHead(ctx)
	if err != nil {
		return 0, err
	}
	if fromBlock > head {
		b.logger.Info("nothing to backfill", zap.Uint64("from", fromBlock), zap.Uint64("head", head))
		return head, nil
	}

	highest, err := b.ProcessRange(ctx, fromBlock, head)
	if err != nil {
		return highest, err
	}
	return b.verifier.Verify(ctx, highest)
}

// ConfirmedHead returns the latest block minus the configured confirmations.
func (b *Backfiller) ConfirmedHead(ctx context.Context) (uint64, error) {
	latest, err := Retry(ctx, b.retryConfig("block_number"), func(ctx context.Context) (uint64, error) {
		return b.provider.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}

	head := uint64(0)
	if latest > b.cfg.Confirmations {
		head = latest - b.cfg.Confirmations
	}
	b.metrics.Head(head)
	return head, nil
}

// ProcessRange replays [from, to] chunk by chunk and checkpoints each chunk
// once all three event types were delivered. On error it returns the last
// checkpointed block.
func (b *Backfiller) ProcessRange(ctx context.Context, from, to uint64) (uint64, error) {
	ranges, err := SplitRange(from, to, b.cfg.ChunkSize)
	if err != nil {
		return 0, err
	}

	var highest uint64
	if from > 0 {
		highest = from - 1
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return highest, ctx.Err()
		default:
		}

		b.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logsByType := make(map[model.EventType][]types.Log, len(model.EventTypes))
		for _, eventType := range model.EventTypes {
			logs, err := b.filterLogsWithRetry(ctx, eventType, blockRange)
			if err != nil {
				return highest, fmt.Errorf("filter %s logs %d-%d: %w", eventType, blockRange.From, blockRange.To, err)
			}
			logsByType[eventType] = logs
		}

		delivered := 0
		for _, eventType := range model.EventTypes {
			for _, log := range logsByType[eventType] {
				ok, err := b.deliver(ctx, eventType, log)
				if err != nil {
					return highest, err
				}
				if ok {
					delivered++
				}
			}
		}

		if err := b.callbacks.OnProcessedBlock(ctx, blockRange.To); err != nil {
			return highest, fmt.Errorf("checkpoint %d: %w", blockRange.To, err)
		}
		highest = blockRange.To
		b.metrics.ChunkProcessed()

		b.logger.Info("chunk complete", zap.Int("events", delivered), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return highest, nil
}

func (b *Backfiller) deliver(ctx context.Context, eventType model.EventType, log types.Log) (bool, error) {
	record, err := b.normalizer.Normalize(ctx, eventType, log)
	if err != nil {
		if errors.Is(err, ErrDropped) {
			return false, nil
		}
		return false, fmt.Errorf("resolve %s in tx %s: %w", eventType, log.TxHash.Hex(), err)
	}

	if err := deliverRecord(ctx, b.callbacks, record); err != nil {
		b.metrics.DeliveryFailed(string(eventType))
		return false, fmt.Errorf("deliver %s: %w", record.Key(), err)
	}
	return true, nil
}

func (b *Backfiller) filterLogsWithRetry(ctx context.Context, eventType model.EventType, blockRange BlockRange) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(blockRange.From),
		ToBlock:   new(big.Int).SetUint64(blockRange.To),
		Addresses: []common.Address{b.contract.Address()},
		Topics:    [][]common.Hash{{b.contract.Topic(eventType)}},
	}

	return Retry(ctx, b.retryConfig("filter_logs", zap.String("event", string(eventType)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To)),
		func(ctx context.Context) ([]types.Log, error) {
			return b.provider.FilterLogs(ctx, query)
		})
}

func (b *Backfiller) retryConfig(call string, fields ...zap.Field) RetryConfig {
	logger := b.logger.With(fields...)
	cfg := b.cfg.Retry
	cfg.OnRetry = func(err error, delay time.Duration) {
		b.metrics.RPCRetry(call)
		logger.Warn(call+" failed", zap.Error(err), zap.Duration("retry_in", delay))
	}
	return cfg
}
