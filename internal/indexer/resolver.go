package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"registryScope/internal/metrics"
	"registryScope/internal/registry"
)

const defaultTxCacheSize = 4096

// ErrUnresolved means the originating transaction does not yield the data an
// event needs. It is never retried.
var ErrUnresolved = errors.New("unresolved transaction")

// Resolver recovers the plaintext arguments of the registry call that emitted
// an event by decoding the transaction input.
type Resolver struct {
	provider Provider
	contract *registry.Contract
	retry    RetryConfig
	cache    *lru.Cache[common.Hash, registry.ToolCall]
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewResolver builds a Resolver. cacheSize <= 0 uses a default size.
func NewResolver(provider Provider, contract *registry.Contract, retry RetryConfig, cacheSize int, logger *zap.Logger, m *metrics.Metrics) (*Resolver, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is nil")
	}
	if contract == nil {
		return nil, fmt.Errorf("contract is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = defaultTxCacheSize
	}
	cache, err := lru.New[common.Hash, registry.ToolCall](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("tx cache: %w", err)
	}

	return &Resolver{
		provider: provider,
		contract: contract,
		retry:    retry,
		cache:    cache,
		logger:   logger,
		metrics:  m,
	}, nil
}

// ResolveCall fetches and decodes the registry call of a transaction. Errors
// wrapping ErrUnresolved mean the data is unavailable; any other error is an
// RPC failure that outlived its retries.
func (r *Resolver) ResolveCall(ctx context.Context, txHash common.Hash) (registry.ToolCall, error) {
	if txHash == (common.Hash{}) {
		return registry.ToolCall{}, fmt.Errorf("%w: empty tx hash", ErrUnresolved)
	}
	if call, ok := r.cache.Get(txHash); ok {
		return call, nil
	}

	retry := r.retry
	retry.OnRetry = func(err error, delay time.Duration) {
		r.metrics.RPCRetry("tx_by_hash")
		r.logger.Warn("tx fetch failed", zap.Error(err), zap.String("tx_hash", txHash.Hex()), zap.Duration("retry_in", delay))
	}

	tx, err := Retry(ctx, retry, func(ctx context.Context) (*types.Transaction, error) {
		tx, _, err := r.provider.TransactionByHash(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, Permanent(err)
		}
		return tx, err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return registry.ToolCall{}, fmt.Errorf("%w: tx %s not found", ErrUnresolved, txHash.Hex())
		}
		return registry.ToolCall{}, fmt.Errorf("fetch tx %s: %w", txHash.Hex(), err)
	}
	if tx == nil {
		return registry.ToolCall{}, fmt.Errorf("%w: tx %s not found", ErrUnresolved, txHash.Hex())
	}
	if len(tx.Data()) == 0 {
		return registry.ToolCall{}, fmt.Errorf("%w: tx %s has no input", ErrUnresolved, txHash.Hex())
	}

	call, err := r.contract.DecodeCall(tx.Data())
	if err != nil {
		return registry.ToolCall{}, fmt.Errorf("%w: %w", ErrUnresolved, err)
	}

	r.cache.Add(txHash, call)
	return call, nil
}

// ResolveName returns the plaintext tool name passed to the transaction.
// ok is false when the name cannot be recovered.
func (r *Resolver) ResolveName(ctx context.Context, txHash common.Hash) (string, bool, error) {
	call, err := r.ResolveCall(ctx, txHash)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return "", false, nil
		}
		return "", false, err
	}
	return call.Name, true, nil
}

// ResolveMetadataHash returns the metadata hash passed to registerTool or
// updateToolMetadata.
func (r *Resolver) ResolveMetadataHash(ctx context.Context, txHash common.Hash) (common.Hash, bool, error) {
	call, err := r.ResolveCall(ctx, txHash)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, err
	}
	if !call.HasMetadata {
		return common.Hash{}, false, nil
	}
	return call.MetadataHash, true, nil
}
