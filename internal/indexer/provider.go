package indexer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"registryScope/internal/model"
)

// Provider is the subset of the chain client used by the indexer.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Callbacks receives indexed records and checkpoint progress. Both the
// backfill and the live path deliver through it.
type Callbacks interface {
	OnToolRegistered(ctx context.Context, event model.ToolRegisteredEvent) error
	OnToolUpdated(ctx context.Context, event model.ToolUpdatedEvent) error
	OnOwnershipTransferred(ctx context.Context, event model.OwnershipTransferredEvent) error
	OnProcessedBlock(ctx context.Context, blockNumber uint64) error
}

// Sink is a Callbacks implementation that also remembers its checkpoint.
type Sink interface {
	Callbacks
	LastProcessedBlock(ctx context.Context) (uint64, bool, error)
}

func deliverRecord(ctx context.Context, callbacks Callbacks, record model.Record) error {
	switch ev := record.(type) {
	case model.ToolRegisteredEvent:
		return callbacks.OnToolRegistered(ctx, ev)
	case model.ToolUpdatedEvent:
		return callbacks.OnToolUpdated(ctx, ev)
	case model.OwnershipTransferredEvent:
		return callbacks.OnOwnershipTransferred(ctx, ev)
	default:
		return fmt.Errorf("unsupported record type %T", record)
	}
}
