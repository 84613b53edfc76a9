package storage

import (
	"context"

	"registryScope/internal/model"
)

// Sink persists resolved registry records and the last processed block.
// Delivering the same model.EventKey twice must leave one copy.
type Sink interface {
	OnToolRegistered(ctx context.Context, event model.ToolRegisteredEvent) error
	OnToolUpdated(ctx context.Context, event model.ToolUpdatedEvent) error
	OnOwnershipTransferred(ctx context.Context, event model.OwnershipTransferredEvent) error
	OnProcessedBlock(ctx context.Context, blockNumber uint64) error
	LastProcessedBlock(ctx context.Context) (uint64, bool, error)
	Close() error
}
