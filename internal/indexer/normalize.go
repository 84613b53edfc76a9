package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"registryScope/internal/metrics"
	"registryScope/internal/model"
	"registryScope/internal/registry"
)

// ResolutionPolicy decides what happens to an event whose name cannot be
// recovered from its transaction.
type ResolutionPolicy string

const (
	// PolicyDrop skips the event and records it as dropped.
	PolicyDrop ResolutionPolicy = "drop"
	// PolicyPlaceholder records the event under "tool-<hash prefix>" with a
	// zero metadata hash.
	PolicyPlaceholder ResolutionPolicy = "placeholder"
)

// ParsePolicy parses a policy name. Empty selects PolicyDrop.
func ParsePolicy(input string) (ResolutionPolicy, error) {
	switch ResolutionPolicy(strings.ToLower(strings.TrimSpace(input))) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyPlaceholder:
		return PolicyPlaceholder, nil
	default:
		return "", fmt.Errorf("unknown resolution policy: %s", input)
	}
}

var (
	// ErrDropped wraps every reason a log was skipped without a record.
	ErrDropped = errors.New("event dropped")
	// ErrMissingTxHash is returned for logs that cannot be deduplicated.
	ErrMissingTxHash = errors.New("missing tx hash")
)

// CallResolver recovers the registry call behind a transaction.
type CallResolver interface {
	ResolveCall(ctx context.Context, txHash common.Hash) (registry.ToolCall, error)
}

// DropRecorder persists dropped events for later inspection.
type DropRecorder interface {
	RecordDrop(event model.DroppedEvent) error
}

// Normalizer turns raw registry logs into resolved records.
type Normalizer struct {
	contract *registry.Contract
	resolver CallResolver
	policy   ResolutionPolicy
	drops    DropRecorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewNormalizer builds a Normalizer. drops may be nil.
func NewNormalizer(contract *registry.Contract, resolver CallResolver, policy ResolutionPolicy, drops DropRecorder, logger *zap.Logger, m *metrics.Metrics) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = PolicyDrop
	}
	return &Normalizer{
		contract: contract,
		resolver: resolver,
		policy:   policy,
		drops:    drops,
		logger:   logger,
		metrics:  m,
	}
}

// Normalize resolves a log of the given event type. Errors wrapping
// ErrDropped mean the log was skipped on purpose; other errors are RPC
// failures.
func (n *Normalizer) Normalize(ctx context.Context, eventType model.EventType, log types.Log) (model.Record, error) {
	if log.TxHash == (common.Hash{}) {
		return nil, n.drop(eventType, log, common.Hash{}, ErrMissingTxHash)
	}

	switch eventType {
	case model.EventToolRegistered, model.EventToolUpdated:
		decoded, err := n.contract.DecodeToolLog(eventType, log)
		if err != nil {
			return nil, n.drop(eventType, log, common.Hash{}, err)
		}

		name, metadataHash, err := n.resolveTool(ctx, log.TxHash, decoded.NameHash)
		if err != nil {
			if errors.Is(err, ErrUnresolved) {
				return nil, n.drop(eventType, log, decoded.NameHash, err)
			}
			return nil, err
		}

		version := model.ToolVersion{
			Name:         name,
			NameHash:     decoded.NameHash,
			Major:        decoded.Major,
			Minor:        decoded.Minor,
			Patch:        decoded.Patch,
			ContentHash:  decoded.ContentHash,
			MetadataHash: metadataHash,
			Publisher:    decoded.Publisher,
			Timestamp:    time.Unix(int64(decoded.Timestamp), 0).UTC(),
			BlockNumber:  log.BlockNumber,
			TxHash:       log.TxHash,
			LogIndex:     log.Index,
		}
		if eventType == model.EventToolRegistered {
			return model.ToolRegisteredEvent{ToolVersion: version}, nil
		}
		return model.ToolUpdatedEvent{ToolVersion: version}, nil

	case model.EventOwnershipTransferred:
		decoded, err := n.contract.DecodeOwnershipLog(log)
		if err != nil {
			return nil, n.drop(eventType, log, common.Hash{}, err)
		}

		name, err := n.resolveName(ctx, log.TxHash, decoded.NameHash)
		if err != nil {
			if errors.Is(err, ErrUnresolved) {
				return nil, n.drop(eventType, log, decoded.NameHash, err)
			}
			return nil, err
		}

		return model.OwnershipTransferredEvent{
			Name:          name,
			NameHash:      decoded.NameHash,
			PreviousOwner: decoded.PreviousOwner,
			NewOwner:      decoded.NewOwner,
			BlockNumber:   log.BlockNumber,
			TxHash:        log.TxHash,
			LogIndex:      log.Index,
		}, nil

	default:
		return nil, n.drop(eventType, log, common.Hash{}, fmt.Errorf("unsupported event type %q", eventType))
	}
}

func (n *Normalizer) resolveTool(ctx context.Context, txHash, nameHash common.Hash) (string, common.Hash, error) {
	call, err := n.resolveCall(ctx, txHash, nameHash)
	if err == nil && !call.HasMetadata {
		err = fmt.Errorf("%w: %s carries no metadata hash", ErrUnresolved, call.Method)
	}
	if err != nil {
		if errors.Is(err, ErrUnresolved) && n.policy == PolicyPlaceholder {
			return PlaceholderName(nameHash), common.Hash{}, nil
		}
		return "", common.Hash{}, err
	}
	return call.Name, call.MetadataHash, nil
}

func (n *Normalizer) resolveName(ctx context.Context, txHash, nameHash common.Hash) (string, error) {
	call, err := n.resolveCall(ctx, txHash, nameHash)
	if err != nil {
		if errors.Is(err, ErrUnresolved) && n.policy == PolicyPlaceholder {
			return PlaceholderName(nameHash), nil
		}
		return "", err
	}
	return call.Name, nil
}

func (n *Normalizer) resolveCall(ctx context.Context, txHash, nameHash common.Hash) (registry.ToolCall, error) {
	call, err := n.resolver.ResolveCall(ctx, txHash)
	if err != nil {
		return registry.ToolCall{}, err
	}
	if call.NameHash() != nameHash {
		return registry.ToolCall{}, fmt.Errorf("%w: %s name does not match topic %s", ErrUnresolved, call.Method, nameHash.Hex())
	}
	return call, nil
}

func (n *Normalizer) drop(eventType model.EventType, log types.Log, nameHash common.Hash, reason error) error {
	n.metrics.EventDropped(string(eventType))
	n.logger.Error("drop event",
		zap.String("event", string(eventType)),
		zap.Uint64("block_number", log.BlockNumber),
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Uint("log_index", log.Index),
		zap.Error(reason),
	)

	if n.drops != nil {
		record := model.DroppedEvent{
			EventType:   eventType,
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash.Hex(),
			LogIndex:    uint64(log.Index),
			NameHash:    nameHash.Hex(),
			Reason:      reason.Error(),
			ObservedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := n.drops.RecordDrop(record); err != nil {
			n.logger.Warn("record dropped event failed", zap.Error(err))
		}
	}

	return fmt.Errorf("%w: %v", ErrDropped, reason)
}

// PlaceholderName is the fallback identity of an unresolved tool name. It is
// not unique across different names sharing a prefix.
func PlaceholderName(nameHash common.Hash) string {
	return "tool-" + strings.TrimPrefix(nameHash.Hex(), "0x")[:8]
}
