package registry

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"registryScope/internal/model"
)

const (
	eventRegistered = "ToolRegistered"
	eventUpdated    = "ToolUpdated"
	eventOwnership  = "ToolOwnershipTransferred"
)

// ToolLog is the raw content of a ToolRegistered or ToolUpdated log. The
// name is only available as its keccak256 hash.
type ToolLog struct {
	NameHash    common.Hash
	Publisher   common.Address
	Major       uint32
	Minor       uint32
	Patch       uint32
	ContentHash common.Hash
	Timestamp   uint64
}

// OwnershipLog is the raw content of a ToolOwnershipTransferred log.
type OwnershipLog struct {
	NameHash      common.Hash
	PreviousOwner common.Address
	NewOwner      common.Address
}

// Contract binds the registry ABI to a deployed address.
type Contract struct {
	address common.Address
	abi     abi.ABI
	topics  map[model.EventType]common.Hash
	names   map[model.EventType]string
}

// NewContract builds a Contract from a parsed ABI.
func NewContract(address common.Address, parsed abi.ABI) (*Contract, error) {
	if err := validateABI(parsed); err != nil {
		return nil, err
	}

	names := map[model.EventType]string{
		model.EventToolRegistered:       eventRegistered,
		model.EventToolUpdated:          eventUpdated,
		model.EventOwnershipTransferred: eventOwnership,
	}
	topics := make(map[model.EventType]common.Hash, len(names))
	for eventType, name := range names {
		topics[eventType] = parsed.Events[name].ID
	}

	return &Contract{
		address: address,
		abi:     parsed,
		topics:  topics,
		names:   names,
	}, nil
}

// Address returns the contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *Contract) ABI() abi.ABI {
	return c.abi
}

// Topic returns the topic0 of an event type.
func (c *Contract) Topic(eventType model.EventType) common.Hash {
	return c.topics[eventType]
}

// EventTypeOf maps a log's topic0 back to its event type.
func (c *Contract) EventTypeOf(log types.Log) (model.EventType, bool) {
	if len(log.Topics) == 0 {
		return "", false
	}
	for eventType, topic := range c.topics {
		if topic == log.Topics[0] {
			return eventType, true
		}
	}
	return "", false
}

// DecodeToolLog decodes a ToolRegistered or ToolUpdated log.
func (c *Contract) DecodeToolLog(eventType model.EventType, log types.Log) (ToolLog, error) {
	if eventType != model.EventToolRegistered && eventType != model.EventToolUpdated {
		return ToolLog{}, fmt.Errorf("not a tool version event: %s", eventType)
	}
	if err := c.checkTopics(eventType, log, 3); err != nil {
		return ToolLog{}, err
	}

	values := make(map[string]interface{})
	if err := c.abi.UnpackIntoMap(values, c.names[eventType], log.Data); err != nil {
		return ToolLog{}, fmt.Errorf("unpack %s: %w", eventType, err)
	}

	major, err := asUint32(values["major"])
	if err != nil {
		return ToolLog{}, fmt.Errorf("major: %w", err)
	}
	minor, err := asUint32(values["minor"])
	if err != nil {
		return ToolLog{}, fmt.Errorf("minor: %w", err)
	}
	patch, err := asUint32(values["patch"])
	if err != nil {
		return ToolLog{}, fmt.Errorf("patch: %w", err)
	}
	contentHash, err := asHash(values["contentHash"])
	if err != nil {
		return ToolLog{}, fmt.Errorf("content hash: %w", err)
	}
	timestamp, err := asBigInt(values["timestamp"])
	if err != nil {
		return ToolLog{}, fmt.Errorf("timestamp: %w", err)
	}
	if !timestamp.IsInt64() || timestamp.Sign() < 0 {
		return ToolLog{}, fmt.Errorf("timestamp out of range: %s", timestamp)
	}

	return ToolLog{
		NameHash:    log.Topics[1],
		Publisher:   common.BytesToAddress(log.Topics[2].Bytes()),
		Major:       major,
		Minor:       minor,
		Patch:       patch,
		ContentHash: contentHash,
		Timestamp:   timestamp.Uint64(),
	}, nil
}

// DecodeOwnershipLog decodes a ToolOwnershipTransferred log.
func (c *Contract) DecodeOwnershipLog(log types.Log) (OwnershipLog, error) {
	if err := c.checkTopics(model.EventOwnershipTransferred, log, 4); err != nil {
		return OwnershipLog{}, err
	}
	return OwnershipLog{
		NameHash:      log.Topics[1],
		PreviousOwner: common.BytesToAddress(log.Topics[2].Bytes()),
		NewOwner:      common.BytesToAddress(log.Topics[3].Bytes()),
	}, nil
}

func (c *Contract) checkTopics(eventType model.EventType, log types.Log, want int) error {
	if len(log.Topics) != want {
		return fmt.Errorf("%s: expected %d topics, got %d", eventType, want, len(log.Topics))
	}
	if log.Topics[0] != c.topics[eventType] {
		return fmt.Errorf("%s: unexpected topic0 %s", eventType, log.Topics[0].Hex())
	}
	return nil
}

func asUint32(value interface{}) (uint32, error) {
	switch v := value.(type) {
	case uint32:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > uint64(^uint32(0)) {
			return 0, fmt.Errorf("value out of range: %s", v)
		}
		return uint32(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asHash(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case [32]byte:
		return common.Hash(v), nil
	case common.Hash:
		return v, nil
	default:
		return common.Hash{}, fmt.Errorf("unexpected type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", value)
	}
}
