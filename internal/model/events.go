package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a registry contract event mirrored by the indexer.
type EventType string

const (
	EventToolRegistered       EventType = "ToolRegistered"
	EventToolUpdated          EventType = "ToolUpdated"
	EventOwnershipTransferred EventType = "ToolOwnershipTransferred"
)

// EventTypes lists the indexed events in the order they are queried per chunk.
var EventTypes = []EventType{
	EventToolRegistered,
	EventToolUpdated,
	EventOwnershipTransferred,
}

// EventKey identifies an indexed event. Two occurrences with the same key are
// the same fact.
type EventKey struct {
	TxHash common.Hash `json:"tx_hash"`
	Type   EventType   `json:"event_type"`
}

func (k EventKey) String() string {
	return k.TxHash.Hex() + ":" + string(k.Type)
}

// ToolVersion carries the fields shared by registration and update events.
type ToolVersion struct {
	Name         string         `json:"name"`
	NameHash     common.Hash    `json:"name_hash"`
	Major        uint32         `json:"major"`
	Minor        uint32         `json:"minor"`
	Patch        uint32         `json:"patch"`
	ContentHash  common.Hash    `json:"content_hash"`
	MetadataHash common.Hash    `json:"metadata_hash"`
	Publisher    common.Address `json:"publisher"`
	Timestamp    time.Time      `json:"timestamp"`
	BlockNumber  uint64         `json:"block_number"`
	TxHash       common.Hash    `json:"tx_hash"`
	LogIndex     uint           `json:"log_index"`
}

// ToolRegisteredEvent is emitted when a tool is first published.
type ToolRegisteredEvent struct {
	ToolVersion
}

func (e ToolRegisteredEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, Type: EventToolRegistered}
}

func (e ToolRegisteredEvent) Block() uint64 { return e.BlockNumber }

// ToolUpdatedEvent is emitted when a new version of a tool is published.
type ToolUpdatedEvent struct {
	ToolVersion
}

func (e ToolUpdatedEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, Type: EventToolUpdated}
}

func (e ToolUpdatedEvent) Block() uint64 { return e.BlockNumber }

// OwnershipTransferredEvent is emitted when a tool changes owner.
type OwnershipTransferredEvent struct {
	Name          string         `json:"name"`
	NameHash      common.Hash    `json:"name_hash"`
	PreviousOwner common.Address `json:"previous_owner"`
	NewOwner      common.Address `json:"new_owner"`
	BlockNumber   uint64         `json:"block_number"`
	TxHash        common.Hash    `json:"tx_hash"`
	LogIndex      uint           `json:"log_index"`
}

func (e OwnershipTransferredEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, Type: EventOwnershipTransferred}
}

func (e OwnershipTransferredEvent) Block() uint64 { return e.BlockNumber }
