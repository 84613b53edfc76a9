package model

import (
	"encoding/json"
	"fmt"
)

// Record is a resolved registry event ready for delivery.
type Record interface {
	Key() EventKey
	Block() uint64
}

// RecordLine is the JSON representation of a record in line-oriented sinks.
type RecordLine struct {
	EventType EventType       `json:"event_type"`
	Record    json.RawMessage `json:"record"`
}

// MarshalRecord wraps a record with its event type.
func MarshalRecord(record Record) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RecordLine{EventType: record.Key().Type, Record: payload})
}

// UnmarshalRecord decodes a line produced by MarshalRecord.
func UnmarshalRecord(data []byte) (Record, error) {
	var line RecordLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, err
	}

	switch line.EventType {
	case EventToolRegistered:
		var ev ToolRegisteredEvent
		if err := json.Unmarshal(line.Record, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventToolUpdated:
		var ev ToolUpdatedEvent
		if err := json.Unmarshal(line.Record, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventOwnershipTransferred:
		var ev OwnershipTransferredEvent
		if err := json.Unmarshal(line.Record, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", line.EventType)
	}
}
