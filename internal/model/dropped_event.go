package model

// DroppedEvent records a log the indexer refused to turn into a record.
type DroppedEvent struct {
	EventType   EventType `json:"event_type"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint64    `json:"log_index"`
	NameHash    string    `json:"name_hash"`
	Reason      string    `json:"reason"`
	ObservedAt  string    `json:"observed_at"`
}
