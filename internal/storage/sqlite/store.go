package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"registryScope/internal/model"
)

const stateName = "registry"

// Store wraps SQLite-backed persistence for registry records and the
// checkpoint.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS tool_events (
  tx_hash       TEXT NOT NULL,
  event_type    TEXT NOT NULL,
  name          TEXT NOT NULL,
  name_hash     TEXT NOT NULL,
  major         INTEGER NOT NULL,
  minor         INTEGER NOT NULL,
  patch         INTEGER NOT NULL,
  content_hash  TEXT NOT NULL,
  metadata_hash TEXT NOT NULL,
  publisher     TEXT NOT NULL,
  event_ts      INTEGER NOT NULL,
  block_number  INTEGER NOT NULL,
  log_index     INTEGER NOT NULL,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(tx_hash, event_type)
);

CREATE TABLE IF NOT EXISTS tool_ownership_transfers (
  tx_hash        TEXT NOT NULL,
  event_type     TEXT NOT NULL,
  name           TEXT NOT NULL,
  name_hash      TEXT NOT NULL,
  previous_owner TEXT NOT NULL,
  new_owner      TEXT NOT NULL,
  block_number   INTEGER NOT NULL,
  log_index      INTEGER NOT NULL,
  created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(tx_hash, event_type)
);

CREATE TABLE IF NOT EXISTS indexer_state (
  name                 TEXT PRIMARY KEY,
  last_processed_block INTEGER NOT NULL,
  updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) OnToolRegistered(ctx context.Context, event model.ToolRegisteredEvent) error {
	return s.insertToolVersion(ctx, model.EventToolRegistered, event.ToolVersion)
}

func (s *Store) OnToolUpdated(ctx context.Context, event model.ToolUpdatedEvent) error {
	return s.insertToolVersion(ctx, model.EventToolUpdated, event.ToolVersion)
}

func (s *Store) insertToolVersion(ctx context.Context, eventType model.EventType, v model.ToolVersion) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tool_events (
  tx_hash, event_type, name, name_hash, major, minor, patch,
  content_hash, metadata_hash, publisher, event_ts, block_number, log_index
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash, event_type) DO NOTHING;`,
		v.TxHash.Hex(), string(eventType), v.Name, v.NameHash.Hex(),
		int64(v.Major), int64(v.Minor), int64(v.Patch),
		v.ContentHash.Hex(), v.MetadataHash.Hex(), v.Publisher.Hex(),
		v.Timestamp.Unix(), int64(v.BlockNumber), int64(v.LogIndex),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", eventType, err)
	}
	return nil
}

func (s *Store) OnOwnershipTransferred(ctx context.Context, event model.OwnershipTransferredEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tool_ownership_transfers (
  tx_hash, event_type, name, name_hash, previous_owner, new_owner, block_number, log_index
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash, event_type) DO NOTHING;`,
		event.TxHash.Hex(), string(model.EventOwnershipTransferred), event.Name, event.NameHash.Hex(),
		event.PreviousOwner.Hex(), event.NewOwner.Hex(), int64(event.BlockNumber), int64(event.LogIndex),
	)
	if err != nil {
		return fmt.Errorf("insert ownership transfer: %w", err)
	}
	return nil
}

// OnProcessedBlock records the checkpoint; it never moves backwards.
func (s *Store) OnProcessedBlock(ctx context.Context, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO indexer_state (name, last_processed_block, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET
  last_processed_block=MAX(indexer_state.last_processed_block, excluded.last_processed_block),
  updated_at=CURRENT_TIMESTAMP;`, stateName, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LastProcessedBlock returns the stored checkpoint.
func (s *Store) LastProcessedBlock(ctx context.Context) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx, `SELECT last_processed_block FROM indexer_state WHERE name = ?`, stateName).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return uint64(block), true, nil
}
