package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"registryScope/internal/model"
)

const stateName = "registry"

const schema = `
CREATE TABLE IF NOT EXISTS tool_events (
	tx_hash       TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	name          TEXT NOT NULL,
	name_hash     TEXT NOT NULL,
	major         BIGINT NOT NULL,
	minor         BIGINT NOT NULL,
	patch         BIGINT NOT NULL,
	content_hash  TEXT NOT NULL,
	metadata_hash TEXT NOT NULL,
	publisher     TEXT NOT NULL,
	event_ts      TIMESTAMPTZ NOT NULL,
	block_number  BIGINT NOT NULL,
	log_index     BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tx_hash, event_type)
);

CREATE TABLE IF NOT EXISTS tool_ownership_transfers (
	tx_hash        TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	name           TEXT NOT NULL,
	name_hash      TEXT NOT NULL,
	previous_owner TEXT NOT NULL,
	new_owner      TEXT NOT NULL,
	block_number   BIGINT NOT NULL,
	log_index      BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tx_hash, event_type)
);

CREATE TABLE IF NOT EXISTS indexer_state (
	name                 TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const (
	insertToolEvent = `
INSERT INTO tool_events (
	tx_hash, event_type, name, name_hash, major, minor, patch,
	content_hash, metadata_hash, publisher, event_ts, block_number, log_index
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (tx_hash, event_type) DO NOTHING`

	insertOwnershipTransfer = `
INSERT INTO tool_ownership_transfers (
	tx_hash, event_type, name, name_hash, previous_owner, new_owner, block_number, log_index
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (tx_hash, event_type) DO NOTHING`
)

// Store provides Postgres persistence for registry records.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the registry tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
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
	_, err := s.pool.Exec(ctx, insertToolEvent,
		v.TxHash.Hex(),
		string(eventType),
		v.Name,
		v.NameHash.Hex(),
		int64(v.Major),
		int64(v.Minor),
		int64(v.Patch),
		v.ContentHash.Hex(),
		v.MetadataHash.Hex(),
		v.Publisher.Hex(),
		v.Timestamp,
		int64(v.BlockNumber),
		int64(v.LogIndex),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", eventType, err)
	}
	return nil
}

func (s *Store) OnOwnershipTransferred(ctx context.Context, event model.OwnershipTransferredEvent) error {
	_, err := s.pool.Exec(ctx, insertOwnershipTransfer,
		event.TxHash.Hex(),
		string(model.EventOwnershipTransferred),
		event.Name,
		event.NameHash.Hex(),
		event.PreviousOwner.Hex(),
		event.NewOwner.Hex(),
		int64(event.BlockNumber),
		int64(event.LogIndex),
	)
	if err != nil {
		return fmt.Errorf("insert ownership transfer: %w", err)
	}
	return nil
}

// OnProcessedBlock advances the checkpoint; it never moves backwards.
func (s *Store) OnProcessedBlock(ctx context.Context, blockNumber uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = GREATEST(indexer_state.last_processed_block, EXCLUDED.last_processed_block),
			updated_at = now()
	`, stateName, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LastProcessedBlock returns the stored checkpoint.
func (s *Store) LastProcessedBlock(ctx context.Context) (uint64, bool, error) {
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM indexer_state WHERE name=$1`, stateName)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}
