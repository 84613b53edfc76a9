package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"registryScope/internal/model"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("storage is closed")

var checkpointKey = []byte("cp")

// RecordKey returns the key a record is stored under: ev/<txhash>/<type>.
func RecordKey(key model.EventKey) []byte {
	return []byte("ev/" + key.TxHash.Hex() + "/" + string(key.Type))
}

// Store persists registry records in PebbleDB.
type Store struct {
	db     *pebble.DB
	closed atomic.Bool
	// cpMu serializes checkpoint read-modify-write.
	cpMu sync.Mutex
}

// Open opens or creates a PebbleDB at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("pebble path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) OnToolRegistered(_ context.Context, event model.ToolRegisteredEvent) error {
	return s.put(event)
}

func (s *Store) OnToolUpdated(_ context.Context, event model.ToolUpdatedEvent) error {
	return s.put(event)
}

func (s *Store) OnOwnershipTransferred(_ context.Context, event model.OwnershipTransferredEvent) error {
	return s.put(event)
}

func (s *Store) put(record model.Record) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	key := RecordKey(record.Key())

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("lookup %s: %w", key, err)
	}

	value, err := model.MarshalRecord(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// OnProcessedBlock stores the checkpoint unless a higher one exists.
func (s *Store) OnProcessedBlock(ctx context.Context, blockNumber uint64) error {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()

	current, ok, err := s.LastProcessedBlock(ctx)
	if err != nil {
		return err
	}
	if ok && current >= blockNumber {
		return nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], blockNumber)
	if err := s.db.Set(checkpointKey, buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LastProcessedBlock returns the stored checkpoint.
func (s *Store) LastProcessedBlock(context.Context) (uint64, bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, false, err
	}
	value, closer, err := s.db.Get(checkpointKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, false, fmt.Errorf("invalid checkpoint length %d", len(value))
	}
	return binary.BigEndian.Uint64(value), true, nil
}
