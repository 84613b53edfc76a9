package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"registryScope/internal/metrics"
	"registryScope/internal/model"
)

const (
	defaultQueueSize    = 1024
	defaultDedupeWindow = 256
)

// ErrDispatcherClosed is returned when enqueueing after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatcherConfig holds settings for the single-writer delivery loop.
type DispatcherConfig struct {
	QueueSize int
	// DedupeWindow is how many blocks below the checkpoint delivered keys
	// are remembered.
	DedupeWindow uint64
}

type envelope struct {
	record     model.Record
	checkpoint uint64
}

// Dispatcher implements Callbacks by queueing work for one goroutine that
// owns the sink. Delivery is asynchronous: a failed record holds the
// checkpoint below its block and is reported on Failed.
type Dispatcher struct {
	cfg     DispatcherConfig
	sink    Callbacks
	logger  *zap.Logger
	metrics *metrics.Metrics

	queue   chan envelope
	stopped chan struct{}
	failed  chan error

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	stateMu   sync.Mutex
	last      uint64
	hasLast   bool
	seen      map[model.EventKey]uint64
	held      bool
	holdBelow uint64
}

// NewDispatcher builds a Dispatcher. last and has describe the checkpoint
// the sink already holds.
func NewDispatcher(cfg DispatcherConfig, sink Callbacks, last uint64, has bool, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	return &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: m,
		queue:   make(chan envelope, cfg.QueueSize),
		stopped: make(chan struct{}),
		failed:  make(chan error, 1),
		last:    last,
		hasLast: has,
		seen:    make(map[model.EventKey]uint64),
	}
}

// Run delivers queued work until Close drains the queue or ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	for {
		select {
		case env, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.handle(ctx, env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting work, waits for queued work to be delivered and
// for Run to return. Run must have been started.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.queue)
	})
	<-d.stopped
}

// Failed receives the first delivery failure.
func (d *Dispatcher) Failed() <-chan error {
	return d.failed
}

// LastCheckpoint returns the last checkpoint the sink accepted.
func (d *Dispatcher) LastCheckpoint() (uint64, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.last, d.hasLast
}

// OnToolRegistered queues a registration record.
func (d *Dispatcher) OnToolRegistered(ctx context.Context, event model.ToolRegisteredEvent) error {
	return d.enqueue(ctx, envelope{record: event})
}

// OnToolUpdated queues an update record.
func (d *Dispatcher) OnToolUpdated(ctx context.Context, event model.ToolUpdatedEvent) error {
	return d.enqueue(ctx, envelope{record: event})
}

// OnOwnershipTransferred queues an ownership record.
func (d *Dispatcher) OnOwnershipTransferred(ctx context.Context, event model.OwnershipTransferredEvent) error {
	return d.enqueue(ctx, envelope{record: event})
}

// OnProcessedBlock queues a checkpoint behind every record queued before it.
func (d *Dispatcher) OnProcessedBlock(ctx context.Context, blockNumber uint64) error {
	return d.enqueue(ctx, envelope{checkpoint: blockNumber})
}

func (d *Dispatcher) enqueue(ctx context.Context, env envelope) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- env:
		return nil
	case <-d.stopped:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) handle(ctx context.Context, env envelope) {
	if env.record == nil {
		d.checkpoint(ctx, env.checkpoint)
		return
	}

	record := env.record
	key := record.Key()
	eventType := string(key.Type)

	d.stateMu.Lock()
	_, dup := d.seen[key]
	d.stateMu.Unlock()
	if dup {
		d.metrics.Duplicate()
		d.logger.Debug("skip duplicate", zap.String("key", key.String()))
		return
	}

	if err := deliverRecord(ctx, d.sink, record); err != nil {
		d.metrics.DeliveryFailed(eventType)
		d.logger.Error("sink delivery failed", zap.Error(err), zap.String("key", key.String()), zap.Uint64("block_number", record.Block()))
		d.hold(record.Block(), fmt.Errorf("deliver %s: %w", key, err))
		return
	}

	d.stateMu.Lock()
	d.seen[key] = record.Block()
	d.stateMu.Unlock()
	d.metrics.EventDelivered(eventType)
}

func (d *Dispatcher) hold(block uint64, err error) {
	d.stateMu.Lock()
	if !d.held || block < d.holdBelow {
		d.held = true
		d.holdBelow = block
	}
	d.stateMu.Unlock()

	select {
	case d.failed <- err:
	default:
	}
}

func (d *Dispatcher) checkpoint(ctx context.Context, block uint64) {
	d.stateMu.Lock()
	if d.held {
		if d.holdBelow == 0 {
			d.stateMu.Unlock()
			return
		}
		if block >= d.holdBelow {
			block = d.holdBelow - 1
		}
	}
	if d.hasLast && block <= d.last {
		d.stateMu.Unlock()
		return
	}
	d.stateMu.Unlock()

	if err := d.sink.OnProcessedBlock(ctx, block); err != nil {
		d.logger.Error("checkpoint failed", zap.Error(err), zap.Uint64("block_number", block))
		return
	}

	d.stateMu.Lock()
	d.last = block
	d.hasLast = true
	if block > d.cfg.DedupeWindow {
		floor := block - d.cfg.DedupeWindow
		for key, seenAt := range d.seen {
			if seenAt < floor {
				delete(d.seen, key)
			}
		}
	}
	d.stateMu.Unlock()
	d.metrics.Checkpoint(block)
}
