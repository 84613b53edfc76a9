package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"registryScope/internal/metrics"
	"registryScope/internal/model"
	"registryScope/internal/registry"
)

// DefaultHeartbeatInterval is the number of blocks after which the live path
// advances the checkpoint even without events.
const DefaultHeartbeatInterval uint64 = 10

// LiveConfig holds settings for the live subscriber.
type LiveConfig struct {
	HeartbeatInterval uint64
	// Confirmations keeps logs buffered until the head is this many blocks
	// past them. Progress never passes head-Confirmations.
	Confirmations uint64
	// BufferSize is the capacity of the log and header channels.
	BufferSize int
}

// Subscriber installs push listeners for registry events and new blocks.
type Subscriber struct {
	cfg        LiveConfig
	provider   Provider
	contract   *registry.Contract
	normalizer *Normalizer
	callbacks  Callbacks
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewSubscriber builds a Subscriber.
func NewSubscriber(cfg LiveConfig, provider Provider, contract *registry.Contract, normalizer *Normalizer, callbacks Callbacks, logger *zap.Logger, m *metrics.Metrics) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Subscriber{
		cfg:        cfg,
		provider:   provider,
		contract:   contract,
		normalizer: normalizer,
		callbacks:  callbacks,
		logger:     logger,
		metrics:    m,
	}
}

// LiveSubscription is a running set of listeners.
type LiveSubscription struct {
	fromBlock uint64
	cancel    context.CancelFunc
	subs      []ethereum.Subscription
	stopOnce  sync.Once
	done      chan struct{}
	errCh     chan error

	authority atomic.Bool
	claimed   atomic.Uint64

	// owned by the event loop
	lastReported uint64
	held         bool
	holdAt       uint64
	confirmed    uint64
	pending      map[uint64][]types.Log
}

// Start installs three log listeners and one block listener. Logs at or
// below fromBlock are ignored. Checkpoint progress is withheld until Claim.
func (s *Subscriber) Start(ctx context.Context, fromBlock uint64) (*LiveSubscription, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("provider is nil")
	}

	subCtx, cancel := context.WithCancel(ctx)
	ls := &LiveSubscription{
		fromBlock:    fromBlock,
		cancel:       cancel,
		done:         make(chan struct{}),
		errCh:        make(chan error, 1),
		lastReported: fromBlock,
		confirmed:    fromBlock,
		pending:      make(map[uint64][]types.Log),
	}

	logsCh := make(chan types.Log, s.cfg.BufferSize)
	for _, eventType := range model.EventTypes {
		query := ethereum.FilterQuery{
			Addresses: []common.Address{s.contract.Address()},
			Topics:    [][]common.Hash{{s.contract.Topic(eventType)}},
		}
		sub, err := s.provider.SubscribeFilterLogs(subCtx, query, logsCh)
		if err != nil {
			ls.unsubscribe()
			cancel()
			return nil, fmt.Errorf("subscribe %s logs: %w", eventType, err)
		}
		ls.subs = append(ls.subs, sub)
	}

	headCh := make(chan *types.Header, s.cfg.BufferSize)
	headSub, err := s.provider.SubscribeNewHead(subCtx, headCh)
	if err != nil {
		ls.unsubscribe()
		cancel()
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	ls.subs = append(ls.subs, headSub)

	s.logger.Info("live listeners installed", zap.Uint64("from", fromBlock), zap.Int("subscriptions", len(ls.subs)))

	go s.loop(subCtx, ls, logsCh, headCh)
	return ls, nil
}

// Claim hands checkpoint authority to the live path once everything up to
// upTo has been processed by the backfill.
func (ls *LiveSubscription) Claim(upTo uint64) {
	ls.claimed.Store(upTo)
	ls.authority.Store(true)
}

// Stop detaches all listeners and waits for the event loop to exit. It is
// idempotent. It must not be called from a callback.
func (ls *LiveSubscription) Stop() {
	ls.stopOnce.Do(func() {
		ls.cancel()
		ls.unsubscribe()
	})
	<-ls.done
}

// Err receives the first subscription failure.
func (ls *LiveSubscription) Err() <-chan error {
	return ls.errCh
}

// Done is closed when the event loop has exited.
func (ls *LiveSubscription) Done() <-chan struct{} {
	return ls.done
}

func (ls *LiveSubscription) unsubscribe() {
	for _, sub := range ls.subs {
		sub.Unsubscribe()
	}
}

func (s *Subscriber) loop(ctx context.Context, ls *LiveSubscription, logsCh <-chan types.Log, headCh <-chan *types.Header) {
	defer close(ls.done)

	// A fixed set of four error channels keeps the select static.
	errChans := make([]<-chan error, 4)
	for i, sub := range ls.subs {
		errChans[i] = sub.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errChans[0]:
			s.fail(ctx, ls, 0, err)
			return
		case err := <-errChans[1]:
			s.fail(ctx, ls, 1, err)
			return
		case err := <-errChans[2]:
			s.fail(ctx, ls, 2, err)
			return
		case err := <-errChans[3]:
			s.fail(ctx, ls, 3, err)
			return
		case log := <-logsCh:
			s.handleLog(ctx, ls, log)
		case header := <-headCh:
			s.handleHead(ctx, ls, header)
		}
	}
}

func (s *Subscriber) fail(ctx context.Context, ls *LiveSubscription, index int, err error) {
	if ctx.Err() != nil {
		// Unsubscribe closes the error channels.
		return
	}
	if err == nil {
		err = errors.New("subscription closed")
	}
	err = fmt.Errorf("subscription %d: %w", index, err)
	s.logger.Error("live subscription failed", zap.Error(err))
	select {
	case ls.errCh <- err:
	default:
	}
	ls.cancel()
	ls.unsubscribe()
}

func (s *Subscriber) handleLog(ctx context.Context, ls *LiveSubscription, log types.Log) {
	eventType, ok := s.contract.EventTypeOf(log)
	if !ok {
		return
	}

	if log.Removed {
		if s.unbuffer(ls, log) {
			s.logger.Info("drop reorged log", zap.String("event", string(eventType)), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint64("block_number", log.BlockNumber))
			return
		}
		s.logger.Warn("ignore removed log", zap.String("event", string(eventType)), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint64("block_number", log.BlockNumber))
		return
	}
	if log.BlockNumber <= ls.fromBlock {
		s.logger.Debug("ignore log covered by backfill", zap.Uint64("block_number", log.BlockNumber), zap.Uint64("from", ls.fromBlock))
		return
	}
	if s.cfg.Confirmations > 0 && log.BlockNumber > ls.confirmed {
		ls.pending[log.BlockNumber] = append(ls.pending[log.BlockNumber], log)
		return
	}

	s.processLog(ctx, ls, eventType, log)
}

// unbuffer removes a reorged log that has not been delivered yet.
func (s *Subscriber) unbuffer(ls *LiveSubscription, removed types.Log) bool {
	logs := ls.pending[removed.BlockNumber]
	for i, log := range logs {
		if log.TxHash == removed.TxHash && log.Index == removed.Index && log.BlockHash == removed.BlockHash {
			logs = append(logs[:i], logs[i+1:]...)
			if len(logs) == 0 {
				delete(ls.pending, removed.BlockNumber)
			} else {
				ls.pending[removed.BlockNumber] = logs
			}
			return true
		}
	}
	return false
}

func (s *Subscriber) processLog(ctx context.Context, ls *LiveSubscription, eventType model.EventType, log types.Log) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.DeliveryFailed(string(eventType))
			s.logger.Error("live event panic", zap.Any("panic", r), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint64("block_number", log.BlockNumber))
			s.hold(ls, log.BlockNumber)
		}
	}()

	record, err := s.normalizer.Normalize(ctx, eventType, log)
	if err != nil {
		if !errors.Is(err, ErrDropped) {
			s.metrics.DeliveryFailed(string(eventType))
			s.logger.Error("resolve live event", zap.Error(err), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint64("block_number", log.BlockNumber))
			s.hold(ls, log.BlockNumber)
			return
		}
	} else if err := deliverRecord(ctx, s.callbacks, record); err != nil {
		s.metrics.DeliveryFailed(string(eventType))
		s.logger.Error("deliver live event", zap.Error(err), zap.String("key", record.Key().String()))
		s.hold(ls, log.BlockNumber)
		return
	}

	s.report(ctx, ls, log.BlockNumber)
}

func (s *Subscriber) handleHead(ctx context.Context, ls *LiveSubscription, header *types.Header) {
	if header == nil || header.Number == nil {
		return
	}
	number := header.Number.Uint64()
	if number == 0 {
		return
	}

	// Logs of a block may arrive after its header.
	target := number - 1
	if s.cfg.Confirmations > 0 {
		if number < s.cfg.Confirmations {
			return
		}
		target = number - s.cfg.Confirmations
		if target > ls.confirmed {
			ls.confirmed = target
			s.flush(ctx, ls)
		}
	}
	if target >= ls.lastReported+s.cfg.HeartbeatInterval {
		s.report(ctx, ls, target)
	}
}

// flush delivers buffered logs up to the confirmed block in block order.
func (s *Subscriber) flush(ctx context.Context, ls *LiveSubscription) {
	blocks := make([]uint64, 0, len(ls.pending))
	for block := range ls.pending {
		if block <= ls.confirmed {
			blocks = append(blocks, block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	for _, block := range blocks {
		logs := ls.pending[block]
		delete(ls.pending, block)
		sort.SliceStable(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })
		for _, log := range logs {
			eventType, _ := s.contract.EventTypeOf(log)
			s.processLog(ctx, ls, eventType, log)
		}
	}
}

func (s *Subscriber) hold(ls *LiveSubscription, block uint64) {
	at := uint64(0)
	if block > 0 {
		at = block - 1
	}
	if !ls.held || at < ls.holdAt {
		ls.held = true
		ls.holdAt = at
	}
}

func (s *Subscriber) report(ctx context.Context, ls *LiveSubscription, block uint64) {
	if !ls.authority.Load() {
		return
	}
	if ls.held && block > ls.holdAt {
		block = ls.holdAt
	}
	if block <= ls.lastReported || block <= ls.claimed.Load() {
		return
	}

	if err := s.callbacks.OnProcessedBlock(ctx, block); err != nil {
		s.logger.Error("live checkpoint failed", zap.Error(err), zap.Uint64("block_number", block))
		return
	}
	ls.lastReported = block
}
