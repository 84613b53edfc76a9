package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"registryScope/internal/metrics"
	"registryScope/internal/registry"
)

var (
	// ErrLiveFailed marks a live subscription failure. The runner restarts
	// after it.
	ErrLiveFailed = errors.New("live subscription failed")
	// ErrDeliveryFailed marks a sink failure. The runner restarts from the
	// held checkpoint after it.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// RunConfig holds runtime settings for the indexer.
type RunConfig struct {
	// GenesisBlock is where indexing starts when the sink has no checkpoint.
	GenesisBlock uint64
	Live         bool
	Backfill     BackfillConfig
	LiveConfig   LiveConfig
	Policy       ResolutionPolicy
	Dispatcher   DispatcherConfig
	// RestartBackoff is the first delay before restarting after a live or
	// delivery failure. It doubles up to MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
}

// Runner wires backfill, continuity checks and live listeners to one sink.
type Runner struct {
	cfg      RunConfig
	provider Provider
	contract *registry.Contract
	resolver CallResolver
	sink     Sink
	drops    DropRecorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRunner builds a Runner with its dependencies. drops may be nil.
func NewRunner(cfg RunConfig, provider Provider, contract *registry.Contract, resolver CallResolver, sink Sink, drops DropRecorder, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	if cfg.LiveConfig.Confirmations == 0 {
		cfg.LiveConfig.Confirmations = cfg.Backfill.Confirmations
	}
	if cfg.MaxRestartBackoff < cfg.RestartBackoff {
		cfg.MaxRestartBackoff = time.Minute
	}
	return &Runner{
		cfg:      cfg,
		provider: provider,
		contract: contract,
		resolver: resolver,
		sink:     sink,
		drops:    drops,
		logger:   logger,
		metrics:  m,
	}
}

// Run indexes from the sink checkpoint to the head and then follows the
// chain until ctx is done. Live and delivery failures restart the cycle
// with backoff; RPC failures that outlive their retries end it.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}

	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = r.cfg.RestartBackoff
	restart.MaxInterval = r.cfg.MaxRestartBackoff
	restart.MaxElapsedTime = 0
	restart.Reset()

	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		if !r.cfg.Live || (!errors.Is(err, ErrLiveFailed) && !errors.Is(err, ErrDeliveryFailed)) {
			return err
		}

		delay := restart.NextBackOff()
		r.logger.Warn("restart indexer", zap.Error(err), zap.Duration("retry_in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) error {
	last, has, err := r.sink.LastProcessedBlock(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	from := r.cfg.GenesisBlock
	if has && last > from {
		// The checkpointed block is scanned again; delivery is idempotent.
		from = last
		r.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("from", from))
	}

	dispatcher, stop := r.startDispatcher(ctx, last, has)
	defer stop()

	normalizer := NewNormalizer(r.contract, r.resolver, r.cfg.Policy, r.drops, r.logger, r.metrics)
	backfiller := NewBackfiller(r.cfg.Backfill, r.provider, r.contract, normalizer, dispatcher, r.logger, r.metrics)

	highest, err := backfiller.Run(ctx, from)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	r.logger.Info("backfill complete", zap.Uint64("highest", highest))

	if !r.cfg.Live {
		stop()
		return deliveryError(dispatcher)
	}

	subscriber := NewSubscriber(r.cfg.LiveConfig, r.provider, r.contract, normalizer, dispatcher, r.logger, r.metrics)
	sub, err := subscriber.Start(ctx, highest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLiveFailed, err)
	}
	defer sub.Stop()

	highest, err = backfiller.Verifier().Verify(ctx, highest)
	if err != nil {
		return fmt.Errorf("continuity check: %w", err)
	}
	sub.Claim(highest)
	r.logger.Info("live indexing", zap.Uint64("from", highest))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sub.Err():
		return fmt.Errorf("%w: %w", ErrLiveFailed, err)
	case err := <-dispatcher.Failed():
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
}

// Backfill replays [from, to] into the sink once. It does not move the sink
// checkpoint; progress is only logged.
func (r *Runner) Backfill(ctx context.Context, from, to uint64) error {
	if err := r.validate(); err != nil {
		return err
	}
	if from > to {
		return fmt.Errorf("from block %d is after to block %d", from, to)
	}

	dispatcher, stop := r.startDispatcher(ctx, 0, false)
	defer stop()

	normalizer := NewNormalizer(r.contract, r.resolver, r.cfg.Policy, r.drops, r.logger, r.metrics)
	backfiller := NewBackfiller(r.cfg.Backfill, r.provider, r.contract, normalizer, progressOnly{Callbacks: dispatcher, logger: r.logger}, r.logger, r.metrics)

	if _, err := backfiller.ProcessRange(ctx, from, to); err != nil {
		return fmt.Errorf("backfill %d-%d: %w", from, to, err)
	}

	stop()
	return deliveryError(dispatcher)
}

func (r *Runner) validate() error {
	if r.provider == nil {
		return fmt.Errorf("provider is nil")
	}
	if r.contract == nil {
		return fmt.Errorf("contract is nil")
	}
	if r.resolver == nil {
		return fmt.Errorf("resolver is nil")
	}
	if r.sink == nil {
		return fmt.Errorf("sink is nil")
	}
	return nil
}

// startDispatcher runs a dispatcher that outlives ctx cancellation long
// enough to drain. stop is safe to call more than once.
func (r *Runner) startDispatcher(ctx context.Context, last uint64, has bool) (*Dispatcher, func()) {
	dispatcher := NewDispatcher(r.cfg.Dispatcher, r.sink, last, has, r.logger, r.metrics)
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := dispatcher.Run(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()
	return dispatcher, func() {
		dispatcher.Close()
		cancel()
	}
}

func deliveryError(d *Dispatcher) error {
	select {
	case err := <-d.Failed():
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	default:
		return nil
	}
}

// progressOnly forwards records and logs checkpoints without storing them.
type progressOnly struct {
	Callbacks
	logger *zap.Logger
}

func (p progressOnly) OnProcessedBlock(_ context.Context, blockNumber uint64) error {
	p.logger.Info("range progress", zap.Uint64("block_number", blockNumber))
	return nil
}
