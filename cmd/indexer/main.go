package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"registryScope/internal/chain"
	"registryScope/internal/config"
	"registryScope/internal/indexer"
	"registryScope/internal/metrics"
	"registryScope/internal/registry"
	"registryScope/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Tool registry event indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Backfill from the checkpoint, then follow the chain",
		RunE:  runIndexer,
	}
	addIndexFlags(runCmd)
	runCmd.Flags().Bool("live", true, "follow the chain after backfill")
	root.AddCommand(runCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay a block range into the store without moving the checkpoint",
		RunE:  runBackfill,
	}
	addIndexFlags(backfillCmd)
	backfillCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means confirmed head")
	root.AddCommand(backfillCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the decoded registry call of a transaction",
		RunE:  runResolve,
	}
	resolveCmd.Flags().String("rpc", "", "RPC URL")
	resolveCmd.Flags().String("contract", "", "registry contract address")
	resolveCmd.Flags().String("abi", "", "registry ABI JSON path (default built-in)")
	resolveCmd.Flags().String("tx", "", "transaction hash")
	resolveCmd.Flags().Int("max-retries", 3, "maximum attempts per RPC call")
	resolveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(resolveCmd)

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Print the store's last processed block",
		RunE:  runCheckpoint,
	}
	addStoreFlags(checkpointCmd)
	checkpointCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(checkpointCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addIndexFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("rpc", "", "RPC URL")
	flags.String("ws-rpc", "", "websocket RPC URL for subscriptions (default rpc)")
	flags.String("contract", "", "registry contract address")
	flags.String("abi", "", "registry ABI JSON path (default built-in)")
	flags.Uint64("chain-id", 0, "expected chain id (0 skips the check)")
	flags.Uint64("from", 0, "start block (inclusive) when no checkpoint exists")
	flags.Uint64("chunk-size", indexer.DefaultChunkSize, "blocks per log query")
	flags.Uint64("confirmations", 0, "blocks to stay behind the head")
	flags.Int("max-retries", 3, "maximum attempts per RPC call")
	flags.Duration("retry-delay", time.Second, "initial retry delay")
	flags.Float64("retry-factor", 2, "retry delay multiplier")
	flags.Uint64("heartbeat-interval", indexer.DefaultHeartbeatInterval, "blocks between live checkpoints without events")
	flags.String("resolution-policy", string(indexer.PolicyDrop), "unresolved names: drop or placeholder")
	flags.String("errors", "", "dropped events JSONL path (empty disables)")
	flags.Int("queue-size", 1024, "dispatcher queue capacity")
	flags.Uint64("dedupe-window", 256, "blocks of delivered keys remembered below the checkpoint")
	flags.Float64("rpc-rate-limit", 0, "max RPC requests per second (0 = unlimited)")
	flags.Int("tx-cache-size", 4096, "decoded transactions kept in memory")
	flags.String("metrics-addr", "", "listen address for /metrics (empty disables)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	addStoreFlags(cmd)
}

func addStoreFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("store", config.StoreJSONL, "store backend: jsonl, postgres, sqlite, pebble")
	flags.String("out", "./data/tool_events.jsonl", "jsonl output path")
	flags.String("checkpoint", "./data/checkpoint.json", "jsonl checkpoint path")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("sqlite-path", "./data/registry.sqlite", "SQLite database path")
	flags.String("pebble-path", "./data/pebble", "Pebble database directory")
}

func runIndexer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	logger.Info("indexer start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", cfg.Contract),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("chunk_size", cfg.ChunkSize),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.String("store", cfg.Store),
		zap.String("policy", cfg.ResolutionPolicy),
		zap.Bool("live", cfg.Live),
	)

	err = app.runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("indexer stopped")
		return nil
	}
	return err
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// A one-shot replay never subscribes.
	cfg.Live = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	to := cfg.ToBlock
	if to == 0 {
		latest, err := app.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		if latest < cfg.Confirmations {
			return fmt.Errorf("chain head %d is below confirmations %d", latest, cfg.Confirmations)
		}
		to = latest - cfg.Confirmations
	}

	logger.Info("backfill start", zap.Uint64("from", cfg.FromBlock), zap.Uint64("to", to), zap.String("store", cfg.Store))
	if err := app.runner.Backfill(ctx, cfg.FromBlock, to); err != nil {
		return err
	}
	logger.Info("backfill complete", zap.Uint64("from", cfg.FromBlock), zap.Uint64("to", to))
	return nil
}

func runCheckpoint(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	last, ok, err := sink.LastProcessedBlock(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), last)
	return nil
}

type application struct {
	client  *chain.Client
	sink    storage.Sink
	drops   *storage.DropLog
	runner  *indexer.Runner
	metrics *http.Server
}

func (a *application) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.drops != nil {
		_ = a.drops.Close()
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
}

func setup(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *application, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := indexer.ParsePolicy(cfg.ResolutionPolicy)
	if err != nil {
		return nil, err
	}
	address, err := indexer.ParseAddress(cfg.Contract)
	if err != nil {
		return nil, err
	}
	parsed, err := registry.LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}
	contract, err := registry.NewContract(address, parsed)
	if err != nil {
		return nil, err
	}

	app = &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.client, err = chain.NewClient(ctx, chain.Options{RPCURL: cfg.RPCURL, WSURL: cfg.WSURL, RateLimit: cfg.RPCRateLimit})
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	chainID, err := app.client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if err := checkChainID(chainID, cfg.ChainID); err != nil {
		return nil, err
	}
	logger.Info("connected", zap.String("chain_id", chainID.String()))

	app.sink, err = openSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var drops indexer.DropRecorder
	if cfg.Errors != "" {
		app.drops, err = storage.NewDropLog(cfg.Errors)
		if err != nil {
			return nil, fmt.Errorf("open errors file: %w", err)
		}
		drops = app.drops
	}

	m := metrics.Init()
	if cfg.MetricsAddr != "" {
		app.metrics = serveMetrics(cfg.MetricsAddr, logger)
	}

	retry := indexer.RetryConfig{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		Factor:       cfg.RetryFactor,
	}
	resolver, err := indexer.NewResolver(app.client, contract, retry, cfg.TxCacheSize, logger, m)
	if err != nil {
		return nil, err
	}

	app.runner = indexer.NewRunner(indexer.RunConfig{
		GenesisBlock: cfg.FromBlock,
		Live:         cfg.Live,
		Backfill: indexer.BackfillConfig{
			ChunkSize:     cfg.ChunkSize,
			Confirmations: cfg.Confirmations,
			Retry:         retry,
		},
		LiveConfig: indexer.LiveConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
			Confirmations:     cfg.Confirmations,
		},
		Policy:     policy,
		Dispatcher: indexer.DispatcherConfig{
			QueueSize:    cfg.QueueSize,
			DedupeWindow: cfg.DedupeWindow,
		},
	}, app.client, contract, resolver, app.sink, drops, logger, m)

	return app, nil
}

// checkChainID fails when want is set and differs from the served chain.
func checkChainID(got *big.Int, want uint64) error {
	if want == 0 {
		return nil
	}
	if got == nil || !got.IsUint64() || got.Uint64() != want {
		return fmt.Errorf("rpc serves chain %v, expected %d", got, want)
	}
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
