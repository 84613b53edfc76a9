package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"registryScope/internal/chain"
	"registryScope/internal/config"
	"registryScope/internal/indexer"
	"registryScope/internal/registry"
)

type resolveOutput struct {
	TxHash       string `json:"tx_hash"`
	Method       string `json:"method"`
	Name         string `json:"name"`
	NameHash     string `json:"name_hash"`
	MetadataHash string `json:"metadata_hash,omitempty"`
}

func runResolve(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadResolve(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	txHash, err := indexer.ParseTxHash(cfg.TxHash)
	if err != nil {
		return err
	}
	address, err := indexer.ParseAddress(cfg.Contract)
	if err != nil {
		return err
	}
	parsed, err := registry.LoadABI(cfg.ABIPath)
	if err != nil {
		return err
	}
	contract, err := registry.NewContract(address, parsed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, chain.Options{RPCURL: cfg.RPCURL})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	retry := indexer.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	resolver, err := indexer.NewResolver(chainClient, contract, retry, 1, logger, nil)
	if err != nil {
		return err
	}

	call, err := resolver.ResolveCall(ctx, txHash)
	if err != nil {
		logger.Warn("resolve failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		return err
	}

	out := resolveOutput{
		TxHash:   txHash.Hex(),
		Method:   call.Method,
		Name:     call.Name,
		NameHash: call.NameHash().Hex(),
	}
	if call.HasMetadata {
		out.MetadataHash = call.MetadataHash.Hex()
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
