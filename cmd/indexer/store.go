package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"registryScope/internal/config"
	"registryScope/internal/storage"
	"registryScope/internal/storage/pebblestore"
	"registryScope/internal/storage/postgres"
	"registryScope/internal/storage/sqlite"
)

func openSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Sink, error) {
	switch cfg.Store {
	case config.StoreJSONL:
		sink, err := storage.NewJsonlSink(cfg.Out, cfg.Checkpoint, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorePebble:
		store, err := pebblestore.Open(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store: %q", cfg.Store)
	}
}
