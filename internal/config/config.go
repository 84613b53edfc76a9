package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreJSONL    = "jsonl"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StorePebble   = "pebble"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL   string
	WSURL    string
	Contract string
	ABIPath  string
	// ChainID, when set, must match the chain the RPC endpoint serves.
	ChainID uint64

	FromBlock uint64
	ToBlock   uint64

	ChunkSize         uint64
	Confirmations     uint64
	MaxRetries        int
	RetryDelay        time.Duration
	RetryFactor       float64
	HeartbeatInterval uint64
	ResolutionPolicy  string
	Live              bool

	Store      string
	Out        string
	Checkpoint string
	PGDSN      string
	SQLitePath string
	PebblePath string
	Errors     string

	QueueSize    int
	DedupeWindow uint64
	RPCRateLimit float64
	TxCacheSize  int

	MetricsAddr string
	LogLevel    string
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"chunk-size":         uint64(1000),
		"confirmations":      uint64(0),
		"max-retries":        3,
		"retry-delay":        time.Second,
		"retry-factor":       2.0,
		"heartbeat-interval": uint64(10),
		"resolution-policy":  "drop",
		"live":               true,
		"store":              StoreJSONL,
		"out":                "./data/tool_events.jsonl",
		"checkpoint":         "./data/checkpoint.json",
		"sqlite-path":        "./data/registry.sqlite",
		"pebble-path":        "./data/pebble",
		"errors":             "",
		"queue-size":         1024,
		"dedupe-window":      uint64(256),
		"rpc-rate-limit":     0.0,
		"tx-cache-size":      4096,
		"metrics-addr":       "",
		"log-level":          "info",
	})
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		WSURL:             v.GetString("ws-rpc"),
		Contract:          v.GetString("contract"),
		ABIPath:           v.GetString("abi"),
		ChainID:           v.GetUint64("chain-id"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		ChunkSize:         v.GetUint64("chunk-size"),
		Confirmations:     v.GetUint64("confirmations"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryDelay:        v.GetDuration("retry-delay"),
		RetryFactor:       v.GetFloat64("retry-factor"),
		HeartbeatInterval: v.GetUint64("heartbeat-interval"),
		ResolutionPolicy:  v.GetString("resolution-policy"),
		Live:              v.GetBool("live"),
		Store:             strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		Out:               v.GetString("out"),
		Checkpoint:        v.GetString("checkpoint"),
		PGDSN:             v.GetString("pg-dsn"),
		SQLitePath:        v.GetString("sqlite-path"),
		PebblePath:        v.GetString("pebble-path"),
		Errors:            v.GetString("errors"),
		QueueSize:         v.GetInt("queue-size"),
		DedupeWindow:      v.GetUint64("dedupe-window"),
		RPCRateLimit:      v.GetFloat64("rpc-rate-limit"),
		TxCacheSize:       v.GetInt("tx-cache-size"),
		MetricsAddr:       v.GetString("metrics-addr"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate checks the values every command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if c.Contract == "" {
		return fmt.Errorf("contract address is required")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be greater than zero")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.Live {
		if err := checkSubscriptionEndpoint(c.SubscriptionURL()); err != nil {
			return err
		}
	}
	switch c.Store {
	case StoreJSONL:
		if c.Out == "" || c.Checkpoint == "" {
			return fmt.Errorf("jsonl store needs out and checkpoint paths")
		}
	case StorePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("postgres store needs pg-dsn")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite store needs sqlite-path")
		}
	case StorePebble:
		if c.PebblePath == "" {
			return fmt.Errorf("pebble store needs pebble-path")
		}
	default:
		return fmt.Errorf("unknown store: %q", c.Store)
	}
	return nil
}

// SubscriptionURL is the endpoint used for live subscriptions.
func (c Config) SubscriptionURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return c.RPCURL
}

// checkSubscriptionEndpoint rejects HTTP endpoints, which cannot push logs
// or heads. Paths without a scheme are IPC sockets.
func checkSubscriptionEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse subscription endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "":
		return nil
	default:
		return fmt.Errorf("live indexing needs a ws, wss or ipc endpoint, got %q (set ws-rpc)", u.Scheme)
	}
}

func newViper(cfgFile string, flags *pflag.FlagSet, defaults map[string]interface{}) (*viper.Viper, error) {
	if err := loadDotEnv(cfgFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return v, nil
}

// loadDotEnv loads a .env file next to the config file, or in the working
// directory. Variables already set win.
func loadDotEnv(cfgFile string) error {
	dir := "."
	if cfgFile != "" {
		dir = filepath.Dir(cfgFile)
	}
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		return nil
	}
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
