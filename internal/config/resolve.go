package config

import (
	"github.com/spf13/pflag"
)

// ResolveConfig holds configuration for the resolve command.
type ResolveConfig struct {
	RPCURL     string
	Contract   string
	ABIPath    string
	TxHash     string
	MaxRetries int
	LogLevel   string
}

// LoadResolve merges .env, config file, environment variables, and flags into ResolveConfig.
func LoadResolve(cfgFile string, flags *pflag.FlagSet) (ResolveConfig, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"max-retries": 3,
		"log-level":   "info",
	})
	if err != nil {
		return ResolveConfig{}, err
	}

	return ResolveConfig{
		RPCURL:     v.GetString("rpc"),
		Contract:   v.GetString("contract"),
		ABIPath:    v.GetString("abi"),
		TxHash:     v.GetString("tx"),
		MaxRetries: v.GetInt("max-retries"),
		LogLevel:   v.GetString("log-level"),
	}, nil
}
