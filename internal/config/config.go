package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Chain   ChainConfig
	Funding FundingConfig
	Fees    FeeConfig
	Redis   RedisConfig
	Server  ServerConfig
}

// ChainConfig identifies the single supported target chain and the
// well-known addresses the provider's storage-read actuation channel is
// keyed by.
type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`

	CreateAddress     string `mapstructure:"create_address"`
	RetrieveAddress   string `mapstructure:"retrieve_address"`
	ActivateAddress   string `mapstructure:"activate_address"`
	DeactivateAddress string `mapstructure:"deactivate_address"`
	DeleteAddress     string `mapstructure:"delete_address"`
	ExecuteAddress    string `mapstructure:"execute_address"`
}

type FundingConfig struct {
	PollIntervalSec int64 `mapstructure:"poll_interval_sec"`
	TimeoutSec      int64 `mapstructure:"timeout_sec"`
}

func (f FundingConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalSec) * time.Second
}

func (f FundingConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

// FeeConfig drives dynamic EIP-1559 fee computation and its degraded-mode
// fallback constants (gwei).
type FeeConfig struct {
	HistoryBlocks        int64 `mapstructure:"history_blocks"`
	FallbackPriorityGwei int64 `mapstructure:"fallback_priority_gwei"`
	FallbackBaseGwei     int64 `mapstructure:"fallback_base_gwei"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.chain_id", 443)
	v.SetDefault("chain.create_address", "0x0000000000000000000000000000000000000001")
	v.SetDefault("chain.retrieve_address", "0x0000000000000000000000000000000000000002")
	v.SetDefault("chain.activate_address", "0x0000000000000000000000000000000000000003")
	v.SetDefault("chain.deactivate_address", "0x0000000000000000000000000000000000000004")
	v.SetDefault("chain.delete_address", "0x0000000000000000000000000000000000000005")
	v.SetDefault("chain.execute_address", "0x0000000000000000000000000000000000000006")
	v.SetDefault("funding.poll_interval_sec", 2)
	v.SetDefault("funding.timeout_sec", 120)
	v.SetDefault("fees.history_blocks", 4)
	v.SetDefault("fees.fallback_priority_gwei", 1)
	v.SetDefault("fees.fallback_base_gwei", 20)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":               "RPC_URL",
		"chain.chain_id":              "CHAIN_ID",
		"chain.create_address":        "SESSION_CREATE_ADDRESS",
		"chain.retrieve_address":      "SESSION_RETRIEVE_ADDRESS",
		"chain.activate_address":      "SESSION_ACTIVATE_ADDRESS",
		"chain.deactivate_address":    "SESSION_DEACTIVATE_ADDRESS",
		"chain.delete_address":        "SESSION_DELETE_ADDRESS",
		"chain.execute_address":       "SESSION_EXECUTE_ADDRESS",
		"funding.poll_interval_sec":   "FUNDING_POLL_INTERVAL_SEC",
		"funding.timeout_sec":         "FUNDING_TIMEOUT_SEC",
		"fees.history_blocks":         "FEE_HISTORY_BLOCKS",
		"fees.fallback_priority_gwei": "FEE_FALLBACK_PRIORITY_GWEI",
		"fees.fallback_base_gwei":     "FEE_FALLBACK_BASE_GWEI",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"server.port":                 "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("required config missing: RPC_URL")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Funding.PollIntervalSec <= 0 {
		return fmt.Errorf("FUNDING_POLL_INTERVAL_SEC must be positive")
	}
	if c.Funding.TimeoutSec <= 0 {
		return fmt.Errorf("FUNDING_TIMEOUT_SEC must be positive")
	}
	return nil
}
