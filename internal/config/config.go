package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Quoting  QuotingConfig  `mapstructure:"quoting"`
	EVM      EVMConfig      `mapstructure:"evm"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Fees     FeeConfig      `mapstructure:"fees"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Gate     GateConfig     `mapstructure:"gate"`
	Keys     KeyringConfig  `mapstructure:"keys"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	APIKey        string `mapstructure:"api_key"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type QuotingConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type EVMConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	ChainID          int64    `mapstructure:"chain_id"`
	RPCEndpoints     []string `mapstructure:"rpc_endpoints"`
	WSEndpoint       string   `mapstructure:"ws_endpoint"`
	RouterAddresses  []string `mapstructure:"router_addresses"`
	Confirmations    int      `mapstructure:"confirmations"`
	ConfirmTimeoutS  int      `mapstructure:"confirm_timeout_s"`
	NativeDecimals   int32    `mapstructure:"native_decimals"`
	MinGasLimit      uint64   `mapstructure:"min_gas_limit"`
	ConservativeGas  uint64   `mapstructure:"conservative_gas"`
	EmergencyGas     uint64   `mapstructure:"emergency_gas"`
	FallbackGasPrice int64    `mapstructure:"fallback_gas_price_wei"`
}

type SolanaConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	RPCEndpoints     []string `mapstructure:"rpc_endpoints"`
	WSEndpoint       string   `mapstructure:"ws_endpoint"`
	Commitment       string   `mapstructure:"commitment"`
	ConfirmTimeoutS  int      `mapstructure:"confirm_timeout_s"`
	MinComputeUnits  uint64   `mapstructure:"min_compute_units"`
	ConservativeCU   uint64   `mapstructure:"conservative_cu"`
	EmergencyCU      uint64   `mapstructure:"emergency_cu"`
	FallbackFeeMicro uint64   `mapstructure:"fallback_fee_microlamports"`
}

type ExecutorConfig struct {
	MaxAttempts     int   `mapstructure:"max_attempts"`
	BackoffBaseMs   int   `mapstructure:"backoff_base_ms"`
	BackoffCapMs    int   `mapstructure:"backoff_cap_ms"`
	PriceBumpPct    int64 `mapstructure:"price_bump_pct"`
	QuoteDeadlineMn int   `mapstructure:"quote_deadline_min"`
}

type FeeConfig struct {
	TreasuryEVM    string `mapstructure:"treasury_evm"`
	TreasurySolana string `mapstructure:"treasury_solana"`
	FeeBps         int64  `mapstructure:"fee_bps"`
	MinCollect     string `mapstructure:"min_collect"` // decimal, native units; empty/zero disables the floor
}

type MirrorConfig struct {
	DustFloor     string `mapstructure:"dust_floor"`     // decimal, human units
	OverlapPolicy string `mapstructure:"overlap_policy"` // queue | drop
}

type GateConfig struct {
	QPS            float64 `mapstructure:"qps"`
	Burst          int     `mapstructure:"burst"`
	MaxDailyTrades int     `mapstructure:"max_daily_trades"`
	MaxDailyVolume float64 `mapstructure:"max_daily_volume"`
}

// KeyringConfig maps opaque key references to private key material.
// Values come from env vars in any real deployment; they are never logged.
type KeyringConfig struct {
	EVM    map[string]string `mapstructure:"evm"`
	Solana map[string]string `mapstructure:"solana"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. SWAPMIRROR_QUOTING_BASE_URL
	viper.SetEnvPrefix("swapmirror")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("auth.require_api_key", false)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("quoting.timeout_ms", 8000)

	viper.SetDefault("evm.chain_id", 1)
	viper.SetDefault("evm.confirmations", 1)
	viper.SetDefault("evm.confirm_timeout_s", 120)
	viper.SetDefault("evm.native_decimals", 18)
	viper.SetDefault("evm.min_gas_limit", 120000)
	viper.SetDefault("evm.conservative_gas", 500000)
	viper.SetDefault("evm.emergency_gas", 1000000)
	viper.SetDefault("evm.fallback_gas_price_wei", 30000000000)

	viper.SetDefault("solana.commitment", "confirmed")
	viper.SetDefault("solana.confirm_timeout_s", 60)
	viper.SetDefault("solana.min_compute_units", 200000)
	viper.SetDefault("solana.conservative_cu", 600000)
	viper.SetDefault("solana.emergency_cu", 1400000)
	viper.SetDefault("solana.fallback_fee_microlamports", 5000)

	viper.SetDefault("executor.max_attempts", 3)
	viper.SetDefault("executor.backoff_base_ms", 500)
	viper.SetDefault("executor.backoff_cap_ms", 8000)
	viper.SetDefault("executor.price_bump_pct", 25)
	viper.SetDefault("executor.quote_deadline_min", 20)

	viper.SetDefault("fees.fee_bps", 50)
	viper.SetDefault("fees.min_collect", "0")

	viper.SetDefault("mirror.dust_floor", "0.000001")
	viper.SetDefault("mirror.overlap_policy", "drop")

	viper.SetDefault("gate.qps", 2)
	viper.SetDefault("gate.burst", 5)
	viper.SetDefault("gate.max_daily_trades", 500)
	viper.SetDefault("gate.max_daily_volume", 0)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
