// Package config provides configuration loading for the anchoring pipeline.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the API server and the batcher.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Web3    Web3Config    `mapstructure:"web3"`
	Signer  SignerConfig  `mapstructure:"signer"`
	Batcher BatcherConfig `mapstructure:"batcher"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	BaseURL      string        `mapstructure:"base_url"`    // prefix for verification links
}

// MongoConfig holds the primary document store configuration.
type MongoConfig struct {
	URI              string        `mapstructure:"uri"`
	Database         string        `mapstructure:"database"`
	QueueColl        string        `mapstructure:"queue_coll"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// RedisConfig holds Redis configuration (rate limiting and best-effort
// similarity side-writes).
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Web3Config holds ledger client configuration. PrivateKey may be raw hex
// key material or a path to a file containing it.
type Web3Config struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ChainID         int64         `mapstructure:"chain_id"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
}

// SignerConfig holds attestation key paths.
type SignerConfig struct {
	KeyPath        string `mapstructure:"key_path"`
	PlatformPubKey string `mapstructure:"platform_pubkey_path"`
	DefaultSalt    string `mapstructure:"default_salt"` // normally empty: random per record
}

// BatcherConfig holds worker tuning knobs. The *_seconds and *_minutes
// fields mirror the bare-numeric env forms (VISIBILITY_TIMEOUT_SECONDS,
// IDLE_THRESHOLD_MINUTES) and override the duration fields when set.
type BatcherConfig struct {
	BatchLimit               int           `mapstructure:"batch_limit"`
	ActivePollInterval       time.Duration `mapstructure:"active_poll_interval"`
	IdlePollInterval         time.Duration `mapstructure:"idle_poll_interval"`
	IdleThreshold            time.Duration `mapstructure:"idle_threshold"`
	IdleThresholdMinutes     int           `mapstructure:"idle_threshold_minutes"`
	VisibilityTimeout        time.Duration `mapstructure:"visibility_timeout"`
	VisibilityTimeoutSeconds int           `mapstructure:"visibility_timeout_seconds"`
	MaxRetries               int           `mapstructure:"max_retries"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/craftanchor")

	v.SetEnvPrefix("CRAFTID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// The deployment environment exports these flat names; bind them on top
	// of the CRAFTID_-prefixed forms.
	v.BindEnv("web3.rpc_url", "WEB3_RPC_URL")
	v.BindEnv("web3.contract_address", "ANCHOR_CONTRACT_ADDRESS")
	v.BindEnv("web3.private_key", "ANCHORER_PRIVATE_KEY")
	v.BindEnv("web3.chain_id", "CHAIN_ID")
	v.BindEnv("web3.gas_limit", "WEB3_GAS_LIMIT")
	v.BindEnv("web3.receipt_timeout", "WEB3_RECEIPT_TIMEOUT")
	v.BindEnv("signer.key_path", "SIGNER_KEY_PATH")
	v.BindEnv("signer.platform_pubkey_path", "PLATFORM_PUBKEY_PATH")
	v.BindEnv("signer.default_salt", "DEFAULT_SALT")
	v.BindEnv("mongo.uri", "MONGO_URI")
	v.BindEnv("mongo.database", "DB_NAME")
	v.BindEnv("mongo.queue_coll", "ANCHOR_QUEUE_COLL")
	v.BindEnv("batcher.visibility_timeout_seconds", "VISIBILITY_TIMEOUT_SECONDS")
	v.BindEnv("batcher.max_retries", "MAX_RETRIES")
	v.BindEnv("batcher.batch_limit", "BATCH_LIMIT")
	v.BindEnv("batcher.active_poll_interval", "ACTIVE_POLL_INTERVAL")
	v.BindEnv("batcher.idle_poll_interval", "IDLE_POLL_INTERVAL")
	v.BindEnv("batcher.idle_threshold_minutes", "IDLE_THRESHOLD_MINUTES")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The deployment env exports these as bare numbers; fold them into the
	// duration fields the rest of the code consumes.
	if cfg.Batcher.VisibilityTimeoutSeconds > 0 {
		cfg.Batcher.VisibilityTimeout = time.Duration(cfg.Batcher.VisibilityTimeoutSeconds) * time.Second
	}
	if cfg.Batcher.IdleThresholdMinutes > 0 {
		cfg.Batcher.IdleThreshold = time.Duration(cfg.Batcher.IdleThresholdMinutes) * time.Minute
	}

	return &cfg, nil
}

// Validate checks that every required secret and endpoint is present. Both
// binaries call this before touching any dependency; a failure exits the
// process non-zero. Error strings name the missing setting, never its value.
func (c *Config) Validate() error {
	var missing []string
	if c.Mongo.URI == "" {
		missing = append(missing, "mongo.uri")
	}
	if c.Web3.RPCURL == "" {
		missing = append(missing, "web3.rpc_url")
	}
	if c.Web3.ContractAddress == "" {
		missing = append(missing, "web3.contract_address")
	}
	if c.Web3.PrivateKey == "" {
		missing = append(missing, "web3.private_key")
	}
	if c.Signer.KeyPath == "" {
		missing = append(missing, "signer.key_path")
	}
	if c.Signer.PlatformPubKey == "" {
		missing = append(missing, "signer.platform_pubkey_path")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.base_url", "")

	// Mongo defaults
	v.SetDefault("mongo.database", "masterip_db")
	v.SetDefault("mongo.queue_coll", "anchor_queue")
	v.SetDefault("mongo.operation_timeout", "4s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Web3 defaults (Amoy testnet chain id)
	v.SetDefault("web3.chain_id", 80002)
	v.SetDefault("web3.gas_limit", 200000)
	v.SetDefault("web3.receipt_timeout", "120s")

	// Batcher defaults
	v.SetDefault("batcher.batch_limit", 5)
	v.SetDefault("batcher.active_poll_interval", "10s")
	v.SetDefault("batcher.idle_poll_interval", "300s")
	v.SetDefault("batcher.idle_threshold", "30m")
	v.SetDefault("batcher.visibility_timeout", "300s")
	v.SetDefault("batcher.max_retries", 5)
}
