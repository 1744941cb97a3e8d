package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	configSubdir   = "config"
	configFileName = "relayer_config.json"

	// EnvPrefix prefixes every environment override, e.g. RELAYER_DEST_RPC_URLS
	EnvPrefix = "RELAYER"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Database
	if cfg.DBDriver == "" {
		cfg.DBDriver = DBDriverSQLite
	}
	if cfg.DBDriver != DBDriverSQLite && cfg.DBDriver != DBDriverPostgres {
		return fmt.Errorf("db driver must be 'sqlite' or 'postgres'")
	}
	if cfg.DBDriver == DBDriverPostgres && cfg.DBDSN == "" {
		return fmt.Errorf("db_dsn is required for the postgres driver")
	}

	// Chains
	if cfg.SourceChainID == 0 || cfg.DestChainID == 0 {
		return fmt.Errorf("source_chain_id and dest_chain_id are required")
	}
	if cfg.SourceChainID == cfg.DestChainID {
		return fmt.Errorf("source and destination chain must differ")
	}
	if len(cfg.SourceRPCURLs) == 0 {
		return fmt.Errorf("at least one source RPC URL is required")
	}
	if len(cfg.DestRPCURLs) == 0 {
		return fmt.Errorf("at least one destination RPC URL is required")
	}
	if !common.IsHexAddress(cfg.SourceContractAddress) {
		return fmt.Errorf("invalid source contract address %q", cfg.SourceContractAddress)
	}
	if !common.IsHexAddress(cfg.DestContractAddress) {
		return fmt.Errorf("invalid destination contract address %q", cfg.DestContractAddress)
	}

	// Retry policy
	if cfg.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitialSeconds == 0 {
		cfg.BackoffInitialSeconds = 2
	}
	if cfg.BackoffMaxSeconds == 0 {
		cfg.BackoffMaxSeconds = 300
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	if cfg.BackoffMaxSeconds < cfg.BackoffInitialSeconds {
		return fmt.Errorf("backoff_max_seconds must not be below backoff_initial_seconds")
	}

	// Set defaults for event monitoring
	if cfg.EventPollingIntervalSeconds == 0 {
		cfg.EventPollingIntervalSeconds = 5
	}
	if cfg.EventBlockRange == 0 {
		cfg.EventBlockRange = 1000
	}

	// Set defaults for submission
	if cfg.SubmitWorkers == 0 {
		cfg.SubmitWorkers = 4
	}
	if cfg.SubmitQueueSize == 0 {
		cfg.SubmitQueueSize = 1024
	}
	if cfg.SubmitWorkers < 0 || cfg.SubmitQueueSize < 0 {
		return fmt.Errorf("submit_workers and submit_queue_size must not be negative")
	}
	if cfg.BroadcastTimeoutSeconds == 0 {
		cfg.BroadcastTimeoutSeconds = 30
	}
	if cfg.ConfirmationPollIntervalSeconds == 0 {
		cfg.ConfirmationPollIntervalSeconds = 5
	}
	if cfg.ConfirmationTimeoutSeconds == 0 {
		cfg.ConfirmationTimeoutSeconds = 600
	}
	if cfg.RetrySweepIntervalSeconds == 0 {
		cfg.RetrySweepIntervalSeconds = 10
	}

	// Set defaults for the RPC client
	if cfg.RPCRetryAttempts == 0 {
		cfg.RPCRetryAttempts = 3
	}
	if cfg.RPCTimeoutSeconds == 0 {
		cfg.RPCTimeoutSeconds = 15
	}
	if cfg.RPCRequestsPerSecond < 0 {
		return fmt.Errorf("rpc_requests_per_second must not be negative")
	}

	// Set defaults for archival
	if cfg.ArchiveIntervalSeconds == 0 {
		cfg.ArchiveIntervalSeconds = 3600
	}
	if cfg.ArchiveAfterSeconds == 0 {
		cfg.ArchiveAfterSeconds = 604800
	}

	// Set defaults for query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	if len(cfg.AlreadyExecutedReasons) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.AlreadyExecutedReasons = defaultCfg.AlreadyExecutedReasons
		}
	}

	return nil
}

// Validate checks cfg and fills in defaults for unset optional fields.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <NodeDir>/config/relayer_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <BasePath>/config/relayer_config.json, applies
// RELAYER_* environment overrides and validates the result.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnvOverrides overwrites fields of cfg from RELAYER_<JSON_KEY>
// environment variables. List values are comma separated.
func ApplyEnvOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	overrides := map[string]func(any) error{
		"log_level":   override(&cfg.LogLevel, cast.ToIntE),
		"log_format":  override(&cfg.LogFormat, toText),
		"log_sampler": override(&cfg.LogSampler, cast.ToBoolE),
		"node_home":   override(&cfg.NodeHome, toText),
		"db_driver":   override(&cfg.DBDriver, toText),
		"db_dsn":      override(&cfg.DBDSN, toText),

		"source_chain_id":         override(&cfg.SourceChainID, cast.ToUint64E),
		"source_rpc_urls":         override(&cfg.SourceRPCURLs, toList),
		"source_contract_address": override(&cfg.SourceContractAddress, toText),
		"finality_depth":          override(&cfg.FinalityDepth, cast.ToUint64E),
		"dest_chain_id":           override(&cfg.DestChainID, cast.ToUint64E),
		"dest_rpc_urls":           override(&cfg.DestRPCURLs, toList),
		"dest_contract_address":   override(&cfg.DestContractAddress, toText),
		"confirmation_depth":      override(&cfg.ConfirmationDepth, cast.ToUint64E),

		"max_attempts":            override(&cfg.MaxAttempts, cast.ToIntE),
		"backoff_initial_seconds": override(&cfg.BackoffInitialSeconds, cast.ToIntE),
		"backoff_max_seconds":     override(&cfg.BackoffMaxSeconds, cast.ToIntE),
		"backoff_multiplier":      override(&cfg.BackoffMultiplier, cast.ToFloat64E),

		"event_polling_interval_seconds": override(&cfg.EventPollingIntervalSeconds, cast.ToIntE),
		"event_block_range":              override(&cfg.EventBlockRange, cast.ToUint64E),
		"event_start_from": func(raw any) error {
			n, err := cast.ToInt64E(raw)
			if err == nil {
				cfg.EventStartFrom = &n
			}
			return err
		},

		"submit_workers":                     override(&cfg.SubmitWorkers, cast.ToIntE),
		"submit_queue_size":                  override(&cfg.SubmitQueueSize, cast.ToIntE),
		"confirmation_poll_interval_seconds": override(&cfg.ConfirmationPollIntervalSeconds, cast.ToIntE),
		"confirmation_timeout_seconds":       override(&cfg.ConfirmationTimeoutSeconds, cast.ToIntE),
		"broadcast_timeout_seconds":          override(&cfg.BroadcastTimeoutSeconds, cast.ToIntE),
		"retry_sweep_interval_seconds":       override(&cfg.RetrySweepIntervalSeconds, cast.ToIntE),
		"already_executed_reasons":           override(&cfg.AlreadyExecutedReasons, toList),

		"rpc_requests_per_second":  override(&cfg.RPCRequestsPerSecond, cast.ToFloat64E),
		"rpc_retry_attempts":       override(&cfg.RPCRetryAttempts, cast.ToIntE),
		"rpc_timeout_seconds":      override(&cfg.RPCTimeoutSeconds, cast.ToIntE),
		"archive_interval_seconds": override(&cfg.ArchiveIntervalSeconds, cast.ToIntE),
		"archive_after_seconds":    override(&cfg.ArchiveAfterSeconds, cast.ToIntE),
		"query_server_port":        override(&cfg.QueryServerPort, cast.ToIntE),

		"signer_key_hex":    override(&cfg.SignerKeyHex, toText),
		"keystore_path":     override(&cfg.KeystorePath, toText),
		"keystore_password": override(&cfg.KeystorePassword, toText),
	}

	for key, apply := range overrides {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
		if !v.IsSet(key) {
			continue
		}
		if err := apply(v.Get(key)); err != nil {
			return fmt.Errorf("invalid %s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}

// override stores the converted value in dst
func override[T any](dst *T, convert func(any) (T, error)) func(any) error {
	return func(raw any) error {
		val, err := convert(raw)
		if err != nil {
			return err
		}
		*dst = val
		return nil
	}
}

func toText(raw any) (string, error) {
	s, err := cast.ToStringE(raw)
	return strings.TrimSpace(s), err
}

func toList(raw any) ([]string, error) {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return nil, err
	}
	return splitList(s), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
