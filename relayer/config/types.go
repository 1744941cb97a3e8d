package config

import (
	"strconv"
	"time"

	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
)

// DB drivers
const (
	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Relayer home directory (default: ~/.relayer)

	// Database Config
	DBDriver string `json:"db_driver"` // "sqlite" (default) or "postgres"
	DBDSN    string `json:"db_dsn"`    // PostgreSQL DSN, ignored for sqlite

	// Source ledger (where TokenLocked is emitted)
	SourceChainID         uint64   `json:"source_chain_id"`
	SourceRPCURLs         []string `json:"source_rpc_urls"`
	SourceContractAddress string   `json:"source_contract_address"`
	FinalityDepth         uint64   `json:"finality_depth"` // blocks on top of the lock block before it is relayed

	// Destination ledger (where confirmUnlock is called)
	DestChainID         uint64   `json:"dest_chain_id"`
	DestRPCURLs         []string `json:"dest_rpc_urls"`
	DestContractAddress string   `json:"dest_contract_address"`
	ConfirmationDepth   uint64   `json:"confirmation_depth"` // blocks on top of the unlock tx before it is Confirmed

	// Retry policy
	MaxAttempts           int     `json:"max_attempts"`            // submission attempts before a record is dead-lettered (default: 5)
	BackoffInitialSeconds int     `json:"backoff_initial_seconds"` // default: 2
	BackoffMaxSeconds     int     `json:"backoff_max_seconds"`     // default: 300
	BackoffMultiplier     float64 `json:"backoff_multiplier"`      // default: 2

	// Event monitoring
	EventPollingIntervalSeconds int    `json:"event_polling_interval_seconds"` // default: 5
	EventBlockRange             uint64 `json:"event_block_range"`              // max blocks per log query (default: 1000)

	// If set to a non-negative value, the watcher starts from this block on
	// first start. If -1 or absent, it starts from the latest block (or from
	// the stored cursor when available).
	EventStartFrom *int64 `json:"event_start_from,omitempty"`

	// Submission
	SubmitWorkers                   int `json:"submit_workers"`                     // default: 4
	SubmitQueueSize                 int `json:"submit_queue_size"`                  // pending submissions held in memory (default: 1024)
	ConfirmationPollIntervalSeconds int `json:"confirmation_poll_interval_seconds"` // default: 5
	ConfirmationTimeoutSeconds      int `json:"confirmation_timeout_seconds"`       // default: 600
	BroadcastTimeoutSeconds         int `json:"broadcast_timeout_seconds"`          // bound on one send, shutdown included (default: 30)
	RetrySweepIntervalSeconds       int `json:"retry_sweep_interval_seconds"`       // default: 10

	// Revert reasons (substring match) meaning the unlock was already executed
	AlreadyExecutedReasons []string `json:"already_executed_reasons"`

	// RPC client
	RPCRequestsPerSecond float64 `json:"rpc_requests_per_second"` // 0 disables rate limiting
	RPCRetryAttempts     int     `json:"rpc_retry_attempts"`      // default: 3
	RPCTimeoutSeconds    int     `json:"rpc_timeout_seconds"`     // default: 15

	// Archival of terminal records
	ArchiveIntervalSeconds int `json:"archive_interval_seconds"` // default: 3600
	ArchiveAfterSeconds    int `json:"archive_after_seconds"`    // default: 604800

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP query server (default: 8080)

	// Destination signer, either a raw hex key or a go-ethereum keystore file
	SignerKeyHex     string `json:"signer_key_hex,omitempty"`
	KeystorePath     string `json:"keystore_path,omitempty"`
	KeystorePassword string `json:"keystore_password,omitempty"`
}

// SourceChainKey is the chain identifier used in records and logs
func (c *Config) SourceChainKey() string {
	return strconv.FormatUint(c.SourceChainID, 10)
}

// DestChainKey is the destination chain identifier compared against lock events
func (c *Config) DestChainKey() string {
	return strconv.FormatUint(c.DestChainID, 10)
}

// BackoffPolicy returns the retry backoff for failed submissions
func (c *Config) BackoffPolicy() relayerrors.BackoffPolicy {
	return relayerrors.BackoffPolicy{
		InitialDelay: seconds(c.BackoffInitialSeconds),
		MaxDelay:     seconds(c.BackoffMaxSeconds),
		Multiplier:   c.BackoffMultiplier,
	}
}

func (c *Config) EventPollingInterval() time.Duration {
	return seconds(c.EventPollingIntervalSeconds)
}

func (c *Config) ConfirmationPollInterval() time.Duration {
	return seconds(c.ConfirmationPollIntervalSeconds)
}

func (c *Config) ConfirmationTimeout() time.Duration {
	return seconds(c.ConfirmationTimeoutSeconds)
}

func (c *Config) BroadcastTimeout() time.Duration {
	return seconds(c.BroadcastTimeoutSeconds)
}

func (c *Config) RetrySweepInterval() time.Duration {
	return seconds(c.RetrySweepIntervalSeconds)
}

func (c *Config) ArchiveInterval() time.Duration {
	return seconds(c.ArchiveIntervalSeconds)
}

func (c *Config) ArchiveAfter() time.Duration {
	return seconds(c.ArchiveAfterSeconds)
}

func (c *Config) RPCTimeout() time.Duration {
	return seconds(c.RPCTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
