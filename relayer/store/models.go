// Package store contains the GORM models persisted by the relayer.
//
// Database Structure (default file: <home>/data/relayer.db):
//
//	relayer.db
//	├── relay_records   one row per observed lock event, unique on
//	│                   (source_chain_id, source_tx_hash, log_index)
//	└── chain_states    scan cursor per source chain
package store

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// AlreadyExecutedTxHash is recorded as the destination tx hash when the
// destination chain reports the unlock as already executed and no broadcast
// of ours is known to have landed.
const AlreadyExecutedTxHash = "already-executed"

// LockEvent is the normalized fact observed on the source chain.
// It is immutable once stored.
type LockEvent struct {
	SourceChainID string `gorm:"uniqueIndex:idx_identity;not null" json:"source_chain_id"`
	SourceTxHash  string `gorm:"uniqueIndex:idx_identity;not null" json:"source_tx_hash"`
	LogIndex      uint   `gorm:"uniqueIndex:idx_identity;not null" json:"log_index"`
	DestChainID   string `gorm:"not null" json:"dest_chain_id"` // declared by the event
	User          string `gorm:"not null" json:"user"`          // recipient on the destination chain
	Token         string `gorm:"not null" json:"token"`         // source-chain asset address
	Amount        string `gorm:"not null" json:"amount"`        // uint256 as decimal string
	BlockNumber   uint64 `gorm:"index;not null" json:"block_number"`
}

// Key returns the identity key of the event
func (e LockEvent) Key() Key {
	return Key{
		SourceChainID: e.SourceChainID,
		SourceTxHash:  strings.ToLower(e.SourceTxHash),
		LogIndex:      e.LogIndex,
	}
}

// AmountInt parses Amount as a positive integer
func (e LockEvent) AmountInt() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(e.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount: %q", e.Amount)
	}
	return amount, nil
}

// RelayRecord is the unit of relay work and its durable lifecycle state.
// Rows are never deleted; terminal rows may be archived.
type RelayRecord struct {
	ID uint `gorm:"primaryKey" json:"id"`
	LockEvent `gorm:"embedded"`

	State          State      `gorm:"type:varchar(32);index;not null" json:"state"`
	DestTxHash     string     `json:"dest_tx_hash,omitempty"`      // set iff state is SUBMITTED or CONFIRMED
	LastDestTxHash string     `json:"last_dest_tx_hash,omitempty"` // most recent signed unlock, checkpointed before broadcast
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `gorm:"index" json:"next_attempt_at,omitempty"`
	ArchivedAt     *time.Time `gorm:"index" json:"archived_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Key returns the identity key of the record
func (r *RelayRecord) Key() Key {
	return r.LockEvent.Key()
}

// ChainState tracks the scan cursor of a source chain subscription.
type ChainState struct {
	ID        uint   `gorm:"primaryKey"`
	ChainID   string `gorm:"uniqueIndex;not null"`
	Cursor    uint64 // next block the watcher has to scan
	UpdatedAt time.Time
}

// Key is the identity of a lock event: (sourceChainId, sourceTxHash, logIndex).
type Key struct {
	SourceChainID string
	SourceTxHash  string
	LogIndex      uint
}

// String renders the key as "<sourceChainId>:<sourceTxHash>:<logIndex>"
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.SourceChainID, strings.ToLower(k.SourceTxHash), k.LogIndex)
}

// ParseKey parses the String form of a Key
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid record key %q, want <chain>:<tx_hash>:<log_index>", s)
	}
	logIndex, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("invalid log index in key %q: %w", s, err)
	}
	return Key{
		SourceChainID: parts[0],
		SourceTxHash:  strings.ToLower(parts[1]),
		LogIndex:      uint(logIndex),
	}, nil
}
