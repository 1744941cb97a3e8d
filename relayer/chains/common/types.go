// Package common defines the ledger capabilities the relayer consumes.
// Concrete implementations live in sibling packages (evm, mock).
package common

import (
	"context"

	"github.com/pushchain/bridge-relayer/relayer/store"
)

// LockEventSignature is the source contract event relayed by this service
const LockEventSignature = "TokenLocked(address,address,uint256,uint256)"

// RawEvent is a contract log as delivered by a ledger, before decoding
type RawEvent struct {
	ChainID     string   `json:"chain_id"`
	Contract    string   `json:"contract"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash,omitempty"` // empty when the ledger has no block hashes
	Topics      []string `json:"topics"` // hex encoded, topic[0] is the event signature hash
	Data        []byte   `json:"data"`
}

// Key returns the identity key of the event the log carries
func (e RawEvent) Key() store.Key {
	return store.LockEvent{SourceChainID: e.ChainID, SourceTxHash: e.TxHash, LogIndex: e.LogIndex}.Key()
}

// Subscription delivers raw events until it fails or is unsubscribed.
// Events may be redelivered; consumers deduplicate by identity key.
type Subscription interface {
	// Events yields logs in block order
	Events() <-chan RawEvent

	// Err yields at most one error, after which Events is closed
	Err() <-chan error

	// Unsubscribe stops delivery and releases resources. Safe to call more than once.
	Unsubscribe()
}

// TxStatusKind classifies the destination state of a submitted transaction
type TxStatusKind string

const (
	TxPending   TxStatusKind = "PENDING"
	TxConfirmed TxStatusKind = "CONFIRMED"
	TxReverted  TxStatusKind = "REVERTED"
	TxNotFound  TxStatusKind = "NOT_FOUND"
)

// TxStatus is the result of GetTxStatus. Depth is the number of blocks
// including the one holding the transaction; it is only set for CONFIRMED.
type TxStatus struct {
	Kind        TxStatusKind
	Depth       uint64
	BlockNumber uint64
}

// TxRequest is a contract call to sign and broadcast
type TxRequest struct {
	To       string
	CallData []byte

	// BeforeBroadcast, if set, receives the hash of the signed transaction
	// before it is sent. A non-nil error aborts the broadcast.
	BeforeBroadcast func(txHash string) error
}

// EventSource is the read side of a source ledger
type EventSource interface {
	ChainID() string

	// SubscribeEvents streams logs of eventSig emitted by contract, starting at fromBlock
	SubscribeEvents(ctx context.Context, contract, eventSig string, fromBlock uint64) (Subscription, error)

	// GetChainHead returns the latest block number
	GetChainHead(ctx context.Context) (uint64, error)

	// IsTxPresentAt reports whether txHash is included in the canonical block
	// blockNumber. A non-empty blockHash must match that block's hash too.
	IsTxPresentAt(ctx context.Context, txHash string, blockNumber uint64, blockHash string) (bool, error)
}

// TxSender is the write side of a destination ledger. The signing key is
// held by the implementation.
type TxSender interface {
	ChainID() string

	// SendTransaction signs and broadcasts req and returns the tx hash.
	// Errors are classified as TRANSIENT_SEND, FATAL_SEND or ALREADY_EXECUTED.
	SendTransaction(ctx context.Context, req TxRequest) (string, error)

	// GetTxStatus reports the inclusion state of txHash
	GetTxStatus(ctx context.Context, txHash string) (TxStatus, error)

	// SignerAddress identifies the signing account; submissions are serialized per account
	SignerAddress() string
}

// LedgerClient is a full ledger capability
type LedgerClient interface {
	EventSource
	TxSender
	Close()
}

// Codec translates between ledger payloads and lock/unlock semantics
type Codec interface {
	// DecodeLock turns a raw lock log into a LockEvent
	DecodeLock(ev RawEvent) (store.LockEvent, error)

	// EncodeUnlock builds the confirmUnlock(token, amount, user, sourceChainId) call data
	EncodeUnlock(ev store.LockEvent) ([]byte, error)
}
