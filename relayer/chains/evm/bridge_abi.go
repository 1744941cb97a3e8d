package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

const bridgeABIJSON = `[
  {
    "anonymous": false,
    "name": "TokenLocked",
    "type": "event",
    "inputs": [
      {"indexed": true,  "name": "user",    "type": "address"},
      {"indexed": false, "name": "token",   "type": "address"},
      {"indexed": false, "name": "amount",  "type": "uint256"},
      {"indexed": false, "name": "chainId", "type": "uint256"}
    ]
  },
  {
    "name": "confirmUnlock",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "token",   "type": "address"},
      {"name": "amount",  "type": "uint256"},
      {"name": "user",    "type": "address"},
      {"name": "chainId", "type": "uint256"}
    ],
    "outputs": []
  }
]`

// BridgeCodec decodes TokenLocked logs and encodes confirmUnlock calls
type BridgeCodec struct {
	abi       abi.ABI
	lockTopic ethcommon.Hash
}

var _ common.Codec = (*BridgeCodec)(nil)

// NewBridgeCodec parses the bridge ABI
func NewBridgeCodec() (*BridgeCodec, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}
	event, ok := parsed.Events["TokenLocked"]
	if !ok {
		return nil, fmt.Errorf("bridge ABI has no TokenLocked event")
	}
	return &BridgeCodec{abi: parsed, lockTopic: event.ID}, nil
}

// LockTopic returns topic[0] of TokenLocked logs
func (c *BridgeCodec) LockTopic() ethcommon.Hash {
	return c.lockTopic
}

// DecodeLock decodes a TokenLocked log. The destination chain id is taken
// from the event itself, not from the relayer configuration.
func (c *BridgeCodec) DecodeLock(ev common.RawEvent) (store.LockEvent, error) {
	if len(ev.Topics) != 2 {
		return store.LockEvent{}, relayerrors.NewDecodeError(ev.ChainID,
			fmt.Sprintf("TokenLocked log must have 2 topics, got %d", len(ev.Topics)), nil)
	}
	if ethcommon.HexToHash(ev.Topics[0]) != c.lockTopic {
		return store.LockEvent{}, relayerrors.NewDecodeError(ev.ChainID, "log is not a TokenLocked event", nil)
	}

	values, err := c.abi.Events["TokenLocked"].Inputs.NonIndexed().Unpack(ev.Data)
	if err != nil {
		return store.LockEvent{}, relayerrors.NewDecodeError(ev.ChainID, "failed to unpack TokenLocked data", err)
	}
	if len(values) != 3 {
		return store.LockEvent{}, relayerrors.NewDecodeError(ev.ChainID,
			fmt.Sprintf("unexpected TokenLocked field count %d", len(values)), nil)
	}

	token, ok1 := values[0].(ethcommon.Address)
	amount, ok2 := values[1].(*big.Int)
	destChainID, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return store.LockEvent{}, relayerrors.NewDecodeError(ev.ChainID, "unexpected TokenLocked field types", nil)
	}

	user := ethcommon.BytesToAddress(ethcommon.HexToHash(ev.Topics[1]).Bytes())

	return store.LockEvent{
		SourceChainID: ev.ChainID,
		SourceTxHash:  strings.ToLower(ev.TxHash),
		LogIndex:      ev.LogIndex,
		DestChainID:   destChainID.String(),
		User:          user.Hex(),
		Token:         token.Hex(),
		Amount:        amount.String(),
		BlockNumber:   ev.BlockNumber,
	}, nil
}

// EncodeUnlock packs confirmUnlock(token, amount, user, sourceChainId)
func (c *BridgeCodec) EncodeUnlock(ev store.LockEvent) ([]byte, error) {
	if !ethcommon.IsHexAddress(ev.Token) || !ethcommon.IsHexAddress(ev.User) {
		return nil, relayerrors.NewDecodeError(ev.SourceChainID, "lock event carries a malformed address", nil)
	}
	amount, err := ev.AmountInt()
	if err != nil {
		return nil, relayerrors.NewDecodeError(ev.SourceChainID, "lock event carries a malformed amount", err)
	}
	sourceChainID, ok := new(big.Int).SetString(ev.SourceChainID, 10)
	if !ok {
		return nil, relayerrors.NewDecodeError(ev.SourceChainID, "source chain id is not numeric", nil)
	}

	data, err := c.abi.Pack("confirmUnlock",
		ethcommon.HexToAddress(ev.Token),
		amount,
		ethcommon.HexToAddress(ev.User),
		sourceChainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack confirmUnlock: %w", err)
	}
	return data, nil
}

// PackLockData builds the non-indexed data of a TokenLocked log
func (c *BridgeCodec) PackLockData(token ethcommon.Address, amount, destChainID *big.Int) ([]byte, error) {
	return c.abi.Events["TokenLocked"].Inputs.NonIndexed().Pack(token, amount, destChainID)
}
