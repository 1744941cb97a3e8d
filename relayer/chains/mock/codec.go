package mock

import (
	"encoding/json"
	"fmt"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

// LockPayload is the body of a mock lock log
type LockPayload struct {
	User        string `json:"user"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	DestChainID string `json:"dest_chain_id"`
}

// UnlockCall is the body of a mock confirmUnlock call
type UnlockCall struct {
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	User          string `json:"user"`
	SourceChainID string `json:"source_chain_id"`
}

// Codec encodes mock payloads as JSON
type Codec struct{}

var _ common.Codec = Codec{}

func (Codec) DecodeLock(ev common.RawEvent) (store.LockEvent, error) {
	var p LockPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return store.LockEvent{}, relayerrors.NewDecodeError(ev.ChainID, "malformed mock lock payload", err)
	}
	return store.LockEvent{
		SourceChainID: ev.ChainID,
		SourceTxHash:  ev.TxHash,
		LogIndex:      ev.LogIndex,
		DestChainID:   p.DestChainID,
		User:          p.User,
		Token:         p.Token,
		Amount:        p.Amount,
		BlockNumber:   ev.BlockNumber,
	}, nil
}

func (Codec) EncodeUnlock(ev store.LockEvent) ([]byte, error) {
	if _, err := ev.AmountInt(); err != nil {
		return nil, err
	}
	return json.Marshal(UnlockCall{
		Token:         ev.Token,
		Amount:        ev.Amount,
		User:          ev.User,
		SourceChainID: ev.SourceChainID,
	})
}

// DecodeUnlock parses call data produced by EncodeUnlock
func DecodeUnlock(data []byte) (UnlockCall, error) {
	var call UnlockCall
	if err := json.Unmarshal(data, &call); err != nil {
		return UnlockCall{}, fmt.Errorf("malformed unlock call: %w", err)
	}
	return call, nil
}
