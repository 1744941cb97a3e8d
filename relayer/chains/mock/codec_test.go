package mock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

func lockFixture() store.LockEvent {
	return store.LockEvent{
		SourceChainID: "1",
		SourceTxHash:  "0xa",
		DestChainID:   "2",
		User:          "alice",
		Token:         "usdc",
		Amount:        "10",
		BlockNumber:   5,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	ledger := New("1")
	raw := ledger.AddLock("0xa", 0, 5, LockPayload{User: "alice", Token: "usdc", Amount: "10", DestChainID: "2"})

	ev, err := Codec{}.DecodeLock(raw)
	require.NoError(t, err)
	assert.Equal(t, lockFixture(), ev)

	_, err = Codec{}.DecodeLock(common.RawEvent{ChainID: "1", Data: []byte("{")})
	assert.Error(t, err)

	data, err := Codec{}.EncodeUnlock(ev)
	require.NoError(t, err)
	call, err := DecodeUnlock(data)
	require.NoError(t, err)
	assert.Equal(t, UnlockCall{Token: "usdc", Amount: "10", User: "alice", SourceChainID: "1"}, call)
}
