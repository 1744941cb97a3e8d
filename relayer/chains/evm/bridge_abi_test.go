package evm

import (
	"math/big"
	"strings"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

var (
	testUser  = ethcommon.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken = ethcommon.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func lockLog(t *testing.T, codec *BridgeCodec, destChainID int64) common.RawEvent {
	t.Helper()
	data, err := codec.PackLockData(testToken, big.NewInt(5_000), big.NewInt(destChainID))
	require.NoError(t, err)
	return common.RawEvent{
		ChainID:     "1",
		TxHash:      "0xABCDEF",
		LogIndex:    4,
		BlockNumber: 1000,
		Topics: []string{
			codec.LockTopic().Hex(),
			ethcommon.BytesToHash(testUser.Bytes()).Hex(),
		},
		Data: data,
	}
}

func TestLockTopicMatchesSignature(t *testing.T) {
	codec, err := NewBridgeCodec()
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte(common.LockEventSignature)), codec.LockTopic())
}

func TestDecodeLock(t *testing.T) {
	codec, err := NewBridgeCodec()
	require.NoError(t, err)

	t.Run("decodes every field", func(t *testing.T) {
		ev, err := codec.DecodeLock(lockLog(t, codec, 2))
		require.NoError(t, err)
		assert.Equal(t, store.LockEvent{
			SourceChainID: "1",
			SourceTxHash:  "0xabcdef",
			LogIndex:      4,
			DestChainID:   "2",
			User:          testUser.Hex(),
			Token:         testToken.Hex(),
			Amount:        "5000",
			BlockNumber:   1000,
		}, ev)
	})

	t.Run("rejects foreign topics", func(t *testing.T) {
		raw := lockLog(t, codec, 2)
		raw.Topics[0] = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()
		_, err := codec.DecodeLock(raw)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDecode))
	})

	t.Run("rejects missing indexed user", func(t *testing.T) {
		raw := lockLog(t, codec, 2)
		raw.Topics = raw.Topics[:1]
		_, err := codec.DecodeLock(raw)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDecode))
	})

	t.Run("rejects truncated data", func(t *testing.T) {
		raw := lockLog(t, codec, 2)
		raw.Data = raw.Data[:40]
		_, err := codec.DecodeLock(raw)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDecode))
	})
}

func TestEncodeUnlock(t *testing.T) {
	codec, err := NewBridgeCodec()
	require.NoError(t, err)

	ev := store.LockEvent{
		SourceChainID: "11155111",
		User:          testUser.Hex(),
		Token:         testToken.Hex(),
		Amount:        "123456789012345678901234567890",
	}
	data, err := codec.EncodeUnlock(ev)
	require.NoError(t, err)

	method := codec.abi.Methods["confirmUnlock"]
	assert.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 4)
	assert.Equal(t, testToken, args[0])
	assert.Equal(t, "123456789012345678901234567890", args[1].(*big.Int).String())
	assert.Equal(t, testUser, args[2])
	assert.Equal(t, int64(11155111), args[3].(*big.Int).Int64())

	t.Run("rejects malformed fields", func(t *testing.T) {
		bad := ev
		bad.User = "alice"
		_, err := codec.EncodeUnlock(bad)
		assert.Error(t, err)

		bad = ev
		bad.Amount = "1e18"
		_, err = codec.EncodeUnlock(bad)
		assert.Error(t, err)

		bad = ev
		bad.SourceChainID = "eth"
		_, err = codec.EncodeUnlock(bad)
		assert.True(t, strings.Contains(err.Error(), "not numeric"))
	})
}
