package evm

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSigningKey(t *testing.T) {
	t.Run("raw hex with prefix", func(t *testing.T) {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keyHex := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

		loaded, err := LoadSigningKey(keyHex, "", "")
		require.NoError(t, err)
		assert.Equal(t, AddressOf(key), AddressOf(loaded))
	})

	t.Run("keystore file", func(t *testing.T) {
		account, err := keystore.StoreKey(t.TempDir(), "secret", keystore.LightScryptN, keystore.LightScryptP)
		require.NoError(t, err)

		loaded, err := LoadSigningKey("", account.URL.Path, "secret")
		require.NoError(t, err)
		assert.Equal(t, account.Address, AddressOf(loaded))

		_, err = LoadSigningKey("", account.URL.Path, "wrong")
		assert.Error(t, err)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := LoadSigningKey("", "", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no signer configured")
	})

	t.Run("garbage key", func(t *testing.T) {
		_, err := LoadSigningKey("zz", "", "")
		assert.Error(t, err)
	})
}
