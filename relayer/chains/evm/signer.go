package evm

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LoadSigningKey returns the destination signing key from a raw hex key or,
// if that is empty, from an encrypted go-ethereum keystore file.
func LoadSigningKey(keyHex, keystorePath, password string) (*ecdsa.PrivateKey, error) {
	if keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
		return key, nil
	}

	if keystorePath == "" {
		return nil, fmt.Errorf("no signer configured: set signer_key_hex or keystore_path")
	}

	data, err := os.ReadFile(filepath.Clean(keystorePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %w", err)
	}
	decrypted, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// AddressOf returns the account address controlled by key
func AddressOf(key *ecdsa.PrivateKey) ethcommon.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
