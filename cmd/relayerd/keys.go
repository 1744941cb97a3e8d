package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pushchain/bridge-relayer/relayer/chains/evm"
	"github.com/pushchain/bridge-relayer/relayer/config"
)

const keystoreSubdir = "keystore"

// keysCmd returns the keys command with all subcommands
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the destination chain signing key",
		Long: `
The keys commands manage the key that signs unlock transactions on the
destination chain. Keys are stored as encrypted keystore files under
<home>/keystore; point keystore_path in the config at the file.

Available Commands:
  new     Create a new key
  import  Import a hex encoded private key
  show    Show the address of the configured signer
`,
	}

	cmd.AddCommand(keysNewCmd())
	cmd.AddCommand(keysImportCmd())
	cmd.AddCommand(keysShowCmd())
	return cmd
}

func keysNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create a new encrypted signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := getPassphrase("Enter keystore passphrase: ", true)
			if err != nil {
				return err
			}

			ks := newKeyStore(homeDir(cmd))
			account, err := ks.NewAccount(passphrase)
			if err != nil {
				return fmt.Errorf("failed to create key: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Address:  %s\n", account.Address.Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "Keystore: %s\n", account.URL.Path)
			return nil
		},
	}
}

func keysImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <hex_private_key>",
		Short: "Import a private key into an encrypted keystore file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(args[0]), "0x"))
			if err != nil {
				return fmt.Errorf("invalid private key: %w", err)
			}

			passphrase, err := getPassphrase("Enter keystore passphrase: ", true)
			if err != nil {
				return err
			}

			ks := newKeyStore(homeDir(cmd))
			account, err := ks.ImportECDSA(key, passphrase)
			if err != nil {
				return fmt.Errorf("failed to import key: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Address:  %s\n", account.Address.Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "Keystore: %s\n", account.URL.Path)
			return nil
		},
	}
}

func keysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the address of the configured signer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(homeDir(cmd))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			password := cfg.KeystorePassword
			if cfg.SignerKeyHex == "" && cfg.KeystorePath != "" && password == "" {
				if password, err = getPassphrase("Enter keystore passphrase: ", false); err != nil {
					return err
				}
			}

			key, err := evm.LoadSigningKey(cfg.SignerKeyHex, cfg.KeystorePath, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), evm.AddressOf(key).Hex())
			return nil
		},
	}
}

func newKeyStore(home string) *keystore.KeyStore {
	return keystore.NewKeyStore(filepath.Join(home, keystoreSubdir), keystore.StandardScryptN, keystore.StandardScryptP)
}

// getPassphrase reads a passphrase from the terminal without echoing it
func getPassphrase(prompt string, confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr)

	passphrase := string(passBytes)
	if passphrase == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return "", err
		}
		fmt.Fprintln(os.Stderr)

		if passphrase != string(confirmBytes) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}

	return passphrase, nil
}
