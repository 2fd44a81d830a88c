package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Identity file suffixes, appended to the artifact's file stem.
const (
	KeypairSuffix          = "-keypair.json"
	EncryptedKeypairSuffix = "-keypair.enc.json"
)

// Source reports where an Identity's address came from.
type Source string

const (
	SourceKeypair   Source = "keypair"
	SourceEncrypted Source = "encrypted"
	SourceGenerated Source = "generated"
)

// Identity is the execution address assigned to a module. Path names the
// identity file the address was read from, if any.
type Identity struct {
	Address solana.PublicKey
	Source  Source
	Path    string
}

// ResolveIdentity returns the address held by the plain keypair file, else
// by the encrypted one, else a freshly generated address. A file that
// exists but cannot be parsed or decrypted is logged and skipped; only read
// failures other than a missing file are errors.
func ResolveIdentity(plain, encrypted, password string, logger *slog.Logger) (Identity, error) {
	key, err := ReadKeypairFile(plain)
	switch {
	case err == nil:
		return Identity{Address: key.PublicKey(), Source: SourceKeypair, Path: plain}, nil
	case errors.Is(err, ErrInvalidKey):
		logger.Warn("ignoring unusable keypair file", slog.String("path", plain), slog.String("error", err.Error()))
	case !errors.Is(err, fs.ErrNotExist):
		return Identity{}, fmt.Errorf("crypto: reading %s: %w", plain, err)
	}

	data, err := os.ReadFile(encrypted)
	switch {
	case err == nil:
		key, err := DecryptKey(data, password)
		if err == nil {
			return Identity{Address: key.PublicKey(), Source: SourceEncrypted, Path: encrypted}, nil
		}
		logger.Warn("ignoring undecryptable keypair file", slog.String("path", encrypted), slog.String("error", err.Error()))
	case !errors.Is(err, fs.ErrNotExist):
		return Identity{}, fmt.Errorf("crypto: reading %s: %w", encrypted, err)
	}

	return Identity{Address: solana.NewWallet().PublicKey(), Source: SourceGenerated}, nil
}

// ReadKeypairFile reads a keypair written by solana-keygen (a JSON array of
// 64 bytes) or a file holding the base58-encoded key.
func ReadKeypairFile(path string) (solana.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		key, err := solana.PrivateKeyFromSolanaKeygenFileBytes([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromBase58(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return key, nil
}
