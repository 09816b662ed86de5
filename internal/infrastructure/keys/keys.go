// Package keys derives the per-swap keys from a single BIP39 mnemonic so
// that every swap key can be recovered from the seed and the index stored in
// the swap record.
//
// Swap keys live at m/44'/<coin type>'/0'/0/<index>.
package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

const (
	purpose      = 44
	swapAccount  = 0
	externalPath = 0

	mnemonicFile = "mnemonic"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

type KeyManager struct {
	chain *bip32.Key
}

func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

func NewKeyManager(mnemonic string, network *chaincfg.Params) (*KeyManager, error) {
	if network == nil {
		return nil, fmt.Errorf("missing network")
	}
	seed, err := bip39.NewSeedWithErrorChecking(normalize(mnemonic), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMnemonic, err)
	}

	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	chain := master
	for _, index := range []uint32{
		bip32.FirstHardenedChild + purpose,
		bip32.FirstHardenedChild + network.HDCoinType,
		bip32.FirstHardenedChild + swapAccount,
		externalPath,
	} {
		if chain, err = chain.NewChildKey(index); err != nil {
			return nil, fmt.Errorf("failed to derive swap chain: %w", err)
		}
	}

	return &KeyManager{chain}, nil
}

// LoadOrCreate returns the key manager for mnemonic. Without one, it uses the
// mnemonic stored in datadir, generating and storing a new one the first time.
func LoadOrCreate(datadir, mnemonic string, network *chaincfg.Params) (*KeyManager, error) {
	if len(mnemonic) > 0 {
		return NewKeyManager(mnemonic, network)
	}

	path := filepath.Join(datadir, mnemonicFile)
	stored, err := os.ReadFile(path)
	switch {
	case err == nil:
		return NewKeyManager(string(stored), network)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read mnemonic: %w", err)
	}

	mnemonic, err = GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(datadir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %w", err)
	}
	if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to store mnemonic: %w", err)
	}
	log.Infof("generated new mnemonic, stored in %s", path)

	return NewKeyManager(mnemonic, network)
}

// SwapKey returns the private key of the swap at index.
func (m *KeyManager) SwapKey(index uint32) (*btcec.PrivateKey, error) {
	if index >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("swap key index %d out of range", index)
	}
	child, err := m.chain.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive swap key %d: %w", index, err)
	}
	key, _ := btcec.PrivKeyFromBytes(child.Key)
	return key, nil
}

func normalize(mnemonic string) string {
	return strings.Join(strings.Fields(mnemonic), " ")
}
