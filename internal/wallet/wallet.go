// Package wallet derives the keys the swap engine works with: BIP84
// signing keys from a BIP39 seed and SLIP-77 blinding keys for
// confidential addresses.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"
	"github.com/vulpemventures/go-elements/slip77"

	"github.com/tidewallet-labs/tidewallet/internal/config"
)

// BIP44 coin types. Liquid registered 1776; test networks share 1.
const (
	coinTypeLiquid  uint32 = 1776
	coinTypeTestnet uint32 = 1
)

const bip84Purpose uint32 = 84

// Key derivation branches under the account node. Receive addresses
// and swap keys advance independent counters so reusing one never
// skips indexes on the other.
const (
	branchExternal uint32 = 0
	branchSwap     uint32 = 2
)

// Wallet holds the HD key tree and the SLIP-77 blinding master.
type Wallet struct {
	masterKey      *hdkeychain.ExtendedKey
	blindingMaster *slip77.Slip77
	params         *config.NetworkParams

	mu    sync.Mutex
	cache map[uint64]*hdkeychain.ExtendedKey
}

// GenerateMnemonic returns a fresh 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic checks a mnemonic against the BIP39 wordlist.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic builds a wallet from a BIP39 mnemonic. The
// passphrase may be empty.
func NewFromMnemonic(mnemonic, passphrase string, params *config.NetworkParams) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), params)
}

// NewFromSeed builds a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, params *config.NetworkParams) (*Wallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, params.Lightning)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	blindingMaster, err := slip77.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("derive blinding master: %w", err)
	}

	return &Wallet{
		masterKey:      masterKey,
		blindingMaster: blindingMaster,
		params:         params,
		cache:          make(map[uint64]*hdkeychain.ExtendedKey),
	}, nil
}

// CoinType returns the BIP44 coin type for the wallet's network.
func (w *Wallet) CoinType() uint32 {
	if w.params.Name == config.NetworkMainnet {
		return coinTypeLiquid
	}
	return coinTypeTestnet
}

// DeriveKey derives m/84'/coin'/0'/branch/index.
func (w *Wallet) DeriveKey(branch, index uint32) (*btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cacheKey := uint64(branch)<<32 | uint64(index)
	key, ok := w.cache[cacheKey]
	if !ok {
		var err error
		key = w.masterKey
		for _, step := range []uint32{
			hdkeychain.HardenedKeyStart + bip84Purpose,
			hdkeychain.HardenedKeyStart + w.CoinType(),
			hdkeychain.HardenedKeyStart, // account 0
			branch,
			index,
		} {
			key, err = key.Derive(step)
			if err != nil {
				return nil, fmt.Errorf("derive step %d: %w", step, err)
			}
		}
		w.cache[cacheKey] = key
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return priv, nil
}

// BlindingKeyFor derives the SLIP-77 blinding key pair for an output
// script.
func (w *Wallet) BlindingKeyFor(script []byte) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	priv, pub, err := w.blindingMaster.DeriveKey(script)
	if err != nil {
		return nil, nil, fmt.Errorf("derive blinding key: %w", err)
	}
	return priv, pub, nil
}

// DerivationPath renders the path of a derived key for display and
// storage.
func (w *Wallet) DerivationPath(branch, index uint32) string {
	return fmt.Sprintf("m/84'/%d'/0'/%d/%d", w.CoinType(), branch, index)
}
