package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/vulpemventures/go-elements/payment"

	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

// AddressInfo describes one derived confidential address.
type AddressInfo struct {
	// Address is the blech32 confidential address.
	Address string

	// Script is the unconfidential output script.
	Script []byte

	// PublicKey is the address's signing public key.
	PublicKey *btcec.PublicKey

	// BlindingKey is the SLIP-77 blinding private key for Script.
	BlindingKey *btcec.PrivateKey

	// Path is the BIP84 derivation path.
	Path string

	// Index is the address index within the external branch.
	Index uint32
}

// Service manages the wallet lifecycle and hands out keys and
// addresses. Address and swap key counters are serialized so two
// concurrent swaps never share a key.
type Service struct {
	params   *config.NetworkParams
	seedPath string
	log      *logging.Logger

	mu            sync.Mutex
	wallet        *Wallet
	nextAddrIndex uint32
	nextSwapIndex uint32
}

// NewService creates a wallet service storing its encrypted seed at
// seedPath.
func NewService(params *config.NetworkParams, seedPath string) *Service {
	return &Service{
		params:   params,
		seedPath: seedPath,
		log:      logging.GetDefault().Component("wallet"),
	}
}

// CreateWallet derives a wallet from the mnemonic and stores the
// mnemonic encrypted under the password.
func (s *Service) CreateWallet(mnemonic, passphrase, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := NewFromMnemonic(mnemonic, passphrase, s.params)
	if err != nil {
		return err
	}

	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}
	if err := SaveEncryptedSeed(encrypted, s.seedPath); err != nil {
		return err
	}

	s.wallet = w
	s.log.Info("wallet created", "network", s.params.Name, "seed_file", s.seedPath)
	return nil
}

// LoadWallet unlocks the stored seed with the password.
func (s *Service) LoadWallet(password, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := LoadEncryptedSeed(s.seedPath)
	if err != nil {
		return err
	}
	mnemonic, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return err
	}

	w, err := NewFromMnemonic(mnemonic, passphrase, s.params)
	if err != nil {
		return err
	}

	s.wallet = w
	s.log.Info("wallet unlocked", "network", s.params.Name)
	return nil
}

// IsUnlocked reports whether keys are available.
func (s *Service) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet != nil
}

// RestoreCounters positions the address and swap key counters, used
// when resuming from persisted swap records.
func (s *Service) RestoreCounters(addrIndex, swapIndex uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addrIndex > s.nextAddrIndex {
		s.nextAddrIndex = addrIndex
	}
	if swapIndex > s.nextSwapIndex {
		s.nextSwapIndex = swapIndex
	}
}

// NextAddress derives a fresh confidential receive address and
// advances the address counter.
func (s *Service) NextAddress() (*AddressInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.addressAt(s.nextAddrIndex)
	if err != nil {
		return nil, err
	}
	s.nextAddrIndex++
	return info, nil
}

// AddressAt re-derives the confidential address at a known index.
func (s *Service) AddressAt(index uint32) (*AddressInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addressAt(index)
}

func (s *Service) addressAt(index uint32) (*AddressInfo, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet is locked")
	}

	priv, err := s.wallet.DeriveKey(branchExternal, index)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey()

	// The blinding key is bound to the script, so build the
	// unconfidential payment first.
	plain := payment.FromPublicKey(pub, s.params.Elements, nil)
	blindPriv, blindPub, err := s.wallet.BlindingKeyFor(plain.WitnessScript)
	if err != nil {
		return nil, err
	}

	confidential := payment.FromPublicKey(pub, s.params.Elements, blindPub)
	addr, err := confidential.ConfidentialWitnessPubKeyHash()
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}

	return &AddressInfo{
		Address:     addr,
		Script:      plain.WitnessScript,
		PublicKey:   pub,
		BlindingKey: blindPriv,
		Path:        s.wallet.DerivationPath(branchExternal, index),
		Index:       index,
	}, nil
}

// NextSwapKey derives a fresh key for a swap's claim or refund leaf
// and advances the swap counter. The index is returned for
// persistence.
func (s *Service) NextSwapKey() (*btcec.PrivateKey, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallet == nil {
		return nil, 0, fmt.Errorf("wallet is locked")
	}

	index := s.nextSwapIndex
	priv, err := s.wallet.DeriveKey(branchSwap, index)
	if err != nil {
		return nil, 0, err
	}
	s.nextSwapIndex++
	return priv, index, nil
}

// SwapKeyAt re-derives the swap key at a known index, used when
// resuming a persisted swap.
func (s *Service) SwapKeyAt(index uint32) (*btcec.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallet == nil {
		return nil, fmt.Errorf("wallet is locked")
	}
	return s.wallet.DeriveKey(branchSwap, index)
}

// SignWithKey signs a digest with the swap key at index. Used for the
// ECDSA witness of legacy HTLC scripts.
func (s *Service) SignWithKey(index uint32, digest []byte) (*ecdsa.Signature, error) {
	priv, err := s.SwapKeyAt(index)
	if err != nil {
		return nil, err
	}
	return ecdsa.Sign(priv, digest), nil
}

// BlindingKeyFor derives the SLIP-77 blinding key pair for an
// arbitrary output script, such as a swap lockup script.
func (s *Service) BlindingKeyFor(script []byte) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallet == nil {
		return nil, nil, fmt.Errorf("wallet is locked")
	}
	return s.wallet.BlindingKeyFor(script)
}
