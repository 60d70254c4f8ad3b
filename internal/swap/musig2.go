package swap

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// SessionState tracks a cooperative signing session through its
// two-round protocol.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionNonceGenerated
	SessionNoncesAggregated
	SessionInitialized
	SessionPartiallySigned
	SessionAggregated
)

// String renders the state for logs.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionNonceGenerated:
		return "nonce_generated"
	case SessionNoncesAggregated:
		return "nonces_aggregated"
	case SessionInitialized:
		return "initialized"
	case SessionPartiallySigned:
		return "partially_signed"
	case SessionAggregated:
		return "aggregated"
	default:
		return "unknown"
	}
}

// SigningSession is the ephemeral per-claim state of the cooperative
// MuSig2 protocol with the swap service. One session covers exactly one
// claim attempt and is discarded after aggregation or abort.
//
// SECURITY: the session tracks nonce usage. Reusing a MuSig2 nonce for
// two different messages leaks the private key, so after Sign the
// session is invalidated and a fresh session must be created.
type SigningSession struct {
	mu sync.Mutex

	state SessionState

	ownKey          *btcec.PrivateKey
	counterpartyKey *btcec.PublicKey
	aggregatedKey   *musig2.AggregateKey
	tweak           [32]byte

	localNonces *musig2.Nonces
	remoteNonce [musig2.PubNonceSize]byte

	usedNonces  map[[musig2.PubNonceSize]byte]bool
	nonceUsed   bool
	invalidated bool

	context *musig2.Context
	session *musig2.Session

	sighash [32]byte
}

// NewSigningSession creates a session bound to the joint key set
// {ownKey, counterpartyKey} tweaked by the swap tree's merkle root.
func NewSigningSession(ownKey *btcec.PrivateKey, counterpartyKey *btcec.PublicKey, tree *SwapTree) (*SigningSession, error) {
	if ownKey == nil || counterpartyKey == nil {
		return nil, fmt.Errorf("signing keys must not be nil")
	}
	if tree == nil {
		return nil, fmt.Errorf("swap tree must not be nil")
	}

	aggKey, err := AggregateSwapKeys(ownKey.PubKey(), counterpartyKey)
	if err != nil {
		return nil, err
	}

	return &SigningSession{
		state:           SessionIdle,
		ownKey:          ownKey,
		counterpartyKey: counterpartyKey,
		aggregatedKey:   aggKey,
		tweak:           tree.TweakScalar(aggKey.FinalKey),
		usedNonces:      make(map[[musig2.PubNonceSize]byte]bool),
	}, nil
}

// AggregateSwapKeys aggregates the two swap keys. Keys are sorted so
// both parties derive the same aggregate regardless of ordering.
func AggregateSwapKeys(a, b *btcec.PublicKey) (*musig2.AggregateKey, error) {
	aggKey, _, _, err := musig2.AggregateKeys([]*btcec.PublicKey{a, b}, true)
	if err != nil {
		return nil, fmt.Errorf("key aggregation failed: %w", err)
	}
	return aggKey, nil
}

// State returns the session's current state.
func (s *SigningSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AggregatedPubKey returns the untweaked aggregate of both keys.
func (s *SigningSession) AggregatedPubKey() *btcec.PublicKey {
	return s.aggregatedKey.FinalKey
}

// GenerateNonce derives a fresh local nonce and returns the public part
// for the counterparty. Idle -> NonceGenerated.
func (s *SigningSession) GenerateNonce() ([musig2.PubNonceSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero [musig2.PubNonceSize]byte
	if s.state != SessionIdle {
		return zero, fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}

	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.ownKey.PubKey()))
	if err != nil {
		return zero, fmt.Errorf("generate nonces: %w", err)
	}
	if s.usedNonces[nonces.PubNonce] {
		return zero, fmt.Errorf("%w: regenerated a used nonce", ErrNonceReuse)
	}

	s.localNonces = nonces
	s.state = SessionNonceGenerated
	return nonces.PubNonce, nil
}

// RegisterRemoteNonce records the counterparty's public nonce.
// NonceGenerated -> NoncesAggregated.
func (s *SigningSession) RegisterRemoteNonce(nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionNonceGenerated {
		return fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}
	if len(nonce) != musig2.PubNonceSize {
		return fmt.Errorf("invalid nonce size: expected %d, got %d", musig2.PubNonceSize, len(nonce))
	}

	copy(s.remoteNonce[:], nonce)
	s.state = SessionNoncesAggregated
	return nil
}

// Initialize binds the session to the exact taproot key-path sighash of
// the transaction being claimed. NoncesAggregated -> Initialized.
func (s *SigningSession) Initialize(sighash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionNoncesAggregated {
		return fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}

	// Signers must agree on key order.
	keys := []*btcec.PublicKey{s.ownKey.PubKey(), s.counterpartyKey}
	if bytes.Compare(keys[0].SerializeCompressed(), keys[1].SerializeCompressed()) > 0 {
		keys[0], keys[1] = keys[1], keys[0]
	}

	ctx, err := musig2.NewContext(
		s.ownKey, false,
		musig2.WithKnownSigners(keys),
		musig2.WithTweakedContext(musig2.KeyTweakDesc{
			Tweak:   s.tweak,
			IsXOnly: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("create signing context: %w", err)
	}

	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(s.localNonces))
	if err != nil {
		return fmt.Errorf("create signing session: %w", err)
	}
	if _, err := session.RegisterPubNonce(s.remoteNonce); err != nil {
		return fmt.Errorf("register remote nonce: %w", err)
	}

	s.context = ctx
	s.session = session
	s.sighash = sighash
	s.state = SessionInitialized
	return nil
}

// Sign computes the local partial signature over the bound sighash.
// Initialized -> PartiallySigned. The nonce is consumed: signing twice
// on one session is refused.
func (s *SigningSession) Sign() (*musig2.PartialSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionInitialized {
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}
	if s.invalidated {
		return nil, ErrSessionInvalidated
	}
	if s.nonceUsed {
		return nil, ErrNonceAlreadyUsed
	}
	if s.localNonces != nil && s.usedNonces[s.localNonces.PubNonce] {
		return nil, ErrNonceReuse
	}

	partialSig, err := s.session.Sign(s.sighash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	s.nonceUsed = true
	s.usedNonces[s.localNonces.PubNonce] = true
	s.state = SessionPartiallySigned
	return partialSig, nil
}

// Aggregate adds the counterparty's partial signature and produces the
// final aggregated Schnorr signature. PartiallySigned -> Aggregated.
// The session is invalidated afterwards.
func (s *SigningSession) Aggregate(remoteSig *musig2.PartialSignature) (*schnorr.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionPartiallySigned {
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}

	haveFinal, err := s.session.CombineSig(remoteSig)
	if err != nil {
		return nil, fmt.Errorf("combine signatures: %w", err)
	}
	if !haveFinal {
		return nil, fmt.Errorf("%w: not enough partial signatures", ErrSigningFailed)
	}

	s.invalidated = true
	s.state = SessionAggregated
	return s.session.FinalSig(), nil
}

// Abort invalidates the session. Any further operation fails.
func (s *SigningSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
	if s.localNonces != nil {
		s.usedNonces[s.localNonces.PubNonce] = true
	}
	s.session = nil
	s.context = nil
}

// Done reports whether the session reached a terminal state or was
// invalidated.
func (s *SigningSession) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionAggregated || s.invalidated
}

// VerifyPreimage checks counterparty-supplied preimage data against the
// invoice payment hash before any signing happens. This is the primary
// theft-prevention check: without it the counterparty could extract
// funds without ever paying the invoice.
func VerifyPreimage(preimage []byte, paymentHash [32]byte) error {
	if len(preimage) != 32 {
		return fmt.Errorf("%w: preimage is %d bytes, want 32", ErrCounterpartyFraud, len(preimage))
	}
	digest := sha256.Sum256(preimage)
	if !helpers.ConstantTimeCompare(digest[:], paymentHash[:]) {
		return fmt.Errorf("%w: preimage does not hash to payment hash", ErrCounterpartyFraud)
	}
	return nil
}

// ParsePartialSig decodes a counterparty partial signature from its
// 32-byte wire form.
func ParsePartialSig(raw []byte) (*musig2.PartialSignature, error) {
	sig := new(musig2.PartialSignature)
	if err := sig.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode partial signature: %w", err)
	}
	return sig, nil
}

// EncodePartialSig serializes a partial signature to its 32-byte wire
// form.
func EncodePartialSig(sig *musig2.PartialSignature) ([]byte, error) {
	var buf bytes.Buffer
	if err := sig.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode partial signature: %w", err)
	}
	return buf.Bytes(), nil
}
