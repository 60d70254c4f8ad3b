package swap

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/network"

	"github.com/tidewallet-labs/tidewallet/internal/invoice"
	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// BlindingData is the disclosed confidential data of a spent output.
// A UTXO without it cannot be used in a confidential transaction.
type BlindingData struct {
	Asset        []byte
	Value        uint64
	AssetBlinder []byte
	ValueBlinder []byte
}

// Utxo is an unspent lockup output as reported by the chain backend.
type Utxo struct {
	TxID string
	VOut uint32

	// Script is the output's witness program.
	Script []byte

	// AssetCommitment and ValueCommitment are the confidential
	// commitments as they appear on-chain. Explicit outputs carry the
	// serialized explicit forms instead.
	AssetCommitment []byte
	ValueCommitment []byte

	// Nonce, RangeProof and SurjectionProof are the remaining witness
	// data of the output, required to spend it in a new confidential
	// transaction.
	Nonce           []byte
	RangeProof      []byte
	SurjectionProof []byte

	// Blinding holds the unblinded output data. Nil when the output
	// could not be unblinded.
	Blinding *BlindingData
}

// TreeLeaf is one raw tapscript leaf from a swap service response.
type TreeLeaf struct {
	Version byte
	Script  []byte
}

// SubmarineContract is the swap service's reply to opening a submarine
// (off-chain to on-chain) swap, reduced to the fields the engine
// validates and keeps.
type SubmarineContract struct {
	ID             string
	ClaimPublicKey []byte
	ClaimLeaf      TreeLeaf
	RefundLeaf     TreeLeaf

	// RedeemScript is set instead of the leaves for legacy swaps.
	RedeemScript []byte

	LockupAddress      string
	BlindingKey        []byte
	ExpectedAmount     uint64
	TimeoutBlockHeight uint32
}

// ReverseContract is the service's reply to opening a reverse
// (on-chain to off-chain) swap.
type ReverseContract struct {
	ID              string
	Invoice         string
	RefundPublicKey []byte
	ClaimLeaf       TreeLeaf
	RefundLeaf      TreeLeaf

	LockupAddress      string
	BlindingKey        []byte
	OnchainAmount      uint64
	TimeoutBlockHeight uint32
}

// SubmarineSwap is the engine's record of one submarine swap.
type SubmarineSwap struct {
	ID        string
	CreatedAt time.Time

	Invoice *invoice.Invoice

	// RefundKey is our ephemeral key for the refund branch.
	RefundKey *btcec.PrivateKey

	// ClaimPubKey is the service's key for the claim branch.
	ClaimPubKey *btcec.PublicKey

	// Exactly one of Tree and HTLC is set.
	Tree *SwapTree
	HTLC *LegacyHTLC

	LockupAddress string

	// BlindingKey unblinds the lockup output. The service discloses it
	// so both sides can watch the funding.
	BlindingKey *btcec.PrivateKey

	ExpectedAmount uint64
	TimeoutHeight  uint32
}

// ReverseSwap is the engine's record of one reverse swap.
type ReverseSwap struct {
	ID        string
	CreatedAt time.Time

	// Preimage is generated locally and revealed only after the lockup
	// is claimable.
	Preimage [32]byte

	Invoice *invoice.Invoice

	// ClaimKey is our ephemeral key for the claim branch.
	ClaimKey *btcec.PrivateKey

	// RefundPubKey is the service's key for the refund branch.
	RefundPubKey *btcec.PublicKey

	Tree *SwapTree

	LockupAddress string
	BlindingKey   *btcec.PrivateKey

	OnchainAmount uint64
	TimeoutHeight uint32

	// DestinationAddress receives the claimed funds.
	DestinationAddress string
}

// NewSubmarineSwap cross-checks a submarine response against what we
// asked for and returns the validated record. Nothing may be funded
// before this passes: the service controls the response and could
// otherwise substitute a script it alone can spend.
func NewSubmarineSwap(inv *invoice.Invoice, refundKey *btcec.PrivateKey, c SubmarineContract, net *network.Network) (*SubmarineSwap, error) {
	if inv == nil || refundKey == nil {
		return nil, fmt.Errorf("invoice and refund key are required")
	}

	claimPub, err := btcec.ParsePubKey(c.ClaimPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable claim pubkey: %v", ErrInvalidSwapResponse, err)
	}
	blindingKey, err := parseBlindingKey(c.BlindingKey)
	if err != nil {
		return nil, err
	}

	record := &SubmarineSwap{
		ID:             c.ID,
		CreatedAt:      time.Now(),
		Invoice:        inv,
		RefundKey:      refundKey,
		ClaimPubKey:    claimPub,
		LockupAddress:  c.LockupAddress,
		BlindingKey:    blindingKey,
		ExpectedAmount: c.ExpectedAmount,
		TimeoutHeight:  c.TimeoutBlockHeight,
	}

	if c.ExpectedAmount < inv.AmountSat {
		return nil, fmt.Errorf("%w: expected amount %d below invoice amount %d",
			ErrInvalidSwapResponse, c.ExpectedAmount, inv.AmountSat)
	}

	if len(c.RedeemScript) > 0 {
		htlc, err := ParseLegacyHTLC(c.RedeemScript)
		if err != nil {
			return nil, err
		}
		if !htlc.MatchesPaymentHash(inv.PaymentHash) {
			return nil, fmt.Errorf("%w: script hash lock does not commit to invoice", ErrCounterpartyFraud)
		}
		if !helpers.CompareBytes(htlc.RefundPubKey.SerializeCompressed(), refundKey.PubKey().SerializeCompressed()) {
			return nil, fmt.Errorf("%w: refund pubkey is not ours", ErrInvalidSwapResponse)
		}
		if !helpers.CompareBytes(htlc.ClaimPubKey.SerializeCompressed(), c.ClaimPublicKey) {
			return nil, fmt.Errorf("%w: claim pubkey mismatch", ErrInvalidSwapResponse)
		}
		if htlc.TimeoutHeight != c.TimeoutBlockHeight {
			return nil, fmt.Errorf("%w: script timeout %d does not match reported %d",
				ErrInvalidSwapResponse, htlc.TimeoutHeight, c.TimeoutBlockHeight)
		}
		if err := verifyLegacyLockupAddress(htlc, c.LockupAddress, blindingKey, net); err != nil {
			return nil, err
		}
		record.HTLC = htlc
		return record, nil
	}

	tree, err := NewSwapTree(c.ClaimLeaf.Version, c.ClaimLeaf.Script, c.RefundLeaf.Version, c.RefundLeaf.Script)
	if err != nil {
		return nil, err
	}
	if !tree.MatchesPaymentHash(inv.PaymentHash) {
		return nil, fmt.Errorf("%w: claim leaf does not commit to invoice", ErrCounterpartyFraud)
	}
	if !helpers.CompareBytes(schnorr.SerializePubKey(tree.ClaimPubKey), schnorr.SerializePubKey(claimPub)) {
		return nil, fmt.Errorf("%w: claim leaf pubkey mismatch", ErrInvalidSwapResponse)
	}
	if !helpers.CompareBytes(schnorr.SerializePubKey(tree.RefundPubKey), schnorr.SerializePubKey(refundKey.PubKey())) {
		return nil, fmt.Errorf("%w: refund leaf pubkey is not ours", ErrInvalidSwapResponse)
	}
	if tree.TimeoutHeight != c.TimeoutBlockHeight {
		return nil, fmt.Errorf("%w: tree timeout %d does not match reported %d",
			ErrInvalidSwapResponse, tree.TimeoutHeight, c.TimeoutBlockHeight)
	}

	aggKey, err := AggregateSwapKeys(refundKey.PubKey(), claimPub)
	if err != nil {
		return nil, err
	}
	if err := tree.VerifyLockupAddress(c.LockupAddress, aggKey.PreTweakedKey); err != nil {
		return nil, err
	}
	if err := verifyAddressBlinding(c.LockupAddress, blindingKey); err != nil {
		return nil, err
	}

	record.Tree = tree
	return record, nil
}

// NewReverseSwap cross-checks a reverse response. The response invoice
// must commit to our preimage: a service handing out a different
// invoice would collect the payment without the lockup being claimable.
func NewReverseSwap(preimage [32]byte, claimKey *btcec.PrivateKey, amountSat uint64, c ReverseContract, lnParams *chaincfg.Params, destinationAddress string) (*ReverseSwap, error) {
	if claimKey == nil {
		return nil, fmt.Errorf("claim key is required")
	}

	inv, err := invoice.Decode(c.Invoice, lnParams)
	if err != nil {
		return nil, fmt.Errorf("%w: response invoice: %v", ErrInvalidSwapResponse, err)
	}

	paymentHash := sha256.Sum256(preimage[:])
	if !helpers.ConstantTimeCompare(inv.PaymentHash[:], paymentHash[:]) {
		return nil, fmt.Errorf("%w: response invoice does not commit to our preimage", ErrCounterpartyFraud)
	}
	if inv.AmountSat != amountSat {
		return nil, fmt.Errorf("%w: invoice amount %d does not match requested %d",
			ErrInvalidSwapResponse, inv.AmountSat, amountSat)
	}
	if c.OnchainAmount == 0 || c.OnchainAmount > amountSat {
		return nil, fmt.Errorf("%w: implausible onchain amount %d", ErrInvalidSwapResponse, c.OnchainAmount)
	}

	refundPub, err := btcec.ParsePubKey(c.RefundPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable refund pubkey: %v", ErrInvalidSwapResponse, err)
	}
	blindingKey, err := parseBlindingKey(c.BlindingKey)
	if err != nil {
		return nil, err
	}

	tree, err := NewSwapTree(c.ClaimLeaf.Version, c.ClaimLeaf.Script, c.RefundLeaf.Version, c.RefundLeaf.Script)
	if err != nil {
		return nil, err
	}
	if !tree.MatchesPaymentHash(paymentHash) {
		return nil, fmt.Errorf("%w: claim leaf does not commit to our preimage", ErrCounterpartyFraud)
	}
	if !helpers.CompareBytes(schnorr.SerializePubKey(tree.ClaimPubKey), schnorr.SerializePubKey(claimKey.PubKey())) {
		return nil, fmt.Errorf("%w: claim leaf pubkey is not ours", ErrInvalidSwapResponse)
	}
	if !helpers.CompareBytes(schnorr.SerializePubKey(tree.RefundPubKey), schnorr.SerializePubKey(refundPub)) {
		return nil, fmt.Errorf("%w: refund leaf pubkey mismatch", ErrInvalidSwapResponse)
	}
	if tree.TimeoutHeight != c.TimeoutBlockHeight {
		return nil, fmt.Errorf("%w: tree timeout %d does not match reported %d",
			ErrInvalidSwapResponse, tree.TimeoutHeight, c.TimeoutBlockHeight)
	}

	aggKey, err := AggregateSwapKeys(claimKey.PubKey(), refundPub)
	if err != nil {
		return nil, err
	}
	if err := tree.VerifyLockupAddress(c.LockupAddress, aggKey.PreTweakedKey); err != nil {
		return nil, err
	}
	if err := verifyAddressBlinding(c.LockupAddress, blindingKey); err != nil {
		return nil, err
	}

	return &ReverseSwap{
		ID:                 c.ID,
		CreatedAt:          time.Now(),
		Preimage:           preimage,
		Invoice:            inv,
		ClaimKey:           claimKey,
		RefundPubKey:       refundPub,
		Tree:               tree,
		LockupAddress:      c.LockupAddress,
		BlindingKey:        blindingKey,
		OnchainAmount:      c.OnchainAmount,
		TimeoutHeight:      c.TimeoutBlockHeight,
		DestinationAddress: destinationAddress,
	}, nil
}

// parseBlindingKey decodes the lockup blinding private key the service
// discloses for confidential swaps. Nil input means an unblinded swap.
func parseBlindingKey(raw []byte) (*btcec.PrivateKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: blinding key is %d bytes, want 32", ErrInvalidSwapResponse, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// verifyAddressBlinding checks that the lockup address is blinded to
// the disclosed key, so the service cannot hand us a key that does not
// actually unblind the lockup.
func verifyAddressBlinding(lockupAddress string, blindingKey *btcec.PrivateKey) error {
	if blindingKey == nil {
		return nil
	}
	conf, err := address.FromConfidential(lockupAddress)
	if err != nil {
		return fmt.Errorf("%w: lockup address is not confidential: %v", ErrInvalidSwapResponse, err)
	}
	if !helpers.CompareBytes(conf.BlindingKey, blindingKey.PubKey().SerializeCompressed()) {
		return fmt.Errorf("%w: lockup address not blinded to disclosed key", ErrCounterpartyFraud)
	}
	return nil
}

// verifyLegacyLockupAddress recomputes the P2WSH funding address of a
// legacy HTLC and compares it to the reported lockup address.
func verifyLegacyLockupAddress(htlc *LegacyHTLC, lockupAddress string, blindingKey *btcec.PrivateKey, net *network.Network) error {
	var blindingPub *btcec.PublicKey
	if blindingKey != nil {
		blindingPub = blindingKey.PubKey()
	}
	derived, err := htlc.FundingAddress(net, blindingPub)
	if err != nil {
		return err
	}
	if derived != lockupAddress {
		return fmt.Errorf("%w: lockup address does not match redeem script", ErrCounterpartyFraud)
	}
	return nil
}

// VerifyAddressSignature checks the service's Schnorr signature over a
// direct-payment address against the routing hint's public key. A
// forged signature means someone substituted their own address.
func VerifyAddressSignature(addr string, sig []byte, hintKey *btcec.PublicKey) error {
	if hintKey == nil {
		return fmt.Errorf("%w: no hint key to verify against", ErrCounterpartyFraud)
	}
	signature, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: undecodable address signature: %v", ErrCounterpartyFraud, err)
	}
	digest := sha256.Sum256([]byte(addr))
	if !signature.Verify(digest[:], hintKey) {
		return fmt.Errorf("%w: forged direct-payment address signature", ErrCounterpartyFraud)
	}
	return nil
}
