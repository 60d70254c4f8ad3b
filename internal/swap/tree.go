package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/taproot"
)

// taprootTweakTag is the tagged-hash prefix for Elements taproot tweaks.
// Elements uses its own tag so Bitcoin commitments can never be replayed.
const taprootTweakTag = "TapTweak/elements"

// claimLeafTemplate is the swap tree's hash branch:
//
//	OP_HASH160 <20B ripemd160(paymentHash)> OP_EQUALVERIFY
//	<32B x-only claimPubKey> OP_CHECKSIG
var claimLeafTemplate = []templateToken{
	{kind: tokenOpcode, opcode: txscript.OP_HASH160},
	{kind: tokenPush, length: 20},
	{kind: tokenOpcode, opcode: txscript.OP_EQUALVERIFY},
	{kind: tokenPush, length: 32},
	{kind: tokenOpcode, opcode: txscript.OP_CHECKSIG},
}

// refundLeafTemplate is the swap tree's timeout branch:
//
//	<32B x-only refundPubKey> OP_CHECKSIGVERIFY
//	<timeoutHeight> OP_CHECKLOCKTIMEVERIFY
var refundLeafTemplate = []templateToken{
	{kind: tokenPush, length: 32},
	{kind: tokenOpcode, opcode: txscript.OP_CHECKSIGVERIFY},
	{kind: tokenNumber},
	{kind: tokenOpcode, opcode: txscript.OP_CHECKLOCKTIMEVERIFY},
}

// SwapTree is the validated Taproot contract of a swap: a claim leaf
// spendable with the invoice preimage and a refund leaf spendable after
// the timeout height. The key path is the MuSig2 aggregated key of both
// parties, tweaked by the leaf merkle root.
type SwapTree struct {
	// ClaimLeaf and RefundLeaf are the raw tapscript leaves.
	ClaimLeaf  taproot.TapElementsLeaf
	RefundLeaf taproot.TapElementsLeaf

	// PaymentHash160 is the hash lock embedded in the claim leaf.
	PaymentHash160 [20]byte

	// ClaimPubKey is the x-only key of the claim leaf.
	ClaimPubKey *btcec.PublicKey

	// RefundPubKey is the x-only key of the refund leaf.
	RefundPubKey *btcec.PublicKey

	// TimeoutHeight is the absolute lock height of the refund leaf.
	TimeoutHeight uint32
}

// NewSwapTree parses and validates the two leaves of a swap tree. Both
// leaves must match their templates exactly.
func NewSwapTree(claimVersion byte, claimScript []byte, refundVersion byte, refundScript []byte) (*SwapTree, error) {
	if claimVersion != byte(taproot.BaseElementsLeafVersion) {
		return nil, fmt.Errorf("%w: claim leaf version 0x%02x", ErrUnknownScriptTemplate, claimVersion)
	}
	if refundVersion != byte(taproot.BaseElementsLeafVersion) {
		return nil, fmt.Errorf("%w: refund leaf version 0x%02x", ErrUnknownScriptTemplate, refundVersion)
	}

	claimPushes, _, err := matchTemplate(claimScript, claimLeafTemplate)
	if err != nil {
		return nil, fmt.Errorf("claim leaf: %w", err)
	}
	refundPushes, refundNumbers, err := matchTemplate(refundScript, refundLeafTemplate)
	if err != nil {
		return nil, fmt.Errorf("refund leaf: %w", err)
	}

	claimKey, err := schnorr.ParsePubKey(claimPushes[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid claim leaf pubkey: %v", ErrUnknownScriptTemplate, err)
	}
	refundKey, err := schnorr.ParsePubKey(refundPushes[0])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refund leaf pubkey: %v", ErrUnknownScriptTemplate, err)
	}
	if refundNumbers[0] == 0 {
		return nil, fmt.Errorf("%w: refund leaf timeout is zero", ErrUnknownScriptTemplate)
	}

	tree := &SwapTree{
		ClaimLeaf:     taproot.NewTapElementsLeaf(txscript.TapscriptLeafVersion(claimVersion), claimScript),
		RefundLeaf:    taproot.NewTapElementsLeaf(txscript.TapscriptLeafVersion(refundVersion), refundScript),
		ClaimPubKey:   claimKey,
		RefundPubKey:  refundKey,
		TimeoutHeight: uint32(refundNumbers[0]),
	}
	copy(tree.PaymentHash160[:], claimPushes[0])
	return tree, nil
}

// MatchesPaymentHash reports whether the claim leaf commits to the given
// invoice payment hash.
func (t *SwapTree) MatchesPaymentHash(paymentHash [32]byte) bool {
	return bytes.Equal(t.PaymentHash160[:], Hash160OfPaymentHash(paymentHash))
}

// MerkleRoot computes the root of the two-leaf script tree.
func (t *SwapTree) MerkleRoot() []byte {
	indexed := taproot.AssembleTaprootScriptTree(t.ClaimLeaf, t.RefundLeaf)
	root := indexed.RootNode.TapHash()
	return root[:]
}

// OutputKey tweaks the aggregated internal key with the tree's merkle
// root, producing the key committed in the lockup output.
func (t *SwapTree) OutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	return taproot.ComputeTaprootOutputKey(internalKey, t.MerkleRoot())
}

// TweakScalar returns the Elements-tagged taproot tweak for the internal
// key, as consumed by the cooperative signing session.
func (t *SwapTree) TweakScalar(internalKey *btcec.PublicKey) [32]byte {
	tweak := chainhash.TaggedHash(
		[]byte(taprootTweakTag),
		schnorr.SerializePubKey(internalKey),
		t.MerkleRoot(),
	)
	return *tweak
}

// OutputScript returns the P2TR output script for the tweaked key.
func (t *SwapTree) OutputScript(internalKey *btcec.PublicKey) []byte {
	outputKey := t.OutputKey(internalKey)

	script := make([]byte, 34)
	script[0] = txscript.OP_1
	script[1] = txscript.OP_DATA_32
	copy(script[2:], schnorr.SerializePubKey(outputKey))
	return script
}

// VerifyLockupAddress checks that the address committed on-chain locks
// to exactly the key this tree produces. This is a trust boundary: a
// counterparty substituting a different tree or key must be caught here
// before any funds are treated as claimable.
func (t *SwapTree) VerifyLockupAddress(lockupAddress string, internalKey *btcec.PublicKey) error {
	got, err := address.ToOutputScript(lockupAddress)
	if err != nil {
		return fmt.Errorf("%w: undecodable lockup address: %v", ErrInvalidSwapResponse, err)
	}
	want := t.OutputScript(internalKey)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: lockup address does not match swap tree output key",
			ErrCounterpartyFraud)
	}
	return nil
}

// RefundControlBlock builds the script-path control block for spending
// the refund leaf.
func (t *SwapTree) RefundControlBlock(internalKey *btcec.PublicKey) ([]byte, error) {
	indexed := taproot.AssembleTaprootScriptTree(t.ClaimLeaf, t.RefundLeaf)

	for _, proof := range indexed.LeafMerkleProofs {
		if proof.TapHash() == t.RefundLeaf.TapHash() {
			block := proof.ToControlBlock(internalKey)
			return block.ToBytes()
		}
	}
	return nil, fmt.Errorf("refund leaf not found in assembled tree")
}
