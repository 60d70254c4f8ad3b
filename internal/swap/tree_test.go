package swap

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/network"
)

// elementsLeafVersion is the tapscript leaf version used on the asset
// chain.
const elementsLeafVersion = 0xc4

func buildClaimLeafScript(t *testing.T, paymentHash [32]byte, claimKey *btcec.PublicKey) []byte {
	t.Helper()
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(Hash160OfPaymentHash(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(schnorr.SerializePubKey(claimKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("build claim leaf: %v", err)
	}
	return script
}

func buildRefundLeafScript(t *testing.T, refundKey *btcec.PublicKey, timeoutHeight uint32) []byte {
	t.Helper()
	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(refundKey))
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(int64(timeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("build refund leaf: %v", err)
	}
	return script
}

func buildTestTree(t *testing.T, paymentHash [32]byte, claimKey, refundKey *btcec.PublicKey, timeoutHeight uint32) *SwapTree {
	t.Helper()
	claimScript := buildClaimLeafScript(t, paymentHash, claimKey)
	refundScript := buildRefundLeafScript(t, refundKey, timeoutHeight)

	tree, err := NewSwapTree(elementsLeafVersion, claimScript, elementsLeafVersion, refundScript)
	if err != nil {
		t.Fatalf("NewSwapTree: %v", err)
	}
	return tree
}

func TestNewSwapTree(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	tree := buildTestTree(t, paymentHash, claimKey.PubKey(), refundKey.PubKey(), 123456)

	if tree.TimeoutHeight != 123456 {
		t.Errorf("timeout = %d, want 123456", tree.TimeoutHeight)
	}
	if !tree.MatchesPaymentHash(paymentHash) {
		t.Error("payment hash not matched")
	}
	if !bytes.Equal(schnorr.SerializePubKey(tree.ClaimPubKey), schnorr.SerializePubKey(claimKey.PubKey())) {
		t.Error("claim key mismatch")
	}
	if !bytes.Equal(schnorr.SerializePubKey(tree.RefundPubKey), schnorr.SerializePubKey(refundKey.PubKey())) {
		t.Error("refund key mismatch")
	}
	if len(tree.MerkleRoot()) != 32 {
		t.Error("merkle root is not 32 bytes")
	}
}

func TestNewSwapTreeRejectsUnknownLeaves(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	claimScript := buildClaimLeafScript(t, paymentHash, claimKey.PubKey())
	refundScript := buildRefundLeafScript(t, refundKey.PubKey(), 123456)

	tests := []struct {
		name         string
		claimScript  []byte
		refundScript []byte
	}{
		{"swapped leaves", refundScript, claimScript},
		{"empty claim leaf", nil, refundScript},
		{"claim leaf truncated", claimScript[:len(claimScript)-1], refundScript},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSwapTree(elementsLeafVersion, tt.claimScript, elementsLeafVersion, tt.refundScript)
			if !errors.Is(err, ErrUnknownScriptTemplate) {
				t.Errorf("err = %v, want ErrUnknownScriptTemplate", err)
			}
		})
	}
}

func TestNewSwapTreeRejectsNonBaseLeafVersion(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	claimScript := buildClaimLeafScript(t, paymentHash, claimKey.PubKey())
	refundScript := buildRefundLeafScript(t, refundKey.PubKey(), 123456)

	if _, err := NewSwapTree(0xc0, claimScript, elementsLeafVersion, refundScript); !errors.Is(err, ErrUnknownScriptTemplate) {
		t.Errorf("bitcoin claim leaf version: err = %v, want ErrUnknownScriptTemplate", err)
	}
	if _, err := NewSwapTree(elementsLeafVersion, claimScript, 0xc6, refundScript); !errors.Is(err, ErrUnknownScriptTemplate) {
		t.Errorf("odd refund leaf version: err = %v, want ErrUnknownScriptTemplate", err)
	}
}

func TestVerifyLockupAddress(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))
	tree := buildTestTree(t, paymentHash, claimKey.PubKey(), refundKey.PubKey(), 123456)

	aggKey, err := AggregateSwapKeys(claimKey.PubKey(), refundKey.PubKey())
	if err != nil {
		t.Fatalf("AggregateSwapKeys: %v", err)
	}

	outputKey := tree.OutputKey(aggKey.PreTweakedKey)
	addr, err := address.ToBech32(&address.Bech32{
		Prefix:  network.Regtest.Bech32,
		Version: 1,
		Program: schnorr.SerializePubKey(outputKey),
	})
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}

	if err := tree.VerifyLockupAddress(addr, aggKey.PreTweakedKey); err != nil {
		t.Errorf("VerifyLockupAddress: %v", err)
	}

	// Same tree, different internal key: must be rejected as fraud.
	otherKey, _ := newTestKeys(t)
	err = tree.VerifyLockupAddress(addr, otherKey.PubKey())
	if !errors.Is(err, ErrCounterpartyFraud) {
		t.Errorf("err = %v, want ErrCounterpartyFraud", err)
	}
}

func TestRefundControlBlock(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))
	tree := buildTestTree(t, paymentHash, claimKey.PubKey(), refundKey.PubKey(), 123456)

	aggKey, err := AggregateSwapKeys(claimKey.PubKey(), refundKey.PubKey())
	if err != nil {
		t.Fatalf("AggregateSwapKeys: %v", err)
	}

	block, err := tree.RefundControlBlock(aggKey.PreTweakedKey)
	if err != nil {
		t.Fatalf("RefundControlBlock: %v", err)
	}
	// version byte + 32B internal key + 32B sibling hash
	if len(block) != 65 {
		t.Errorf("control block is %d bytes, want 65", len(block))
	}
}
