package swap

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/network"
)

func newTestKeys(t *testing.T) (*btcec.PrivateKey, *btcec.PrivateKey) {
	t.Helper()
	a, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return a, b
}

func TestLegacyHTLCRoundTrip(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	script, err := BuildLegacyHTLC(paymentHash, claimKey.PubKey(), refundKey.PubKey(), 840000)
	if err != nil {
		t.Fatalf("BuildLegacyHTLC: %v", err)
	}

	htlc, err := ParseLegacyHTLC(script)
	if err != nil {
		t.Fatalf("ParseLegacyHTLC: %v", err)
	}
	if htlc.TimeoutHeight != 840000 {
		t.Errorf("timeout = %d, want 840000", htlc.TimeoutHeight)
	}
	if !htlc.ClaimPubKey.IsEqual(claimKey.PubKey()) {
		t.Error("claim pubkey mismatch")
	}
	if !htlc.RefundPubKey.IsEqual(refundKey.PubKey()) {
		t.Error("refund pubkey mismatch")
	}
	if !htlc.MatchesPaymentHash(paymentHash) {
		t.Error("payment hash not matched")
	}

	rebuilt, err := htlc.Script()
	if err != nil {
		t.Fatalf("Script: %v", err)
	}
	if !bytes.Equal(script, rebuilt) {
		t.Errorf("round trip mismatch:\n got %x\nwant %x", rebuilt, script)
	}
}

func TestParseLegacyHTLCRejectsDeviations(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	valid, err := BuildLegacyHTLC(paymentHash, claimKey.PubKey(), refundKey.PubKey(), 500000)
	if err != nil {
		t.Fatalf("BuildLegacyHTLC: %v", err)
	}

	truncated := valid[:len(valid)-1]

	wrongOp := append([]byte(nil), valid...)
	wrongOp[0] = txscript.OP_SHA256

	trailing := append(append([]byte(nil), valid...), txscript.OP_DROP)

	tests := []struct {
		name   string
		script []byte
	}{
		{"empty", nil},
		{"truncated", truncated},
		{"wrong opcode", wrongOp},
		{"trailing token", trailing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLegacyHTLC(tt.script)
			if !errors.Is(err, ErrUnknownScriptTemplate) {
				t.Errorf("err = %v, want ErrUnknownScriptTemplate", err)
			}
		})
	}
}

func TestHTLCWitnessStacks(t *testing.T) {
	sig := []byte{0x30, 0x44}
	preimage := bytes.Repeat([]byte{0xab}, 32)
	script := []byte{0xa9, 0x14}

	claim := ClaimWitness(sig, preimage, script)
	if len(claim) != 3 || !bytes.Equal(claim[1], preimage) {
		t.Errorf("claim witness = %x", claim)
	}

	refund := RefundWitness(sig, script)
	if len(refund) != 3 || len(refund[1]) != 0 {
		t.Errorf("refund witness must carry an empty preimage slot: %x", refund)
	}
	if !bytes.Equal(refund[2], script) {
		t.Error("refund witness missing redeem script")
	}
}

func TestFundingAddress(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	script, err := BuildLegacyHTLC(paymentHash, claimKey.PubKey(), refundKey.PubKey(), 500000)
	if err != nil {
		t.Fatalf("BuildLegacyHTLC: %v", err)
	}
	htlc, err := ParseLegacyHTLC(script)
	if err != nil {
		t.Fatalf("ParseLegacyHTLC: %v", err)
	}

	blindKey, _ := newTestKeys(t)

	unconf, err := htlc.FundingAddress(&network.Regtest, nil)
	if err != nil {
		t.Fatalf("FundingAddress: %v", err)
	}
	conf, err := htlc.FundingAddress(&network.Regtest, blindKey.PubKey())
	if err != nil {
		t.Fatalf("FundingAddress confidential: %v", err)
	}
	if unconf == conf {
		t.Error("confidential and unconfidential addresses are equal")
	}
	if unconf == "" || conf == "" {
		t.Error("empty address")
	}
}

func TestMatchesPaymentHashRejectsOther(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	paymentHash := sha256.Sum256([]byte("preimage"))
	otherHash := sha256.Sum256([]byte("other"))

	script, err := BuildLegacyHTLC(paymentHash, claimKey.PubKey(), refundKey.PubKey(), 500000)
	if err != nil {
		t.Fatalf("BuildLegacyHTLC: %v", err)
	}
	htlc, err := ParseLegacyHTLC(script)
	if err != nil {
		t.Fatalf("ParseLegacyHTLC: %v", err)
	}
	if htlc.MatchesPaymentHash(otherHash) {
		t.Error("matched a different payment hash")
	}
}
