package swap

import (
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/network"

	"github.com/tidewallet-labs/tidewallet/internal/invoice"
)

// encodeSwapInvoice signs a payment request committing to the given
// hash, standing in for the counterparty's Lightning node.
func encodeSwapInvoice(t *testing.T, paymentHash [32]byte, amountMsat uint64) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	inv, err := zpay32.NewInvoice(
		&chaincfg.MainNetParams, paymentHash, time.Unix(1700000000, 0),
		zpay32.Description("swap"),
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
	)
	if err != nil {
		t.Fatalf("new invoice: %v", err)
	}
	raw, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, chainhash.HashB(msg), true), nil
		},
	})
	if err != nil {
		t.Fatalf("encode invoice: %v", err)
	}
	return raw
}

// lockupAddressFor encodes the unblinded taproot address of the tree's
// output key.
func lockupAddressFor(t *testing.T, tree *SwapTree, internalKey *btcec.PublicKey) string {
	t.Helper()
	addr, err := address.ToBech32(&address.Bech32{
		Prefix:  network.Regtest.Bech32,
		Version: 1,
		Program: schnorr.SerializePubKey(tree.OutputKey(internalKey)),
	})
	if err != nil {
		t.Fatalf("encode lockup address: %v", err)
	}
	return addr
}

func makeReverseContract(t *testing.T, preimage [32]byte, claimKey, refundKey *btcec.PrivateKey, amountSat uint64) ReverseContract {
	t.Helper()

	paymentHash := sha256.Sum256(preimage[:])
	tree := buildTestTree(t, paymentHash, claimKey.PubKey(), refundKey.PubKey(), 123456)

	aggKey, err := AggregateSwapKeys(claimKey.PubKey(), refundKey.PubKey())
	if err != nil {
		t.Fatalf("AggregateSwapKeys: %v", err)
	}

	return ReverseContract{
		ID:              "rev-test",
		Invoice:         encodeSwapInvoice(t, paymentHash, amountSat*1000),
		RefundPublicKey: refundKey.PubKey().SerializeCompressed(),
		ClaimLeaf: TreeLeaf{
			Version: elementsLeafVersion,
			Script:  buildClaimLeafScript(t, paymentHash, claimKey.PubKey()),
		},
		RefundLeaf: TreeLeaf{
			Version: elementsLeafVersion,
			Script:  buildRefundLeafScript(t, refundKey.PubKey(), 123456),
		},
		LockupAddress:      lockupAddressFor(t, tree, aggKey.PreTweakedKey),
		OnchainAmount:      amountSat - 500,
		TimeoutBlockHeight: 123456,
	}
}

func TestNewReverseSwap(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	preimage := [32]byte{7, 7, 7}
	contract := makeReverseContract(t, preimage, claimKey, refundKey, 100_000)

	swap, err := NewReverseSwap(preimage, claimKey, 100_000, contract, &chaincfg.MainNetParams, "ert1qdest")
	if err != nil {
		t.Fatalf("NewReverseSwap: %v", err)
	}

	if swap.ID != "rev-test" {
		t.Errorf("id = %q", swap.ID)
	}
	if swap.OnchainAmount != 99_500 {
		t.Errorf("onchain amount = %d, want 99500", swap.OnchainAmount)
	}
	if swap.TimeoutHeight != 123456 {
		t.Errorf("timeout = %d, want 123456", swap.TimeoutHeight)
	}
	if swap.Tree == nil {
		t.Fatal("missing swap tree")
	}
	if swap.DestinationAddress != "ert1qdest" {
		t.Errorf("destination = %q", swap.DestinationAddress)
	}
}

func TestNewReverseSwapRejectsTampering(t *testing.T) {
	claimKey, refundKey := newTestKeys(t)
	preimage := [32]byte{7, 7, 7}

	tests := []struct {
		name    string
		mutate  func(*ReverseContract)
		wantErr error
	}{
		{
			name: "invoice for someone else's preimage",
			mutate: func(c *ReverseContract) {
				otherHash := sha256.Sum256([]byte("not ours"))
				c.Invoice = encodeSwapInvoice(t, otherHash, 100_000_000)
			},
			wantErr: ErrCounterpartyFraud,
		},
		{
			name: "invoice amount inflated",
			mutate: func(c *ReverseContract) {
				paymentHash := sha256.Sum256(preimage[:])
				c.Invoice = encodeSwapInvoice(t, paymentHash, 200_000_000)
			},
			wantErr: ErrInvalidSwapResponse,
		},
		{
			name: "zero onchain amount",
			mutate: func(c *ReverseContract) {
				c.OnchainAmount = 0
			},
			wantErr: ErrInvalidSwapResponse,
		},
		{
			name: "onchain amount above invoice",
			mutate: func(c *ReverseContract) {
				c.OnchainAmount = 100_001
			},
			wantErr: ErrInvalidSwapResponse,
		},
		{
			name: "claim leaf keyed to a stranger",
			mutate: func(c *ReverseContract) {
				strangerKey, _ := newTestKeys(t)
				paymentHash := sha256.Sum256(preimage[:])
				c.ClaimLeaf.Script = buildClaimLeafScript(t, paymentHash, strangerKey.PubKey())
			},
			wantErr: ErrInvalidSwapResponse,
		},
		{
			name: "reported timeout disagrees with tree",
			mutate: func(c *ReverseContract) {
				c.TimeoutBlockHeight = 999999
			},
			wantErr: ErrInvalidSwapResponse,
		},
		{
			name: "lockup address for a different key",
			mutate: func(c *ReverseContract) {
				strangerKey, _ := newTestKeys(t)
				paymentHash := sha256.Sum256(preimage[:])
				tree := buildTestTree(t, paymentHash, claimKey.PubKey(), refundKey.PubKey(), 123456)
				c.LockupAddress = lockupAddressFor(t, tree, strangerKey.PubKey())
			},
			wantErr: ErrCounterpartyFraud,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contract := makeReverseContract(t, preimage, claimKey, refundKey, 100_000)
			tt.mutate(&contract)

			_, err := NewReverseSwap(preimage, claimKey, 100_000, contract, &chaincfg.MainNetParams, "ert1qdest")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func makeSubmarineContract(t *testing.T, paymentHash [32]byte, serviceKey, refundKey *btcec.PrivateKey, expectedAmount uint64) SubmarineContract {
	t.Helper()

	tree := buildTestTree(t, paymentHash, serviceKey.PubKey(), refundKey.PubKey(), 123456)
	aggKey, err := AggregateSwapKeys(refundKey.PubKey(), serviceKey.PubKey())
	if err != nil {
		t.Fatalf("AggregateSwapKeys: %v", err)
	}

	return SubmarineContract{
		ID:             "sub-test",
		ClaimPublicKey: serviceKey.PubKey().SerializeCompressed(),
		ClaimLeaf: TreeLeaf{
			Version: elementsLeafVersion,
			Script:  buildClaimLeafScript(t, paymentHash, serviceKey.PubKey()),
		},
		RefundLeaf: TreeLeaf{
			Version: elementsLeafVersion,
			Script:  buildRefundLeafScript(t, refundKey.PubKey(), 123456),
		},
		LockupAddress:      lockupAddressFor(t, tree, aggKey.PreTweakedKey),
		ExpectedAmount:     expectedAmount,
		TimeoutBlockHeight: 123456,
	}
}

func TestNewSubmarineSwap(t *testing.T) {
	serviceKey, refundKey := newTestKeys(t)
	preimage := [32]byte{9, 9, 9}
	paymentHash := sha256.Sum256(preimage[:])

	raw := encodeSwapInvoice(t, paymentHash, 100_000_000)
	inv, err := invoice.Decode(raw, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decode invoice: %v", err)
	}

	contract := makeSubmarineContract(t, paymentHash, serviceKey, refundKey, 100_500)
	swap, err := NewSubmarineSwap(inv, refundKey, contract, &network.Regtest)
	if err != nil {
		t.Fatalf("NewSubmarineSwap: %v", err)
	}

	if swap.Tree == nil {
		t.Fatal("missing swap tree")
	}
	if swap.HTLC != nil {
		t.Error("unexpected legacy script")
	}
	if swap.ExpectedAmount != 100_500 {
		t.Errorf("expected amount = %d", swap.ExpectedAmount)
	}
}

func TestNewSubmarineSwapRejectsLowExpectedAmount(t *testing.T) {
	serviceKey, refundKey := newTestKeys(t)
	preimage := [32]byte{9, 9, 9}
	paymentHash := sha256.Sum256(preimage[:])

	raw := encodeSwapInvoice(t, paymentHash, 100_000_000)
	inv, err := invoice.Decode(raw, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decode invoice: %v", err)
	}

	contract := makeSubmarineContract(t, paymentHash, serviceKey, refundKey, 99_999)
	_, err = NewSubmarineSwap(inv, refundKey, contract, &network.Regtest)
	if !errors.Is(err, ErrInvalidSwapResponse) {
		t.Errorf("err = %v, want ErrInvalidSwapResponse", err)
	}
}

func TestNewSubmarineSwapLegacy(t *testing.T) {
	serviceKey, refundKey := newTestKeys(t)
	preimage := [32]byte{9, 9, 9}
	paymentHash := sha256.Sum256(preimage[:])

	raw := encodeSwapInvoice(t, paymentHash, 100_000_000)
	inv, err := invoice.Decode(raw, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decode invoice: %v", err)
	}

	redeemScript, err := BuildLegacyHTLC(paymentHash, serviceKey.PubKey(), refundKey.PubKey(), 840000)
	if err != nil {
		t.Fatalf("BuildLegacyHTLC: %v", err)
	}
	htlc, err := ParseLegacyHTLC(redeemScript)
	if err != nil {
		t.Fatalf("ParseLegacyHTLC: %v", err)
	}
	lockup, err := htlc.FundingAddress(&network.Regtest, nil)
	if err != nil {
		t.Fatalf("FundingAddress: %v", err)
	}

	contract := SubmarineContract{
		ID:                 "sub-legacy",
		ClaimPublicKey:     serviceKey.PubKey().SerializeCompressed(),
		RedeemScript:       redeemScript,
		LockupAddress:      lockup,
		ExpectedAmount:     100_500,
		TimeoutBlockHeight: 840000,
	}

	swap, err := NewSubmarineSwap(inv, refundKey, contract, &network.Regtest)
	if err != nil {
		t.Fatalf("NewSubmarineSwap: %v", err)
	}
	if swap.HTLC == nil {
		t.Fatal("missing legacy script")
	}
	if swap.Tree != nil {
		t.Error("unexpected swap tree")
	}

	// A lockup address the redeem script does not hash to must be
	// caught.
	contract.LockupAddress = lockupAddressFor(t,
		buildTestTree(t, paymentHash, serviceKey.PubKey(), refundKey.PubKey(), 840000),
		serviceKey.PubKey())
	if _, err := NewSubmarineSwap(inv, refundKey, contract, &network.Regtest); !errors.Is(err, ErrCounterpartyFraud) {
		t.Errorf("err = %v, want ErrCounterpartyFraud", err)
	}
}

func TestVerifyAddressSignature(t *testing.T) {
	hintKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := "ert1qexampledestination"

	digest := sha256.Sum256([]byte(addr))
	sig, err := schnorr.Sign(hintKey, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := VerifyAddressSignature(addr, sig.Serialize(), hintKey.PubKey()); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	otherKey, _ := btcec.NewPrivateKey()
	if err := VerifyAddressSignature(addr, sig.Serialize(), otherKey.PubKey()); !errors.Is(err, ErrCounterpartyFraud) {
		t.Errorf("forged signature: err = %v, want ErrCounterpartyFraud", err)
	}
	if err := VerifyAddressSignature(addr, []byte{0x01}, hintKey.PubKey()); !errors.Is(err, ErrCounterpartyFraud) {
		t.Errorf("garbage signature: err = %v, want ErrCounterpartyFraud", err)
	}
}
