package swap

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/payment"
	"golang.org/x/crypto/ripemd160"

	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// tokenKind classifies one expected token in a script template.
type tokenKind int

const (
	// tokenOpcode matches one exact opcode.
	tokenOpcode tokenKind = iota

	// tokenPush matches a data push of a fixed length.
	tokenPush

	// tokenNumber matches a script number, either a small-int opcode
	// or a minimally encoded little-endian push.
	tokenNumber
)

// templateToken is one slot of a fixed-arity script template.
type templateToken struct {
	kind   tokenKind
	opcode byte
	length int
}

// legacyHTLCTemplate is the submarine lockup script shape:
//
//	OP_HASH160 <20B ripemd160(paymentHash)> OP_EQUAL
//	OP_IF <33B claimPubKey>
//	OP_ELSE <timeoutHeight> OP_CHECKLOCKTIMEVERIFY OP_DROP <33B refundPubKey>
//	OP_ENDIF OP_CHECKSIG
//
// The hash branch spends with the invoice preimage, the timeout branch
// recovers funds after the absolute lock height.
var legacyHTLCTemplate = []templateToken{
	{kind: tokenOpcode, opcode: txscript.OP_HASH160},
	{kind: tokenPush, length: 20},
	{kind: tokenOpcode, opcode: txscript.OP_EQUAL},
	{kind: tokenOpcode, opcode: txscript.OP_IF},
	{kind: tokenPush, length: 33},
	{kind: tokenOpcode, opcode: txscript.OP_ELSE},
	{kind: tokenNumber},
	{kind: tokenOpcode, opcode: txscript.OP_CHECKLOCKTIMEVERIFY},
	{kind: tokenOpcode, opcode: txscript.OP_DROP},
	{kind: tokenPush, length: 33},
	{kind: tokenOpcode, opcode: txscript.OP_ENDIF},
	{kind: tokenOpcode, opcode: txscript.OP_CHECKSIG},
}

// matchTemplate tokenizes script and matches it structurally against the
// template. It returns the data pushes and numbers in template order.
func matchTemplate(script []byte, template []templateToken) (pushes [][]byte, numbers []uint64, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	for i, want := range template {
		if !tokenizer.Next() {
			return nil, nil, fmt.Errorf("%w: script ends at token %d", ErrUnknownScriptTemplate, i)
		}

		switch want.kind {
		case tokenOpcode:
			if tokenizer.Opcode() != want.opcode {
				return nil, nil, fmt.Errorf("%w: token %d is opcode 0x%02x, want 0x%02x",
					ErrUnknownScriptTemplate, i, tokenizer.Opcode(), want.opcode)
			}

		case tokenPush:
			data := tokenizer.Data()
			if len(data) != want.length {
				return nil, nil, fmt.Errorf("%w: token %d pushes %d bytes, want %d",
					ErrUnknownScriptTemplate, i, len(data), want.length)
			}
			pushes = append(pushes, data)

		case tokenNumber:
			n, ok := parseScriptNumber(tokenizer.Opcode(), tokenizer.Data())
			if !ok {
				return nil, nil, fmt.Errorf("%w: token %d is not a script number",
					ErrUnknownScriptTemplate, i)
			}
			numbers = append(numbers, n)
		}
	}

	if tokenizer.Next() {
		return nil, nil, fmt.Errorf("%w: trailing tokens after template", ErrUnknownScriptTemplate)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownScriptTemplate, err)
	}
	return pushes, numbers, nil
}

// parseScriptNumber decodes a small-int opcode or a little-endian push.
func parseScriptNumber(opcode byte, data []byte) (uint64, bool) {
	if txscript.IsSmallInt(opcode) {
		return uint64(txscript.AsSmallInt(opcode)), true
	}
	if len(data) == 0 || len(data) > 5 {
		return 0, false
	}
	var n uint64
	for i, b := range data {
		n |= uint64(b) << (8 * i)
	}
	return n, true
}

// LegacyHTLC is the parsed form of a legacy submarine lockup script.
type LegacyHTLC struct {
	// PaymentHash160 is ripemd160 of the invoice payment hash.
	PaymentHash160 [20]byte

	// ClaimPubKey unlocks the hash branch.
	ClaimPubKey *btcec.PublicKey

	// RefundPubKey unlocks the timeout branch.
	RefundPubKey *btcec.PublicKey

	// TimeoutHeight is the absolute block height of the CLTV branch.
	TimeoutHeight uint32
}

// ParseLegacyHTLC matches a raw lockup script against the legacy HTLC
// template and extracts its components.
func ParseLegacyHTLC(script []byte) (*LegacyHTLC, error) {
	pushes, numbers, err := matchTemplate(script, legacyHTLCTemplate)
	if err != nil {
		return nil, err
	}

	claimKey, err := btcec.ParsePubKey(pushes[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid claim pubkey: %v", ErrUnknownScriptTemplate, err)
	}
	refundKey, err := btcec.ParsePubKey(pushes[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refund pubkey: %v", ErrUnknownScriptTemplate, err)
	}
	if numbers[0] == 0 || numbers[0] > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: timeout height %d out of range", ErrUnknownScriptTemplate, numbers[0])
	}

	htlc := &LegacyHTLC{
		ClaimPubKey:   claimKey,
		RefundPubKey:  refundKey,
		TimeoutHeight: uint32(numbers[0]),
	}
	copy(htlc.PaymentHash160[:], pushes[0])
	return htlc, nil
}

// BuildLegacyHTLC assembles the lockup script for the given parameters.
func BuildLegacyHTLC(paymentHash [32]byte, claimPubKey, refundPubKey *btcec.PublicKey, timeoutHeight uint32) ([]byte, error) {
	if claimPubKey == nil || refundPubKey == nil {
		return nil, fmt.Errorf("pubkeys must not be nil")
	}
	if timeoutHeight == 0 {
		return nil, fmt.Errorf("timeout height must be > 0")
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(Hash160OfPaymentHash(paymentHash))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(claimPubKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// Script reconstructs the lockup script byte-exactly from the parsed
// components.
func (h *LegacyHTLC) Script() ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(h.PaymentHash160[:])
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(h.ClaimPubKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(h.TimeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(h.RefundPubKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// MatchesPaymentHash reports whether the script's hash lock commits to
// the given invoice payment hash.
func (h *LegacyHTLC) MatchesPaymentHash(paymentHash [32]byte) bool {
	return helpers.ConstantTimeCompare(h.PaymentHash160[:], Hash160OfPaymentHash(paymentHash))
}

// WitnessProgram returns the P2WSH output script locking to this HTLC.
func (h *LegacyHTLC) WitnessProgram() ([]byte, error) {
	script, err := h.Script()
	if err != nil {
		return nil, err
	}
	scriptHash := sha256.Sum256(script)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	return builder.Script()
}

// FundingAddress derives the lockup address for this HTLC. With a
// blinding key the confidential (blech32) form is returned.
func (h *LegacyHTLC) FundingAddress(net *network.Network, blindingKey *btcec.PublicKey) (string, error) {
	program, err := h.WitnessProgram()
	if err != nil {
		return "", err
	}
	pay, err := payment.FromScript(program, net, blindingKey)
	if err != nil {
		return "", fmt.Errorf("derive funding address: %w", err)
	}
	if blindingKey != nil {
		return pay.ConfidentialWitnessScriptHash()
	}
	return pay.WitnessScriptHash()
}

// ClaimWitness is the witness stack spending the hash branch.
func ClaimWitness(signature, preimage, script []byte) [][]byte {
	return [][]byte{signature, preimage, script}
}

// RefundWitness is the witness stack spending the timeout branch. The
// empty preimage slot fails the hash check and selects the CLTV branch.
func RefundWitness(signature, script []byte) [][]byte {
	return [][]byte{signature, {}, script}
}

// Hash160OfPaymentHash is the 20-byte hash embedded in swap scripts:
// ripemd160 of the (sha256) payment hash.
func Hash160OfPaymentHash(paymentHash [32]byte) []byte {
	h := ripemd160.New()
	h.Write(paymentHash[:])
	return h.Sum(nil)
}
