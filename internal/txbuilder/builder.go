// Package txbuilder constructs, blinds and signs the confidential
// transactions that spend swap lockup outputs.
package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
)

// sequenceFinal disables both relative and absolute locktime checks.
const sequenceFinal uint32 = 0xffffffff

// sequenceWithLocktime keeps absolute locktime enforcement active.
const sequenceWithLocktime uint32 = 0xfffffffd

// Builder drafts lockup spends for one network.
type Builder struct {
	params *config.NetworkParams
}

// New returns a transaction builder for the given network.
func New(params *config.NetworkParams) *Builder {
	return &Builder{params: params}
}

// spendSpec is the shared shape of every lockup spend: exactly one
// input, one destination output and one explicit fee output.
type spendSpec struct {
	utxo        swap.Utxo
	blindingKey *btcec.PrivateKey
	destination string

	// timeoutHeight, when nonzero, arms the absolute locktime needed
	// by refund branches.
	timeoutHeight uint32
}

// assemble builds and, for confidential destinations, blinds the spend
// with the given fee, returning the transaction without input witness.
func (b *Builder) assemble(spec spendSpec, fee uint64) (*transaction.Transaction, error) {
	if spec.utxo.Blinding == nil {
		return nil, ErrUnblindedUtxo
	}
	if fee >= spec.utxo.Blinding.Value {
		return nil, fmt.Errorf("%w: fee %d, value %d", ErrInsufficientValue, fee, spec.utxo.Blinding.Value)
	}
	outAmount := spec.utxo.Blinding.Value - fee

	destScript, err := address.ToOutputScript(spec.destination)
	if err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}
	var destBlindingKey []byte
	if conf, err := address.FromConfidential(spec.destination); err == nil {
		destBlindingKey = conf.BlindingKey
	}

	sequence := sequenceFinal
	input := psetv2.InputArgs{
		Txid:     spec.utxo.TxID,
		TxIndex:  spec.utxo.VOut,
		Sequence: sequence,
	}
	var locktime *uint32
	if spec.timeoutHeight > 0 {
		input.Sequence = sequenceWithLocktime
		input.HeightLock = spec.timeoutHeight
		locktime = &spec.timeoutHeight
	}

	outputs := []psetv2.OutputArgs{
		{
			Asset:        b.params.LBTCAssetID,
			Amount:       outAmount,
			Script:       destScript,
			BlindingKey:  destBlindingKey,
			BlinderIndex: 0,
		},
		{
			// Explicit, unblinded fee output.
			Asset:  b.params.LBTCAssetID,
			Amount: fee,
		},
	}

	pset, err := psetv2.New([]psetv2.InputArgs{input}, outputs, locktime)
	if err != nil {
		return nil, fmt.Errorf("create pset: %w", err)
	}
	updater, err := psetv2.NewUpdater(pset)
	if err != nil {
		return nil, fmt.Errorf("create updater: %w", err)
	}
	witnessUtxo, err := witnessUtxo(spec.utxo)
	if err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessUtxo(0, witnessUtxo); err != nil {
		return nil, fmt.Errorf("attach witness utxo: %w", err)
	}

	if len(destBlindingKey) > 0 {
		if err := b.blind(pset, spec.blindingKey); err != nil {
			return nil, err
		}
	}

	tx, err := extractUnsigned(pset)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// blind runs the last-output blinding round: the input is disclosed
// with the lockup blinding key and every output except the explicit fee
// is blinded so the commitments balance.
func (b *Builder) blind(pset *psetv2.Pset, lockupBlindingKey *btcec.PrivateKey) error {
	if lockupBlindingKey == nil {
		return fmt.Errorf("%w: no blinding key for confidential input", ErrMissingWitnessData)
	}

	generator := confidential.NewZKPGeneratorFromBlindingKeys(
		[][]byte{lockupBlindingKey.Serialize()}, nil,
	)
	ownedInputs, err := generator.UnblindInputs(pset, nil)
	if err != nil {
		return fmt.Errorf("unblind inputs: %w", err)
	}

	validator := confidential.NewZKPValidator()
	blinder, err := psetv2.NewBlinder(pset, ownedInputs, validator, generator)
	if err != nil {
		return fmt.Errorf("create blinder: %w", err)
	}
	outputArgs, err := generator.BlindOutputs(pset, nil)
	if err != nil {
		return fmt.Errorf("generate output blinding args: %w", err)
	}
	if err := blinder.BlindLast(nil, outputArgs); err != nil {
		return fmt.Errorf("blind outputs: %w", err)
	}
	return nil
}

// extractUnsigned marks the sole input finalized with an empty witness
// and extracts the transaction, so the blinded output proofs survive
// into the wire serialization.
func extractUnsigned(pset *psetv2.Pset) (*transaction.Transaction, error) {
	pset.Inputs[0].FinalScriptWitness = serializeWitness(nil)
	tx, err := psetv2.Extract(pset)
	if err != nil {
		return nil, fmt.Errorf("extract transaction: %w", err)
	}
	tx.Inputs[0].Witness = nil
	return tx, nil
}

// witnessUtxo rebuilds the on-chain output being spent.
func witnessUtxo(u swap.Utxo) (*transaction.TxOutput, error) {
	if len(u.AssetCommitment) == 0 || len(u.ValueCommitment) == 0 || len(u.Script) == 0 {
		return nil, ErrMissingWitnessData
	}
	return &transaction.TxOutput{
		Asset:           u.AssetCommitment,
		Value:           u.ValueCommitment,
		Script:          u.Script,
		Nonce:           u.Nonce,
		RangeProof:      u.RangeProof,
		SurjectionProof: u.SurjectionProof,
	}, nil
}

// serializeWitness encodes a witness stack the way it appears inside a
// pset's final script witness field.
func serializeWitness(stack [][]byte) []byte {
	out := []byte{byte(len(stack))}
	for _, item := range stack {
		out = append(out, varIntBytes(uint64(len(item)))...)
		out = append(out, item...)
	}
	return out
}

func varIntBytes(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		return []byte{0xfd, byte(n), byte(n >> 8)}
	case n <= 0xffffffff:
		return []byte{0xfe, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	default:
		return []byte{0xff, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

// measuredVSize reports the virtual size the transaction will have once
// the given witness stack is attached.
func measuredVSize(tx *transaction.Transaction, witness [][]byte) int {
	tx.Inputs[0].Witness = witness
	vsize := tx.VirtualSize()
	tx.Inputs[0].Witness = nil
	return vsize
}

// placeholderWitness builds a witness stack of the right shape and size
// for fee measurement, before any real signature exists.
func placeholderWitness(itemSizes ...int) [][]byte {
	stack := make([][]byte, len(itemSizes))
	for i, size := range itemSizes {
		stack[i] = make([]byte, size)
	}
	return stack
}

// convergeSpend runs the fee fixed point for a spend whose witness has
// the given item sizes and returns the final fee and transaction.
func (b *Builder) convergeSpend(spec spendSpec, satsPerVByte float64, witnessItemSizes ...int) (*transaction.Transaction, uint64, error) {
	witness := placeholderWitness(witnessItemSizes...)

	fee, err := ConvergeFee(satsPerVByte, 1, func(fee uint64) (int, error) {
		tx, err := b.assemble(spec, fee)
		if err != nil {
			return 0, err
		}
		return measuredVSize(tx, witness), nil
	})
	if err != nil {
		return nil, 0, err
	}

	tx, err := b.assemble(spec, fee)
	if err != nil {
		return nil, 0, err
	}
	return tx, fee, nil
}

// genesisHash returns the network's genesis hash as committed to by the
// taproot sighash.
func (b *Builder) genesisHash() (*chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(b.params.GenesisHash)
	if err != nil {
		return nil, fmt.Errorf("genesis hash: %w", err)
	}
	return h, nil
}

// keyPathSighash computes the taproot key-path sighash of input 0.
func (b *Builder) keyPathSighash(tx *transaction.Transaction, u swap.Utxo) ([32]byte, error) {
	genesis, err := b.genesisHash()
	if err != nil {
		return [32]byte{}, err
	}
	return tx.HashForWitnessV1(
		0,
		[][]byte{u.Script},
		[][]byte{u.AssetCommitment},
		[][]byte{u.ValueCommitment},
		txscript.SigHashDefault,
		genesis,
		nil,
		nil,
	), nil
}

// leafSighash computes the tapscript sighash of input 0 for the given
// leaf.
func (b *Builder) leafSighash(tx *transaction.Transaction, u swap.Utxo, leafHash chainhash.Hash) ([32]byte, error) {
	genesis, err := b.genesisHash()
	if err != nil {
		return [32]byte{}, err
	}
	return tx.HashForWitnessV1(
		0,
		[][]byte{u.Script},
		[][]byte{u.AssetCommitment},
		[][]byte{u.ValueCommitment},
		txscript.SigHashDefault,
		genesis,
		&leafHash,
		nil,
	), nil
}

// CooperativeClaimDraft is a fee-converged key-path spend waiting for
// its aggregated signature.
type CooperativeClaimDraft struct {
	tx          *transaction.Transaction
	sighash     [32]byte
	unsignedHex string
}

// Sighash returns the key-path sighash both parties sign.
func (d *CooperativeClaimDraft) Sighash() [32]byte { return d.sighash }

// UnsignedTx returns the serialized transaction without witness.
func (d *CooperativeClaimDraft) UnsignedTx() string { return d.unsignedHex }

// Complete attaches the aggregated Schnorr signature and serializes the
// broadcastable transaction.
func (d *CooperativeClaimDraft) Complete(finalSig []byte) (string, error) {
	if len(finalSig) != schnorr.SignatureSize {
		return "", fmt.Errorf("aggregated signature is %d bytes, want %d", len(finalSig), schnorr.SignatureSize)
	}
	d.tx.Inputs[0].Witness = [][]byte{finalSig}
	hex, err := d.tx.ToHex()
	if err != nil {
		return "", fmt.Errorf("serialize claim: %w", err)
	}
	return hex, nil
}

// BuildCooperativeClaim drafts the key-path claim of a taproot lockup.
// The signature slot stays empty until the cooperative signing session
// aggregates it.
func (b *Builder) BuildCooperativeClaim(req swap.CooperativeClaimRequest) (swap.ClaimDraft, error) {
	spec := spendSpec{
		utxo:        req.Utxo,
		blindingKey: req.LockupBlindingKey,
		destination: req.DestinationAddress,
	}

	tx, _, err := b.convergeSpend(spec, req.SatsPerVByte, schnorr.SignatureSize)
	if err != nil {
		return nil, err
	}

	sighash, err := b.keyPathSighash(tx, req.Utxo)
	if err != nil {
		return nil, err
	}
	unsignedHex, err := tx.ToHex()
	if err != nil {
		return nil, fmt.Errorf("serialize draft: %w", err)
	}

	return &CooperativeClaimDraft{
		tx:          tx,
		sighash:     sighash,
		unsignedHex: unsignedHex,
	}, nil
}

// BuildScriptPathRefund spends the refund leaf of a taproot lockup
// after the timeout height, without the counterparty's cooperation.
func (b *Builder) BuildScriptPathRefund(
	utxo swap.Utxo,
	tree *swap.SwapTree,
	internalKey *btcec.PublicKey,
	refundKey *btcec.PrivateKey,
	blindingKey *btcec.PrivateKey,
	destination string,
	satsPerVByte float64,
) (string, error) {
	controlBlock, err := tree.RefundControlBlock(internalKey)
	if err != nil {
		return "", err
	}
	leafScript := tree.RefundLeaf.Script

	spec := spendSpec{
		utxo:          utxo,
		blindingKey:   blindingKey,
		destination:   destination,
		timeoutHeight: tree.TimeoutHeight,
	}
	tx, _, err := b.convergeSpend(spec, satsPerVByte,
		schnorr.SignatureSize, len(leafScript), len(controlBlock))
	if err != nil {
		return "", err
	}

	sighash, err := b.leafSighash(tx, utxo, tree.RefundLeaf.TapHash())
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(refundKey, sighash[:])
	if err != nil {
		return "", fmt.Errorf("sign refund: %w", err)
	}

	tx.Inputs[0].Witness = [][]byte{sig.Serialize(), leafScript, controlBlock}
	hex, err := tx.ToHex()
	if err != nil {
		return "", fmt.Errorf("serialize refund: %w", err)
	}
	return hex, nil
}

// legacyWitnessSigSize is the worst-case DER signature plus hash type.
const legacyWitnessSigSize = 73

// BuildLegacyClaim sweeps a legacy P2WSH lockup with the invoice
// preimage.
func (b *Builder) BuildLegacyClaim(
	utxo swap.Utxo,
	htlc *swap.LegacyHTLC,
	preimage [32]byte,
	claimKey *btcec.PrivateKey,
	blindingKey *btcec.PrivateKey,
	destination string,
	satsPerVByte float64,
) (string, error) {
	if !claimKey.PubKey().IsEqual(htlc.ClaimPubKey) {
		return "", ErrSigningKeyMismatch
	}

	script, err := htlc.Script()
	if err != nil {
		return "", err
	}

	spec := spendSpec{
		utxo:        utxo,
		blindingKey: blindingKey,
		destination: destination,
	}
	tx, _, err := b.convergeSpend(spec, satsPerVByte,
		legacyWitnessSigSize, len(preimage), len(script))
	if err != nil {
		return "", err
	}

	sig, err := b.legacySignature(tx, utxo, script, claimKey)
	if err != nil {
		return "", err
	}
	tx.Inputs[0].Witness = swap.ClaimWitness(sig, preimage[:], script)

	hex, err := tx.ToHex()
	if err != nil {
		return "", fmt.Errorf("serialize claim: %w", err)
	}
	return hex, nil
}

// BuildLegacyRefund spends the timeout branch of a legacy P2WSH lockup.
// The transaction is only valid once the chain passes the script's
// locktime.
func (b *Builder) BuildLegacyRefund(
	utxo swap.Utxo,
	htlc *swap.LegacyHTLC,
	refundKey *btcec.PrivateKey,
	blindingKey *btcec.PrivateKey,
	destination string,
	satsPerVByte float64,
) (string, error) {
	if !refundKey.PubKey().IsEqual(htlc.RefundPubKey) {
		return "", ErrSigningKeyMismatch
	}

	script, err := htlc.Script()
	if err != nil {
		return "", err
	}

	spec := spendSpec{
		utxo:          utxo,
		blindingKey:   blindingKey,
		destination:   destination,
		timeoutHeight: htlc.TimeoutHeight,
	}
	tx, _, err := b.convergeSpend(spec, satsPerVByte,
		legacyWitnessSigSize, 0, len(script))
	if err != nil {
		return "", err
	}

	sig, err := b.legacySignature(tx, utxo, script, refundKey)
	if err != nil {
		return "", err
	}
	tx.Inputs[0].Witness = swap.RefundWitness(sig, script)

	hex, err := tx.ToHex()
	if err != nil {
		return "", fmt.Errorf("serialize refund: %w", err)
	}
	return hex, nil
}

// legacySignature produces the DER-encoded segwit v0 signature over the
// witness script.
func (b *Builder) legacySignature(tx *transaction.Transaction, u swap.Utxo, witnessScript []byte, key *btcec.PrivateKey) ([]byte, error) {
	sighash := tx.HashForWitnessV0(0, witnessScript, u.ValueCommitment, txscript.SigHashAll)
	sig := ecdsa.Sign(key, sighash[:])
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}
