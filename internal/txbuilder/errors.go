package txbuilder

import "errors"

var (
	// ErrUnblindedUtxo means the lockup output's confidential data was
	// never disclosed, so its value cannot be spent deterministically.
	ErrUnblindedUtxo = errors.New("utxo carries no unblinded data")

	// ErrMissingWitnessData means the utxo lacks the on-chain witness
	// fields (commitments, proofs) needed to respend it.
	ErrMissingWitnessData = errors.New("utxo missing witness data")

	// ErrInsufficientValue means the fee leaves nothing to pay out.
	ErrInsufficientValue = errors.New("fee exceeds utxo value")

	// ErrSigningKeyMismatch means the signing key is not the one the
	// lockup script commits to; the witness would never verify.
	ErrSigningKeyMismatch = errors.New("signing key does not match script key")

	// ErrFeeNotConverged means the fee iterator failed to reach a fixed
	// point within its iteration budget.
	ErrFeeNotConverged = errors.New("fee estimation did not converge")
)
