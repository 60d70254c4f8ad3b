package txbuilder

import (
	"fmt"
	"math"
)

// maxFeeIterations bounds the fee fixed-point search. Transaction size
// barely changes with the fee amount, so two passes almost always
// suffice.
const maxFeeIterations = 10

// Fee computes the absolute fee for a transaction of the given virtual
// size. One extra virtual byte per input covers the serialization
// variance of confidential value commitments.
func Fee(vsize int, inputCount int, satsPerVByte float64) uint64 {
	return uint64(math.Ceil(float64(vsize+inputCount) * satsPerVByte))
}

// ConvergeFee finds the fee whose transaction, when built with that
// exact fee, has a virtual size that yields the same fee again. The
// build callback constructs the transaction for a candidate fee and
// reports its virtual size.
func ConvergeFee(satsPerVByte float64, inputCount int, build func(fee uint64) (int, error)) (uint64, error) {
	fee := Fee(0, inputCount, satsPerVByte)

	for i := 0; i < maxFeeIterations; i++ {
		vsize, err := build(fee)
		if err != nil {
			return 0, err
		}
		next := Fee(vsize, inputCount, satsPerVByte)
		if next == fee {
			return fee, nil
		}
		fee = next
	}
	return 0, fmt.Errorf("%w after %d iterations", ErrFeeNotConverged, maxFeeIterations)
}
