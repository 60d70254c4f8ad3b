package helpers

import "fmt"

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// FormatSats renders a satoshi amount as a decimal BTC string.
func FormatSats(sats uint64) string {
	whole := sats / SatsPerBTC
	frac := sats % SatsPerBTC
	return fmt.Sprintf("%d.%08d", whole, frac)
}

// MsatToSat converts millisatoshis to satoshis, truncating.
func MsatToSat(msat uint64) uint64 {
	return msat / 1000
}
