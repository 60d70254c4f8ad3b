// Package invoice decodes BOLT11 payment requests and surfaces the fields
// the swap engine needs: payment hash, amount, expiry deadline, and the
// optional magic routing hint that signals a same-ledger counterparty.
package invoice

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// ErrInvalidInvoice reports a payment request that failed decoding or is
// missing a required field.
var ErrInvalidInvoice = errors.New("invalid invoice")

// MagicRoutingHintChanID is the well-known short channel id the swap
// service embeds in a route hint to advertise that the receiver can be
// paid directly on the asset chain.
const MagicRoutingHintChanID uint64 = 0x0846c90817c14401

// RoutingHint is one decoded route hint hop.
type RoutingHint struct {
	ShortChannelID            uint64
	PubKey                    *btcec.PublicKey
	FeeBaseMSat               uint32
	FeeProportionalMillionths uint32
	CLTVExpiryDelta           uint16
}

// Invoice is an immutable decoded payment request.
type Invoice struct {
	// Raw is the original bech32 payment request.
	Raw string

	// PaymentHash locks the swap contract.
	PaymentHash [32]byte

	// AmountSat is the invoice amount in satoshis, truncated from
	// millisatoshis when no whole-unit amount is encoded.
	AmountSat uint64

	// ExpiryMillis is the absolute expiry deadline in unix milliseconds.
	ExpiryMillis int64

	// Destination is the receiving node's public key.
	Destination *btcec.PublicKey

	// MagicHint is the swap service's direct-payment hint, if present.
	MagicHint *RoutingHint
}

// Decode parses and validates a BOLT11 payment request.
func Decode(raw string, net *chaincfg.Params) (*Invoice, error) {
	decoded, err := zpay32.Decode(raw, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	if decoded.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrInvalidInvoice)
	}
	if decoded.MilliSat == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrInvalidInvoice)
	}
	if decoded.PaymentHash == nil {
		return nil, fmt.Errorf("%w: missing payment hash", ErrInvalidInvoice)
	}

	// Expiry() falls back to the protocol default of 3600 seconds when
	// the invoice carries no explicit expiry field.
	expiry := decoded.Timestamp.Add(decoded.Expiry())

	inv := &Invoice{
		Raw:          raw,
		PaymentHash:  *decoded.PaymentHash,
		AmountSat:    helpers.MsatToSat(uint64(*decoded.MilliSat)),
		ExpiryMillis: expiry.UnixMilli(),
		Destination:  decoded.Destination,
		MagicHint:    findMagicHint(decoded.RouteHints),
	}
	return inv, nil
}

// findMagicHint scans the route hint lists for the well-known short
// channel id. At most one hint is surfaced.
func findMagicHint(routeHints [][]zpay32.HopHint) *RoutingHint {
	for _, route := range routeHints {
		for _, hop := range route {
			if hop.ChannelID != MagicRoutingHintChanID {
				continue
			}
			return &RoutingHint{
				ShortChannelID:            hop.ChannelID,
				PubKey:                    hop.NodeID,
				FeeBaseMSat:               hop.FeeBaseMSat,
				FeeProportionalMillionths: hop.FeeProportionalMillionths,
				CLTVExpiryDelta:           hop.CLTVExpiryDelta,
			}
		}
	}
	return nil
}

// Expired reports whether the invoice deadline has passed at the given time.
func (i *Invoice) Expired(now time.Time) bool {
	return now.UnixMilli() >= i.ExpiryMillis
}
