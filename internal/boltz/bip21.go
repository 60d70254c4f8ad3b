package boltz

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidewallet-labs/tidewallet/internal/invoice"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// DirectPayment is a verified on-chain shortcut for an invoice carrying
// the service's routing hint: instead of paying over Lightning, funds
// go straight to the service's Liquid address.
type DirectPayment struct {
	Address   string
	AmountSat uint64
	AssetID   string
}

// DirectPaymentFor resolves the BIP21 payment details behind an
// invoice's routing hint. The returned address is only trusted after
// its signature verifies against the hint's public key and the amount
// does not exceed the invoice.
func (c *Client) DirectPaymentFor(ctx context.Context, inv *invoice.Invoice, lbtcAssetID string) (*DirectPayment, error) {
	if inv.MagicHint == nil {
		return nil, fmt.Errorf("invoice carries no direct-payment hint")
	}

	var response struct {
		BIP21     string `json:"bip21"`
		Signature string `json:"signature"`
	}
	if err := c.get(ctx, "/swap/reverse/"+inv.Raw+"/bip21", &response); err != nil {
		return nil, err
	}

	payment, err := parseBIP21(response.BIP21)
	if err != nil {
		return nil, err
	}

	sig, err := helpers.HexToBytes(response.Signature)
	if err != nil {
		return nil, fmt.Errorf("address signature: %w", err)
	}
	if err := swap.VerifyAddressSignature(payment.Address, sig, inv.MagicHint.PubKey); err != nil {
		return nil, err
	}

	if payment.AssetID != lbtcAssetID {
		return nil, fmt.Errorf("%w: direct payment asks for asset %s", swap.ErrCounterpartyFraud, payment.AssetID)
	}
	if payment.AmountSat > inv.AmountSat {
		return nil, fmt.Errorf("%w: direct payment amount %d exceeds invoice %d",
			swap.ErrCounterpartyFraud, payment.AmountSat, inv.AmountSat)
	}
	return payment, nil
}

// parseBIP21 extracts address, amount and asset id from a payment URI.
func parseBIP21(raw string) (*DirectPayment, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid payment uri: %w", err)
	}
	if u.Opaque == "" {
		return nil, fmt.Errorf("payment uri carries no address")
	}

	query := u.Query()
	amount, err := parseBTCAmount(query.Get("amount"))
	if err != nil {
		return nil, err
	}
	return &DirectPayment{
		Address:   u.Opaque,
		AmountSat: amount,
		AssetID:   query.Get("assetid"),
	}, nil
}

// parseBTCAmount converts a BIP21 decimal bitcoin amount to satoshi
// without going through floating point.
func parseBTCAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("payment uri carries no amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 8 {
		return 0, fmt.Errorf("amount %q has sub-satoshi precision", s)
	}
	frac += strings.Repeat("0", 8-len(frac))

	wholePart, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	fracPart, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return wholePart*helpers.SatsPerBTC + fracPart, nil
}
