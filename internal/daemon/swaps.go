package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidewallet-labs/tidewallet/internal/boltz"
	"github.com/tidewallet-labs/tidewallet/internal/invoice"
	"github.com/tidewallet-labs/tidewallet/internal/store"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// persistedSubmarine is the contract blob stored with a submarine swap.
type persistedSubmarine struct {
	Contract swap.SubmarineContract `json:"contract"`
}

// persistedReverse additionally keeps the preimage and payout address,
// both generated locally and unrecoverable from the service.
type persistedReverse struct {
	Contract    swap.ReverseContract `json:"contract"`
	Preimage    string               `json:"preimage"`
	Destination string               `json:"destination"`
}

// PayResult describes how an invoice will be paid: either through a
// submarine swap the caller funds at LockupAddress, or directly
// on-chain when the invoice carries a direct-payment hint.
type PayResult struct {
	SwapID         string
	LockupAddress  string
	ExpectedAmount uint64
	TimeoutHeight  uint32

	// Direct is set instead of the swap fields when the receiver can
	// be paid on-chain without a swap.
	Direct *boltz.DirectPayment
}

// PayInvoice opens a submarine swap for a bolt11 invoice. When the
// invoice carries a direct-payment routing hint the swap is skipped
// and the resolved on-chain destination returned instead.
func (d *Daemon) PayInvoice(ctx context.Context, bolt11 string) (*PayResult, error) {
	inv, err := invoice.Decode(bolt11, d.params.Lightning)
	if err != nil {
		return nil, err
	}

	if inv.MagicHint != nil {
		direct, err := d.client.DirectPaymentFor(ctx, inv, d.params.LBTCAssetID)
		if err == nil {
			d.log.Info("direct payment available, skipping swap",
				"address", direct.Address, "amount", direct.AmountSat)
			return &PayResult{Direct: direct}, nil
		}
		d.log.Warn("direct payment resolution failed, opening swap", "err", err)
	}

	pair, err := d.client.SubmarinePair(ctx)
	if err != nil {
		return nil, err
	}
	if err := pair.CheckLimits(inv.AmountSat); err != nil {
		return nil, err
	}

	refundKey, keyIndex, err := d.wallet.NextSwapKey()
	if err != nil {
		return nil, err
	}

	contract, err := d.client.CreateSubmarine(ctx, bolt11, refundKey.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	sub, err := swap.NewSubmarineSwap(inv, refundKey, contract, d.params.Elements)
	if err != nil {
		return nil, err
	}

	contractData, err := json.Marshal(persistedSubmarine{Contract: contract})
	if err != nil {
		return nil, fmt.Errorf("serialize contract: %w", err)
	}
	err = d.store.SaveSwap(&store.SwapRecord{
		ID:            sub.ID,
		Direction:     store.DirectionSubmarine,
		State:         swap.StateCreated.String(),
		Invoice:       bolt11,
		PreimageHash:  hex.EncodeToString(inv.PaymentHash[:]),
		AmountSat:     sub.ExpectedAmount,
		TimeoutHeight: sub.TimeoutHeight,
		LockupAddress: sub.LockupAddress,
		KeyIndex:      keyIndex,
		ContractData:  contractData,
	})
	if err != nil {
		return nil, err
	}

	if err := d.spawnSubmarine(ctx, sub); err != nil {
		return nil, err
	}

	d.log.Info("submarine swap opened", "swap_id", sub.ID,
		"lockup", sub.LockupAddress, "amount", helpers.FormatSats(sub.ExpectedAmount))
	return &PayResult{
		SwapID:         sub.ID,
		LockupAddress:  sub.LockupAddress,
		ExpectedAmount: sub.ExpectedAmount,
		TimeoutHeight:  sub.TimeoutHeight,
	}, nil
}

// ReceiveResult is the opened reverse swap: hand Invoice to the payer,
// the claimed funds arrive at the wallet's own address.
type ReceiveResult struct {
	SwapID        string
	Invoice       string
	LockupAddress string
	OnchainAmount uint64
}

// ReceivePayment opens a reverse swap for the given invoice amount.
func (d *Daemon) ReceivePayment(ctx context.Context, amountSat uint64) (*ReceiveResult, error) {
	pair, err := d.client.ReversePair(ctx)
	if err != nil {
		return nil, err
	}
	if err := pair.CheckLimits(amountSat); err != nil {
		return nil, err
	}

	random, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, fmt.Errorf("generate preimage: %w", err)
	}
	var preimage [32]byte
	copy(preimage[:], random)
	preimageHash := sha256.Sum256(preimage[:])

	claimKey, keyIndex, err := d.wallet.NextSwapKey()
	if err != nil {
		return nil, err
	}
	dest, err := d.wallet.NextAddress()
	if err != nil {
		return nil, err
	}

	contract, err := d.client.CreateReverse(ctx, amountSat, preimageHash, claimKey.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	rev, err := swap.NewReverseSwap(preimage, claimKey, amountSat, contract, d.params.Lightning, dest.Address)
	if err != nil {
		return nil, err
	}

	contractData, err := json.Marshal(persistedReverse{
		Contract:    contract,
		Preimage:    hex.EncodeToString(preimage[:]),
		Destination: dest.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize contract: %w", err)
	}
	err = d.store.SaveSwap(&store.SwapRecord{
		ID:            rev.ID,
		Direction:     store.DirectionReverse,
		State:         swap.StateCreated.String(),
		Invoice:       rev.Invoice.Raw,
		PreimageHash:  hex.EncodeToString(preimageHash[:]),
		AmountSat:     rev.OnchainAmount,
		TimeoutHeight: rev.TimeoutHeight,
		LockupAddress: rev.LockupAddress,
		KeyIndex:      keyIndex,
		ContractData:  contractData,
	})
	if err != nil {
		return nil, err
	}

	if err := d.spawnReverse(ctx, rev); err != nil {
		return nil, err
	}

	d.log.Info("reverse swap opened", "swap_id", rev.ID,
		"lockup", rev.LockupAddress, "amount", helpers.FormatSats(rev.OnchainAmount))
	return &ReceiveResult{
		SwapID:        rev.ID,
		Invoice:       rev.Invoice.Raw,
		LockupAddress: rev.LockupAddress,
		OnchainAmount: rev.OnchainAmount,
	}, nil
}

func (d *Daemon) spawnSubmarine(ctx context.Context, sub *swap.SubmarineSwap) error {
	ch, err := d.register(sub.ID)
	if err != nil {
		return err
	}
	d.runController(ctx, swap.NewSubmarineController(sub, d.controllerConfig(ch)))
	return nil
}

func (d *Daemon) spawnReverse(ctx context.Context, rev *swap.ReverseSwap) error {
	ch, err := d.register(rev.ID)
	if err != nil {
		return err
	}
	d.runController(ctx, swap.NewReverseController(rev, d.controllerConfig(ch)))
	return nil
}

// resume reconstructs a persisted swap and restarts its controller.
// The service resends the swap's current status on subscription, which
// re-drives the lifecycle from wherever it stopped.
func (d *Daemon) resume(ctx context.Context, record *store.SwapRecord) error {
	key, err := d.wallet.SwapKeyAt(record.KeyIndex)
	if err != nil {
		return err
	}

	switch record.Direction {
	case store.DirectionSubmarine:
		var persisted persistedSubmarine
		if err := json.Unmarshal(record.ContractData, &persisted); err != nil {
			return fmt.Errorf("parse persisted contract: %w", err)
		}
		inv, err := invoice.Decode(record.Invoice, d.params.Lightning)
		if err != nil {
			return err
		}
		sub, err := swap.NewSubmarineSwap(inv, key, persisted.Contract, d.params.Elements)
		if err != nil {
			return err
		}
		return d.spawnSubmarine(ctx, sub)

	case store.DirectionReverse:
		var persisted persistedReverse
		if err := json.Unmarshal(record.ContractData, &persisted); err != nil {
			return fmt.Errorf("parse persisted contract: %w", err)
		}
		preimageBytes, err := hex.DecodeString(persisted.Preimage)
		if err != nil || len(preimageBytes) != 32 {
			return fmt.Errorf("persisted preimage is corrupt")
		}
		var preimage [32]byte
		copy(preimage[:], preimageBytes)

		rev, err := swap.NewReverseSwap(preimage, key, record.AmountSat,
			persisted.Contract, d.params.Lightning, persisted.Destination)
		if err != nil {
			return err
		}
		return d.spawnReverse(ctx, rev)

	default:
		return fmt.Errorf("unknown swap direction %q", record.Direction)
	}
}
