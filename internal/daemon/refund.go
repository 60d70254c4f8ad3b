package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidewallet-labs/tidewallet/internal/invoice"
	"github.com/tidewallet-labs/tidewallet/internal/store"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
)

// RefundExpired sweeps the lockup of a submarine swap whose timeout
// height has passed. The refund is broadcast through our own chain
// backend rather than the swap service.
func (d *Daemon) RefundExpired(ctx context.Context, swapID string) (string, error) {
	record, err := d.store.GetSwap(swapID)
	if err != nil {
		return "", err
	}
	if record.Direction != store.DirectionSubmarine {
		return "", fmt.Errorf("swap %s is not refundable: only submarine lockups are ours to refund", swapID)
	}

	tip, err := d.chain.TipHeight(ctx)
	if err != nil {
		return "", err
	}
	if tip < record.TimeoutHeight {
		return "", fmt.Errorf("timeout height %d not reached, chain at %d",
			record.TimeoutHeight, tip)
	}

	var persisted persistedSubmarine
	if err := json.Unmarshal(record.ContractData, &persisted); err != nil {
		return "", fmt.Errorf("parse persisted contract: %w", err)
	}
	refundKey, err := d.wallet.SwapKeyAt(record.KeyIndex)
	if err != nil {
		return "", err
	}
	inv, err := invoice.Decode(record.Invoice, d.params.Lightning)
	if err != nil {
		return "", err
	}
	sub, err := swap.NewSubmarineSwap(inv, refundKey, persisted.Contract, d.params.Elements)
	if err != nil {
		return "", err
	}

	utxos, err := d.chain.ListUnspents(ctx, sub.LockupAddress, sub.BlindingKey)
	if err != nil {
		return "", err
	}
	utxo, ok := spendableUtxo(utxos)
	if !ok {
		return "", fmt.Errorf("no spendable lockup output at %s", sub.LockupAddress)
	}

	dest, err := d.wallet.NextAddress()
	if err != nil {
		return "", err
	}

	var refundHex string
	if sub.Tree != nil {
		aggKey, err := swap.AggregateSwapKeys(sub.RefundKey.PubKey(), sub.ClaimPubKey)
		if err != nil {
			return "", err
		}
		refundHex, err = d.builder.BuildScriptPathRefund(utxo, sub.Tree,
			aggKey.PreTweakedKey, sub.RefundKey, sub.BlindingKey,
			dest.Address, d.cfg.Fees.SatsPerVByte)
		if err != nil {
			return "", err
		}
	} else {
		refundHex, err = d.builder.BuildLegacyRefund(utxo, sub.HTLC,
			sub.RefundKey, sub.BlindingKey, dest.Address, d.cfg.Fees.SatsPerVByte)
		if err != nil {
			return "", err
		}
	}

	txID, err := d.chain.BroadcastTransaction(ctx, refundHex)
	if err != nil {
		return "", err
	}

	if err := d.store.UpdateSwapState(swapID, swap.StateFailed, txID); err != nil {
		d.log.Warn("persist refund state", "err", err)
	}
	if err := d.store.SetFailureReason(swapID, "refunded after timeout"); err != nil {
		d.log.Warn("record refund reason", "err", err)
	}
	d.unregister(swapID)

	d.log.Info("refund broadcast", "swap_id", swapID, "txid", txID, "to", dest.Address)
	return txID, nil
}

// spendableUtxo picks the first lockup output we can unblind.
func spendableUtxo(utxos []swap.Utxo) (swap.Utxo, bool) {
	for _, u := range utxos {
		if u.Blinding != nil {
			return u, true
		}
	}
	return swap.Utxo{}, false
}
