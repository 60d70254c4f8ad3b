package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

// pollInterval paces address watching.
const pollInterval = 5 * time.Second

// Esplora is a Liquid chain client backed by an Esplora-compatible
// explorer (blockstream.info/liquid, a local electrs instance, ...).
type Esplora struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// NewEsplora creates a client for the given explorer endpoint.
func NewEsplora(baseURL string) *Esplora {
	return &Esplora{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("esplora"),
	}
}

// Connect verifies the endpoint answers.
func (e *Esplora) Connect(ctx context.Context) error {
	if _, err := e.TipHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// TipHeight returns the current chain height.
func (e *Esplora) TipHeight(ctx context.Context) (uint32, error) {
	body, err := e.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height uint32
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}

// esploraUtxo is the explorer's unspent output format.
type esploraUtxo struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// ListUnspents returns the address's unspent outputs with full witness
// data, unblinding confidential ones with the given key.
func (e *Esplora) ListUnspents(ctx context.Context, addr string, blindingKey *btcec.PrivateKey) ([]swap.Utxo, error) {
	var raw []esploraUtxo
	if err := e.get(ctx, "/address/"+addr+"/utxo", &raw); err != nil {
		return nil, err
	}

	utxos := make([]swap.Utxo, 0, len(raw))
	for _, u := range raw {
		txOut, err := e.fetchOutput(ctx, u.TxID, u.Vout)
		if err != nil {
			return nil, err
		}

		utxo := swap.Utxo{
			TxID:            u.TxID,
			VOut:            u.Vout,
			Script:          txOut.Script,
			AssetCommitment: txOut.Asset,
			ValueCommitment: txOut.Value,
			Nonce:           txOut.Nonce,
			RangeProof:      txOut.RangeProof,
			SurjectionProof: txOut.SurjectionProof,
		}
		utxo.Blinding = unblind(txOut, blindingKey)
		if utxo.Blinding == nil {
			e.log.Warn("output could not be unblinded", "txid", u.TxID, "vout", u.Vout)
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// fetchOutput pulls the raw transaction and extracts one output.
func (e *Esplora) fetchOutput(ctx context.Context, txid string, vout uint32) (*transaction.TxOutput, error) {
	hexBody, err := e.getRaw(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}
	tx, err := transaction.NewTxFromHex(strings.TrimSpace(string(hexBody)))
	if err != nil {
		return nil, fmt.Errorf("parse transaction %s: %w", txid, err)
	}
	if int(vout) >= len(tx.Outputs) {
		return nil, fmt.Errorf("transaction %s has no output %d", txid, vout)
	}
	return tx.Outputs[vout], nil
}

// unblind recovers the explicit asset and value of an output. Explicit
// outputs need no key; confidential ones fail without the right one.
func unblind(txOut *transaction.TxOutput, blindingKey *btcec.PrivateKey) *swap.BlindingData {
	if len(txOut.Value) > 0 && txOut.Value[0] == 0x01 {
		// Already explicit.
		value, err := elementsutil.ValueFromBytes(txOut.Value)
		if err != nil {
			return nil
		}
		if len(txOut.Asset) != 33 {
			return nil
		}
		return &swap.BlindingData{
			Asset: txOut.Asset[1:],
			Value: value,
		}
	}

	if blindingKey == nil {
		return nil
	}
	result, err := confidential.UnblindOutputWithKey(txOut, blindingKey.Serialize())
	if err != nil {
		return nil
	}
	return &swap.BlindingData{
		Asset:        result.Asset,
		Value:        result.Value,
		AssetBlinder: result.AssetBlindingFactor,
		ValueBlinder: result.ValueBlindingFactor,
	}
}

// TxStatus is the confirmation state of one transaction.
type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

// TransactionStatus fetches a transaction's confirmation state.
func (e *Esplora) TransactionStatus(ctx context.Context, txid string) (*TxStatus, error) {
	var status TxStatus
	if err := e.get(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// BroadcastTransaction publishes a raw transaction directly to the
// chain, bypassing the swap service.
func (e *Esplora) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

// WaitForUnspents polls until the address has at least one unspent
// output or the context ends. Used to watch for lockup funding when
// the notification stream is silent.
func (e *Esplora) WaitForUnspents(ctx context.Context, addr string, blindingKey *btcec.PrivateKey) ([]swap.Utxo, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		utxos, err := e.ListUnspents(ctx, addr, blindingKey)
		if err != nil {
			e.log.Warn("listing unspents failed, retrying", "err", err)
		} else if len(utxos) > 0 {
			return utxos, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Esplora) get(ctx context.Context, path string, result interface{}) error {
	body, err := e.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (e *Esplora) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}
