// Package boltz is the REST and websocket client for the swap service.
package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// Currency tickers as the service names them.
const (
	currencyLightning = "BTC"
	currencyLiquid    = "L-BTC"
)

var (
	// ErrRequestFailed wraps any non-2xx response from the service.
	ErrRequestFailed = errors.New("swap service request failed")

	// ErrAmountOutOfRange means the requested amount violates the
	// pair's published limits.
	ErrAmountOutOfRange = errors.New("amount outside pair limits")
)

// Client talks to the swap service's v2 REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client for the given network's endpoint.
func NewClient(params *config.NetworkParams) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(params.SwapAPIURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PairLimits are the service's published amount bounds for a pair.
type PairLimits struct {
	Minimal         uint64 `json:"minimal"`
	Maximal         uint64 `json:"maximal"`
	MaximalZeroConf uint64 `json:"maximalZeroConf"`
}

// PairFees is the service's fee schedule for a pair.
type PairFees struct {
	Percentage float64 `json:"percentage"`
	MinerFees  uint64  `json:"minerFees"`
}

// Pair is one tradeable pair of a swap direction.
type Pair struct {
	Hash   string     `json:"hash"`
	Rate   float64    `json:"rate"`
	Limits PairLimits `json:"limits"`
	Fees   PairFees   `json:"fees"`
}

// CheckLimits validates an amount against the pair's bounds.
func (p *Pair) CheckLimits(amountSat uint64) error {
	if amountSat < p.Limits.Minimal || amountSat > p.Limits.Maximal {
		return fmt.Errorf("%w: %d not in [%d, %d]",
			ErrAmountOutOfRange, amountSat, p.Limits.Minimal, p.Limits.Maximal)
	}
	return nil
}

// SubmarinePair fetches the Liquid-to-Lightning pair info.
func (c *Client) SubmarinePair(ctx context.Context) (*Pair, error) {
	var pairs map[string]map[string]*Pair
	if err := c.get(ctx, "/swap/submarine", &pairs); err != nil {
		return nil, err
	}
	pair := pairs[currencyLiquid][currencyLightning]
	if pair == nil {
		return nil, fmt.Errorf("%w: no %s/%s submarine pair", ErrRequestFailed, currencyLiquid, currencyLightning)
	}
	return pair, nil
}

// ReversePair fetches the Lightning-to-Liquid pair info.
func (c *Client) ReversePair(ctx context.Context) (*Pair, error) {
	var pairs map[string]map[string]*Pair
	if err := c.get(ctx, "/swap/reverse", &pairs); err != nil {
		return nil, err
	}
	pair := pairs[currencyLightning][currencyLiquid]
	if pair == nil {
		return nil, fmt.Errorf("%w: no %s/%s reverse pair", ErrRequestFailed, currencyLightning, currencyLiquid)
	}
	return pair, nil
}

// treeLeafJSON is a tapscript leaf as serialized by the service.
type treeLeafJSON struct {
	Version byte   `json:"version"`
	Output  string `json:"output"`
}

func (l treeLeafJSON) decode() (swap.TreeLeaf, error) {
	script, err := helpers.HexToBytes(l.Output)
	if err != nil {
		return swap.TreeLeaf{}, fmt.Errorf("leaf script: %w", err)
	}
	return swap.TreeLeaf{Version: l.Version, Script: script}, nil
}

// CreateSubmarine opens a submarine swap paying the given invoice from
// Liquid funds.
func (c *Client) CreateSubmarine(ctx context.Context, invoice string, refundPublicKey []byte) (swap.SubmarineContract, error) {
	request := struct {
		From            string `json:"from"`
		To              string `json:"to"`
		Invoice         string `json:"invoice"`
		RefundPublicKey string `json:"refundPublicKey"`
	}{
		From:            currencyLiquid,
		To:              currencyLightning,
		Invoice:         invoice,
		RefundPublicKey: helpers.BytesToHex(refundPublicKey),
	}

	var response struct {
		ID             string `json:"id"`
		ClaimPublicKey string `json:"claimPublicKey"`
		SwapTree       *struct {
			ClaimLeaf  treeLeafJSON `json:"claimLeaf"`
			RefundLeaf treeLeafJSON `json:"refundLeaf"`
		} `json:"swapTree"`
		RedeemScript       string `json:"redeemScript"`
		Address            string `json:"address"`
		BlindingKey        string `json:"blindingKey"`
		ExpectedAmount     uint64 `json:"expectedAmount"`
		TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
		AcceptZeroConf     bool   `json:"acceptZeroConf"`
	}
	if err := c.post(ctx, "/swap/submarine", request, &response); err != nil {
		return swap.SubmarineContract{}, err
	}

	contract := swap.SubmarineContract{
		ID:                 response.ID,
		LockupAddress:      response.Address,
		ExpectedAmount:     response.ExpectedAmount,
		TimeoutBlockHeight: response.TimeoutBlockHeight,
	}
	var err error
	if contract.ClaimPublicKey, err = helpers.HexToBytes(response.ClaimPublicKey); err != nil {
		return swap.SubmarineContract{}, fmt.Errorf("claim pubkey: %w", err)
	}
	if response.BlindingKey != "" {
		if contract.BlindingKey, err = helpers.HexToBytes(response.BlindingKey); err != nil {
			return swap.SubmarineContract{}, fmt.Errorf("blinding key: %w", err)
		}
	}
	if response.SwapTree != nil {
		if contract.ClaimLeaf, err = response.SwapTree.ClaimLeaf.decode(); err != nil {
			return swap.SubmarineContract{}, err
		}
		if contract.RefundLeaf, err = response.SwapTree.RefundLeaf.decode(); err != nil {
			return swap.SubmarineContract{}, err
		}
	} else if response.RedeemScript != "" {
		if contract.RedeemScript, err = helpers.HexToBytes(response.RedeemScript); err != nil {
			return swap.SubmarineContract{}, fmt.Errorf("redeem script: %w", err)
		}
	}
	return contract, nil
}

// CreateReverse opens a reverse swap delivering Liquid funds for a
// Lightning payment committing to the given preimage hash.
func (c *Client) CreateReverse(ctx context.Context, invoiceAmountSat uint64, preimageHash [32]byte, claimPublicKey []byte) (swap.ReverseContract, error) {
	request := struct {
		From           string `json:"from"`
		To             string `json:"to"`
		InvoiceAmount  uint64 `json:"invoiceAmount"`
		PreimageHash   string `json:"preimageHash"`
		ClaimPublicKey string `json:"claimPublicKey"`
	}{
		From:           currencyLightning,
		To:             currencyLiquid,
		InvoiceAmount:  invoiceAmountSat,
		PreimageHash:   helpers.BytesToHex(preimageHash[:]),
		ClaimPublicKey: helpers.BytesToHex(claimPublicKey),
	}

	var response struct {
		ID              string `json:"id"`
		Invoice         string `json:"invoice"`
		RefundPublicKey string `json:"refundPublicKey"`
		SwapTree        struct {
			ClaimLeaf  treeLeafJSON `json:"claimLeaf"`
			RefundLeaf treeLeafJSON `json:"refundLeaf"`
		} `json:"swapTree"`
		LockupAddress      string `json:"lockupAddress"`
		BlindingKey        string `json:"blindingKey"`
		OnchainAmount      uint64 `json:"onchainAmount"`
		TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
	}
	if err := c.post(ctx, "/swap/reverse", request, &response); err != nil {
		return swap.ReverseContract{}, err
	}

	contract := swap.ReverseContract{
		ID:                 response.ID,
		Invoice:            response.Invoice,
		LockupAddress:      response.LockupAddress,
		OnchainAmount:      response.OnchainAmount,
		TimeoutBlockHeight: response.TimeoutBlockHeight,
	}
	var err error
	if contract.RefundPublicKey, err = helpers.HexToBytes(response.RefundPublicKey); err != nil {
		return swap.ReverseContract{}, fmt.Errorf("refund pubkey: %w", err)
	}
	if response.BlindingKey != "" {
		if contract.BlindingKey, err = helpers.HexToBytes(response.BlindingKey); err != nil {
			return swap.ReverseContract{}, fmt.Errorf("blinding key: %w", err)
		}
	}
	if contract.ClaimLeaf, err = response.SwapTree.ClaimLeaf.decode(); err != nil {
		return swap.ReverseContract{}, err
	}
	if contract.RefundLeaf, err = response.SwapTree.RefundLeaf.decode(); err != nil {
		return swap.ReverseContract{}, err
	}
	return contract, nil
}

// SubmarineClaimDetails fetches the preimage and nonce the service
// offers for a cooperative submarine claim.
func (c *Client) SubmarineClaimDetails(ctx context.Context, id string) (*swap.ClaimDetails, error) {
	var response struct {
		Preimage        string `json:"preimage"`
		PubNonce        string `json:"pubNonce"`
		TransactionHash string `json:"transactionHash"`
	}
	if err := c.get(ctx, "/swap/submarine/"+id+"/claim", &response); err != nil {
		return nil, err
	}

	details := &swap.ClaimDetails{}
	var err error
	if details.Preimage, err = helpers.HexToBytes(response.Preimage); err != nil {
		return nil, fmt.Errorf("preimage: %w", err)
	}
	if details.PubNonce, err = helpers.HexToBytes(response.PubNonce); err != nil {
		return nil, fmt.Errorf("pub nonce: %w", err)
	}
	if details.TransactionHash, err = helpers.HexToBytes(response.TransactionHash); err != nil {
		return nil, fmt.Errorf("transaction hash: %w", err)
	}
	return details, nil
}

// SendSubmarineClaim hands our nonce and partial signature back to the
// service so it can finish its claim.
func (c *Client) SendSubmarineClaim(ctx context.Context, id string, msg swap.PartialSigMessage) error {
	request := struct {
		PubNonce         string `json:"pubNonce"`
		PartialSignature string `json:"partialSignature"`
	}{
		PubNonce:         helpers.BytesToHex(msg.PubNonce),
		PartialSignature: helpers.BytesToHex(msg.PartialSignature),
	}
	return c.post(ctx, "/swap/submarine/"+id+"/claim", request, nil)
}

// RequestReverseClaim asks the service to co-sign our reverse claim.
func (c *Client) RequestReverseClaim(ctx context.Context, id string, req swap.ReverseClaimRequest) (*swap.PartialSigMessage, error) {
	request := struct {
		Transaction string `json:"transaction"`
		Index       int    `json:"index"`
		Preimage    string `json:"preimage"`
		PubNonce    string `json:"pubNonce"`
	}{
		Transaction: req.Transaction,
		Index:       req.Index,
		Preimage:    helpers.BytesToHex(req.Preimage),
		PubNonce:    helpers.BytesToHex(req.PubNonce),
	}

	var response struct {
		PubNonce         string `json:"pubNonce"`
		PartialSignature string `json:"partialSignature"`
	}
	if err := c.post(ctx, "/swap/reverse/"+id+"/claim", request, &response); err != nil {
		return nil, err
	}

	msg := &swap.PartialSigMessage{}
	var err error
	if msg.PubNonce, err = helpers.HexToBytes(response.PubNonce); err != nil {
		return nil, fmt.Errorf("pub nonce: %w", err)
	}
	if msg.PartialSignature, err = helpers.HexToBytes(response.PartialSignature); err != nil {
		return nil, fmt.Errorf("partial signature: %w", err)
	}
	return msg, nil
}

// Broadcast publishes a raw transaction through the service.
func (c *Client) Broadcast(ctx context.Context, txHex string) (string, error) {
	request := struct {
		Hex string `json:"hex"`
	}{Hex: txHex}

	var response struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/chain/"+currencyLiquid+"/transaction", request, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		// Error bodies are {"error": "..."} where possible.
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
