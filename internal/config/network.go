// Package config provides centralized configuration for the tidewallet daemon.
// All network parameters (asset ids, endpoints, fee defaults, timeouts) are
// defined here rather than scattered through the codebase.
package config

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/vulpemventures/go-elements/network"
)

// NetworkType selects the network the daemon operates on.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
	NetworkRegtest NetworkType = "regtest"
)

// L-BTC asset ids in display (reversed) byte order.
const (
	MainnetLBTCAssetID = "6f0279e9ed041c3d710a9f57d0c02928416460c4b722ae3457a11eec381c526d"
	TestnetLBTCAssetID = "144c654344aa716d6f3abcc1ca90e5641e4e2a7f633bc09fe3baf64585819a49"
	RegtestLBTCAssetID = "5ac9f65c0efcc4775e0baec4ec03abdde22473cd3cf33c0419ca290e0751b225"
)

// Default swap service endpoints per network.
const (
	MainnetSwapAPIURL = "https://api.boltz.exchange/v2"
	MainnetSwapWSURL  = "wss://api.boltz.exchange/v2/ws"
	TestnetSwapAPIURL = "https://api.testnet.boltz.exchange/v2"
	TestnetSwapWSURL  = "wss://api.testnet.boltz.exchange/v2/ws"
	RegtestSwapAPIURL = "http://localhost:9001/v2"
	RegtestSwapWSURL  = "ws://localhost:9001/v2/ws"
)

// Block hashes of each network's genesis block in display order. The
// taproot sighash on Elements commits to the genesis hash instead of a
// chain id.
const (
	MainnetGenesisHash = "1466275836220db2944ca059a3a10ef6fd2ea684b0688d2c379296888a206003"
	TestnetGenesisHash = "a771da8e52ee6ad581ed1e9a99825e5b3b7992225534eaa2ae23244fe26ab1c1"
	RegtestGenesisHash = "00902a6b70c2ca83b5d9c815d96a0e2f4202179316970d14ea1847dae5b1ca21"
)

// Default block explorer API endpoints per network.
const (
	MainnetEsploraURL = "https://blockstream.info/liquid/api"
	TestnetEsploraURL = "https://blockstream.info/liquidtestnet/api"
	RegtestEsploraURL = "http://localhost:3001"
)

// Fee defaults. Liquid blocks are rarely contested, so the discounted
// lowball rate is accepted by most network nodes.
const (
	DefaultSatsPerVByte float64 = 0.11
	LowballSatsPerVByte float64 = 0.1
)

// Confirmation and timeout defaults.
const (
	// ClaimConfirmationTarget is how many confirmations a lockup
	// transaction needs before a cooperative claim is attempted when
	// zero-conf is disabled.
	ClaimConfirmationTarget uint32 = 2

	// DefaultInvoiceExpirySeconds applies when an invoice carries no
	// explicit expiry field.
	DefaultInvoiceExpirySeconds = 3600
)

// NetworkParams bundles the chain parameters for one network.
type NetworkParams struct {
	// Name is the canonical network name.
	Name NetworkType

	// Elements holds address encoding parameters for the asset chain.
	Elements *network.Network

	// Lightning holds the invoice network parameters. Liquid swaps
	// settle Bitcoin-network invoices.
	Lightning *chaincfg.Params

	// LBTCAssetID is the fee asset id in display order.
	LBTCAssetID string

	// GenesisHash is the chain's genesis block hash in display order.
	GenesisHash string

	// SwapAPIURL is the swap service REST endpoint.
	SwapAPIURL string

	// SwapWSURL is the swap service websocket endpoint.
	SwapWSURL string

	// EsploraURL is the block explorer API endpoint.
	EsploraURL string
}

// NetworkParamsFor returns the parameters for the given network type.
func NetworkParamsFor(nt NetworkType) (*NetworkParams, error) {
	switch nt {
	case NetworkMainnet:
		return &NetworkParams{
			Name:        NetworkMainnet,
			Elements:    &network.Liquid,
			Lightning:   &chaincfg.MainNetParams,
			LBTCAssetID: MainnetLBTCAssetID,
			GenesisHash: MainnetGenesisHash,
			SwapAPIURL:  MainnetSwapAPIURL,
			SwapWSURL:   MainnetSwapWSURL,
			EsploraURL:  MainnetEsploraURL,
		}, nil
	case NetworkTestnet:
		return &NetworkParams{
			Name:        NetworkTestnet,
			Elements:    &network.Testnet,
			Lightning:   &chaincfg.TestNet3Params,
			LBTCAssetID: TestnetLBTCAssetID,
			GenesisHash: TestnetGenesisHash,
			SwapAPIURL:  TestnetSwapAPIURL,
			SwapWSURL:   TestnetSwapWSURL,
			EsploraURL:  TestnetEsploraURL,
		}, nil
	case NetworkRegtest:
		return &NetworkParams{
			Name:        NetworkRegtest,
			Elements:    &network.Regtest,
			Lightning:   &chaincfg.RegressionNetParams,
			LBTCAssetID: RegtestLBTCAssetID,
			GenesisHash: RegtestGenesisHash,
			SwapAPIURL:  RegtestSwapAPIURL,
			SwapWSURL:   RegtestSwapWSURL,
			EsploraURL:  RegtestEsploraURL,
		}, nil
	default:
		return nil, fmt.Errorf("unknown network type %q", nt)
	}
}
