package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNetworkParamsFor(t *testing.T) {
	tests := []struct {
		name        string
		network     NetworkType
		wantAssetID string
		wantErr     bool
	}{
		{"mainnet", NetworkMainnet, MainnetLBTCAssetID, false},
		{"testnet", NetworkTestnet, TestnetLBTCAssetID, false},
		{"regtest", NetworkRegtest, RegtestLBTCAssetID, false},
		{"unknown", NetworkType("signet"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := NetworkParamsFor(tt.network)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NetworkParamsFor: %v", err)
			}
			if params.LBTCAssetID != tt.wantAssetID {
				t.Errorf("asset id = %s, want %s", params.LBTCAssetID, tt.wantAssetID)
			}
			if params.Elements == nil || params.Lightning == nil {
				t.Error("missing chain params")
			}
			if params.SwapAPIURL == "" || params.EsploraURL == "" {
				t.Error("missing endpoints")
			}
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NetworkType != NetworkMainnet {
		t.Errorf("network = %s, want mainnet", cfg.NetworkType)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("config file not created: %v", err)
	}

	// Second load reads the file back.
	cfg2, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if cfg2.Fees.SatsPerVByte != cfg.Fees.SatsPerVByte {
		t.Errorf("fee rate changed across loads")
	}
}

func TestLoadRejectsLowFeeRate(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Fees.SatsPerVByte = 0.01
	if err := cfg.Save(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for fee rate below minimum")
	}
}

func TestParamsOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetworkType = NetworkTestnet
	cfg.SwapService.URL = "http://localhost:9999/v2"
	cfg.Backend.EsploraURL = "http://localhost:3002"

	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if params.SwapAPIURL != "http://localhost:9999/v2" {
		t.Errorf("swap url override not applied: %s", params.SwapAPIURL)
	}
	if params.SwapWSURL != TestnetSwapWSURL {
		t.Errorf("ws url should keep network default: %s", params.SwapWSURL)
	}
	if params.EsploraURL != "http://localhost:3002" {
		t.Errorf("esplora override not applied: %s", params.EsploraURL)
	}
}
