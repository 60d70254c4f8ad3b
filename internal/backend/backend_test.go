package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
)

// lockupTxHex serializes a one-output explicit transaction paying the
// given script, as the explorer would return it.
func lockupTxHex(t *testing.T, script []byte, value uint64) string {
	t.Helper()

	asset, err := elementsutil.AssetHashToBytes(config.RegtestLBTCAssetID)
	if err != nil {
		t.Fatalf("asset bytes: %v", err)
	}
	valueBytes, err := elementsutil.ValueToBytes(value)
	if err != nil {
		t.Fatalf("value bytes: %v", err)
	}

	tx := transaction.NewTx(2)
	prevHash := helpers.MustHexToBytes("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	tx.Inputs = append(tx.Inputs, transaction.NewTxInput(prevHash, 0))
	tx.Outputs = append(tx.Outputs, transaction.NewTxOutput(asset, valueBytes, script))

	hex, err := tx.ToHex()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return hex
}

func TestListUnspentsExplicit(t *testing.T) {
	script := []byte{0x51, 0x20}
	script = append(script, make([]byte, 32)...)
	txHex := lockupTxHex(t, script, 100_000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/ert1qtest/utxo":
			json.NewEncoder(w).Encode([]map[string]interface{}{{
				"txid": "aa11",
				"vout": 0,
				"status": map[string]interface{}{
					"confirmed":    true,
					"block_height": 1000,
				},
			}})
		case "/tx/aa11/hex":
			w.Write([]byte(txHex))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewEsplora(server.URL)
	utxos, err := client.ListUnspents(context.Background(), "ert1qtest", nil)
	if err != nil {
		t.Fatalf("ListUnspents: %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("utxos = %d, want 1", len(utxos))
	}

	u := utxos[0]
	if u.TxID != "aa11" || u.VOut != 0 {
		t.Errorf("outpoint = %s:%d", u.TxID, u.VOut)
	}
	if string(u.Script) != string(script) {
		t.Error("script mismatch")
	}
	if len(u.AssetCommitment) != 33 || len(u.ValueCommitment) != 9 {
		t.Errorf("commitment lengths = %d %d", len(u.AssetCommitment), len(u.ValueCommitment))
	}
	if u.Blinding == nil {
		t.Fatal("explicit output not unblinded")
	}
	if u.Blinding.Value != 100_000 {
		t.Errorf("value = %d, want 100000", u.Blinding.Value)
	}
}

func TestTipHeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blocks/tip/height" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte("123456"))
	}))
	defer server.Close()

	height, err := NewEsplora(server.URL).TipHeight(context.Background())
	if err != nil {
		t.Fatalf("TipHeight: %v", err)
	}
	if height != 123456 {
		t.Errorf("height = %d", height)
	}
}

func TestBroadcastTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte("txid-bb22\n"))
	}))
	defer server.Close()

	txid, err := NewEsplora(server.URL).BroadcastTransaction(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("BroadcastTransaction: %v", err)
	}
	if txid != "txid-bb22" {
		t.Errorf("txid = %q", txid)
	}
}

func TestBroadcastTransactionRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad-txns-inputs-missingorspent"))
	}))
	defer server.Close()

	_, err := NewEsplora(server.URL).BroadcastTransaction(context.Background(), "deadbeef")
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("err = %v, want ErrBroadcastFailed", err)
	}
}

func TestTransactionStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"confirmed":    true,
			"block_height": 999,
		})
	}))
	defer server.Close()

	status, err := NewEsplora(server.URL).TransactionStatus(context.Background(), "aa11")
	if err != nil {
		t.Fatalf("TransactionStatus: %v", err)
	}
	if !status.Confirmed || status.BlockHeight != 999 {
		t.Errorf("status = %+v", status)
	}
}
