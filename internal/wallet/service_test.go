package wallet

import (
	"bytes"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/tidewallet-labs/tidewallet/internal/config"
)

const testPassword = "correct horse Battery 1"

func testService(t *testing.T) *Service {
	t.Helper()
	params, err := config.NetworkParamsFor(config.NetworkRegtest)
	if err != nil {
		t.Fatalf("network params: %v", err)
	}
	svc := NewService(params, filepath.Join(t.TempDir(), "seed.json"))
	if err := svc.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	return svc
}

func TestServiceLifecycle(t *testing.T) {
	params, _ := config.NetworkParamsFor(config.NetworkRegtest)
	seedPath := filepath.Join(t.TempDir(), "seed.json")

	svc := NewService(params, seedPath)
	if svc.IsUnlocked() {
		t.Error("fresh service reports unlocked")
	}
	if _, err := svc.NextAddress(); err == nil {
		t.Error("expected error deriving address while locked")
	}

	if err := svc.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	first, err := svc.NextAddress()
	if err != nil {
		t.Fatalf("NextAddress: %v", err)
	}

	// A new service over the same seed file must reproduce the keys.
	resumed := NewService(params, seedPath)
	if err := resumed.LoadWallet("wrong password!!", ""); err == nil {
		t.Error("expected error for wrong password")
	}
	if err := resumed.LoadWallet(testPassword, ""); err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	if !resumed.IsUnlocked() {
		t.Error("loaded service reports locked")
	}

	again, err := resumed.AddressAt(0)
	if err != nil {
		t.Fatalf("AddressAt: %v", err)
	}
	if again.Address != first.Address {
		t.Error("resumed wallet derived a different address")
	}
}

func TestCreateWalletRejectsWeakPassword(t *testing.T) {
	params, _ := config.NetworkParamsFor(config.NetworkRegtest)
	svc := NewService(params, filepath.Join(t.TempDir(), "seed.json"))
	if err := svc.CreateWallet(testMnemonic, "", "short"); err == nil {
		t.Error("expected error for short password")
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic: %v", err)
	}
	if bytes.Contains(encrypted.Ciphertext, []byte("abandon")) {
		t.Error("ciphertext leaks mnemonic words")
	}

	mnemonic, err := DecryptMnemonic(encrypted, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic: %v", err)
	}
	if mnemonic != testMnemonic {
		t.Error("round trip changed mnemonic")
	}

	if _, err := DecryptMnemonic(encrypted, "not the password"); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestNextSwapKey(t *testing.T) {
	svc := testService(t)

	key0, idx0, err := svc.NextSwapKey()
	if err != nil {
		t.Fatalf("NextSwapKey: %v", err)
	}
	key1, idx1, err := svc.NextSwapKey()
	if err != nil {
		t.Fatalf("NextSwapKey: %v", err)
	}
	if idx0 != 0 || idx1 != 1 {
		t.Errorf("indexes = %d, %d", idx0, idx1)
	}
	if bytes.Equal(key0.Serialize(), key1.Serialize()) {
		t.Error("consecutive swap keys are equal")
	}

	again, err := svc.SwapKeyAt(idx0)
	if err != nil {
		t.Fatalf("SwapKeyAt: %v", err)
	}
	if !bytes.Equal(again.Serialize(), key0.Serialize()) {
		t.Error("SwapKeyAt differs from NextSwapKey")
	}
}

func TestRestoreCounters(t *testing.T) {
	svc := testService(t)
	svc.RestoreCounters(5, 3)

	addr, err := svc.NextAddress()
	if err != nil {
		t.Fatalf("NextAddress: %v", err)
	}
	if addr.Index != 5 {
		t.Errorf("address index = %d, want 5", addr.Index)
	}

	_, idx, err := svc.NextSwapKey()
	if err != nil {
		t.Fatalf("NextSwapKey: %v", err)
	}
	if idx != 3 {
		t.Errorf("swap index = %d, want 3", idx)
	}

	// Restoring backwards must not rewind.
	svc.RestoreCounters(0, 0)
	addr, _ = svc.NextAddress()
	if addr.Index != 6 {
		t.Errorf("address index after rewind attempt = %d, want 6", addr.Index)
	}
}

func TestSignWithKey(t *testing.T) {
	svc := testService(t)

	key, idx, err := svc.NextSwapKey()
	if err != nil {
		t.Fatalf("NextSwapKey: %v", err)
	}

	digest := sha256.Sum256([]byte("spend authorization"))
	sig, err := svc.SignWithKey(idx, digest[:])
	if err != nil {
		t.Fatalf("SignWithKey: %v", err)
	}
	if !sig.Verify(digest[:], key.PubKey()) {
		t.Error("signature does not verify")
	}
}
