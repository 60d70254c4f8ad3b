package store

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tidewallet-labs/tidewallet/internal/swap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, direction string) *SwapRecord {
	return &SwapRecord{
		ID:            id,
		Direction:     direction,
		State:         swap.StateCreated.String(),
		Invoice:       "lnbcrt1...",
		PreimageHash:  "ab00cd",
		AmountSat:     100_000,
		TimeoutHeight: 840_000,
		LockupAddress: "el1qq...",
		KeyIndex:      2,
		ContractData:  json.RawMessage(`{"claimLeaf":"82012088"}`),
	}
}

func TestSaveAndGetSwap(t *testing.T) {
	s := testStore(t)

	record := testRecord("swap-1", DirectionReverse)
	if err := s.SaveSwap(record); err != nil {
		t.Fatalf("SaveSwap: %v", err)
	}

	loaded, err := s.GetSwap("swap-1")
	if err != nil {
		t.Fatalf("GetSwap: %v", err)
	}
	if loaded.Direction != DirectionReverse {
		t.Errorf("direction = %s", loaded.Direction)
	}
	if loaded.AmountSat != 100_000 || loaded.TimeoutHeight != 840_000 {
		t.Errorf("amounts = %d / %d", loaded.AmountSat, loaded.TimeoutHeight)
	}
	if loaded.KeyIndex != 2 {
		t.Errorf("key index = %d", loaded.KeyIndex)
	}
	if string(loaded.ContractData) != `{"claimLeaf":"82012088"}` {
		t.Errorf("contract data = %s", loaded.ContractData)
	}
	if loaded.CreatedAt.IsZero() || loaded.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if !loaded.CompletedAt.IsZero() {
		t.Error("completed_at set on fresh record")
	}
}

func TestGetSwapNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetSwap("missing"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("err = %v, want ErrSwapNotFound", err)
	}
}

func TestSaveSwapUpserts(t *testing.T) {
	s := testStore(t)

	record := testRecord("swap-1", DirectionSubmarine)
	if err := s.SaveSwap(record); err != nil {
		t.Fatalf("SaveSwap: %v", err)
	}

	record.State = swap.StateLockupSeen.String()
	record.LockupAddress = "el1qqnew"
	if err := s.SaveSwap(record); err != nil {
		t.Fatalf("SaveSwap update: %v", err)
	}

	loaded, err := s.GetSwap("swap-1")
	if err != nil {
		t.Fatalf("GetSwap: %v", err)
	}
	if loaded.State != swap.StateLockupSeen.String() {
		t.Errorf("state = %s", loaded.State)
	}
	if loaded.LockupAddress != "el1qqnew" {
		t.Errorf("lockup address = %s", loaded.LockupAddress)
	}
}

func TestUpdateSwapState(t *testing.T) {
	s := testStore(t)
	if err := s.SaveSwap(testRecord("swap-1", DirectionReverse)); err != nil {
		t.Fatalf("SaveSwap: %v", err)
	}

	if err := s.UpdateSwapState("swap-1", swap.StateClaimBroadcast, "txid-abc"); err != nil {
		t.Fatalf("UpdateSwapState: %v", err)
	}
	loaded, _ := s.GetSwap("swap-1")
	if loaded.State != swap.StateClaimBroadcast.String() {
		t.Errorf("state = %s", loaded.State)
	}
	if loaded.ClaimTxID != "txid-abc" {
		t.Errorf("claim txid = %s", loaded.ClaimTxID)
	}
	if !loaded.CompletedAt.IsZero() {
		t.Error("completed_at set before terminal state")
	}

	// A transition without a txid must not erase the stored one.
	if err := s.UpdateSwapState("swap-1", swap.StateDone, ""); err != nil {
		t.Fatalf("UpdateSwapState: %v", err)
	}
	loaded, _ = s.GetSwap("swap-1")
	if loaded.ClaimTxID != "txid-abc" {
		t.Errorf("claim txid after settle = %s", loaded.ClaimTxID)
	}
	if loaded.CompletedAt.IsZero() {
		t.Error("completed_at not set on terminal state")
	}
}

func TestUpdateSwapStateNotFound(t *testing.T) {
	s := testStore(t)
	err := s.UpdateSwapState("missing", swap.StateDone, "")
	if !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("err = %v, want ErrSwapNotFound", err)
	}
}

func TestListPending(t *testing.T) {
	s := testStore(t)

	for _, id := range []string{"swap-1", "swap-2", "swap-3"} {
		if err := s.SaveSwap(testRecord(id, DirectionReverse)); err != nil {
			t.Fatalf("SaveSwap: %v", err)
		}
	}
	if err := s.UpdateSwapState("swap-1", swap.StateDone, "txid-1"); err != nil {
		t.Fatalf("UpdateSwapState: %v", err)
	}
	if err := s.UpdateSwapState("swap-2", swap.StateFailed, ""); err != nil {
		t.Fatalf("UpdateSwapState: %v", err)
	}

	pending, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "swap-3" {
		t.Errorf("pending = %+v, want only swap-3", pending)
	}
}

func TestSetFailureReason(t *testing.T) {
	s := testStore(t)
	if err := s.SaveSwap(testRecord("swap-1", DirectionSubmarine)); err != nil {
		t.Fatalf("SaveSwap: %v", err)
	}
	if err := s.SetFailureReason("swap-1", "invoice expired"); err != nil {
		t.Fatalf("SetFailureReason: %v", err)
	}
	loaded, _ := s.GetSwap("swap-1")
	if loaded.FailureReason != "invoice expired" {
		t.Errorf("failure reason = %s", loaded.FailureReason)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveSwap(testRecord("swap-1", DirectionReverse)); err != nil {
		t.Fatalf("SaveSwap: %v", err)
	}
	s.Close()

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetSwap("swap-1"); err != nil {
		t.Errorf("GetSwap after reopen: %v", err)
	}
}
