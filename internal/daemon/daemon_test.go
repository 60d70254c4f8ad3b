package daemon

import (
	"testing"

	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/internal/store"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &Daemon{
		cfg:      &config.Config{Fees: config.FeeConfig{SatsPerVByte: config.DefaultSatsPerVByte}},
		log:      logging.GetDefault().Component("daemon"),
		store:    st,
		channels: make(map[string]chan swap.StatusEvent),
	}
}

func TestOnTerminalRecordsFailure(t *testing.T) {
	d := testDaemon(t)

	rec := store.SwapRecord{
		ID:        "swap-err",
		Direction: store.DirectionSubmarine,
		State:     swap.StateFailed.String(),
		Invoice:   "lnbcrt1...",
	}
	if err := d.store.SaveSwap(&rec); err != nil {
		t.Fatalf("SaveSwap: %v", err)
	}
	d.channels["swap-err"] = make(chan swap.StatusEvent, 1)

	cfg := d.controllerConfig(nil)
	cfg.OnTerminal(swap.Result{SwapID: "swap-err", State: swap.StateFailed, Err: swap.ErrCounterpartyFraud})

	got, err := d.store.GetSwap("swap-err")
	if err != nil {
		t.Fatalf("GetSwap: %v", err)
	}
	if got.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if _, ok := d.channels["swap-err"]; ok {
		t.Error("terminal swap still registered")
	}
}

func TestOnTerminalSuccessUnregisters(t *testing.T) {
	d := testDaemon(t)
	d.channels["swap-ok"] = make(chan swap.StatusEvent, 1)

	cfg := d.controllerConfig(nil)
	cfg.OnTerminal(swap.Result{SwapID: "swap-ok", State: swap.StateDone, ClaimTxID: "cc33"})

	if _, ok := d.channels["swap-ok"]; ok {
		t.Error("finished swap still registered")
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	d := testDaemon(t)
	ch := make(chan swap.StatusEvent, 1)
	d.channels["swap-1"] = ch

	d.unregister("swap-1")

	if _, open := <-ch; open {
		t.Error("channel still open after unregister")
	}
	// A second unregister for the same id must be a no-op.
	d.unregister("swap-1")
}

func TestCloseChannelsTerminatesAll(t *testing.T) {
	d := testDaemon(t)
	a := make(chan swap.StatusEvent, 1)
	b := make(chan swap.StatusEvent, 1)
	d.channels["a"] = a
	d.channels["b"] = b

	d.closeChannels()

	for name, ch := range map[string]chan swap.StatusEvent{"a": a, "b": b} {
		if _, open := <-ch; open {
			t.Errorf("channel %s still open", name)
		}
	}
	if len(d.channels) != 0 {
		t.Errorf("channels map has %d entries, want 0", len(d.channels))
	}
}
