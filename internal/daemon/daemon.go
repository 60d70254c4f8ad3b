// Package daemon wires the swap engine together: service client, chain
// backend, wallet, transaction builder, and the per-swap lifecycle
// controllers.
package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidewallet-labs/tidewallet/internal/backend"
	"github.com/tidewallet-labs/tidewallet/internal/boltz"
	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/internal/store"
	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/internal/txbuilder"
	"github.com/tidewallet-labs/tidewallet/internal/wallet"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

// eventBuffer sizes each controller's private event channel.
const eventBuffer = 16

// Daemon runs swaps end to end. Each active swap gets its own
// controller and event channel; the daemon routes notification stream
// updates to them by swap id.
type Daemon struct {
	cfg     *config.Config
	params  *config.NetworkParams
	log     *logging.Logger
	client  *boltz.Client
	chain   *backend.Esplora
	builder *txbuilder.Builder
	wallet  *wallet.Service
	store   *store.Store

	mu       sync.Mutex
	sub      *boltz.Subscription
	channels map[string]chan swap.StatusEvent
	wg       sync.WaitGroup
}

// New assembles a daemon from its collaborators. The wallet must be
// unlocked before swaps are opened.
func New(cfg *config.Config, walletSvc *wallet.Service, st *store.Store) (*Daemon, error) {
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		params:   params,
		log:      logging.GetDefault().Component("daemon"),
		client:   boltz.NewClient(params),
		chain:    backend.NewEsplora(params.EsploraURL),
		builder:  txbuilder.New(params),
		wallet:   walletSvc,
		store:    st,
		channels: make(map[string]chan swap.StatusEvent),
	}, nil
}

// Start connects the chain backend, opens the notification stream, and
// resumes persisted swaps. It returns once the stream is running;
// controllers run until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.chain.Connect(ctx); err != nil {
		return err
	}

	pending, err := d.store.ListPending()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(pending))
	for _, record := range pending {
		ids = append(ids, record.ID)
	}

	d.mu.Lock()
	d.sub = boltz.Subscribe(ctx, d.params.SwapWSURL, ids...)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.dispatch(ctx)

	for _, record := range pending {
		if err := d.resume(ctx, record); err != nil {
			d.log.Error("resume swap", "swap_id", record.ID, "err", err)
		}
	}

	d.log.Info("daemon started", "network", d.params.Name, "resumed", len(pending))
	return nil
}

// Wait blocks until all controllers and the dispatcher have stopped.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// dispatch routes stream updates to the owning controller's channel.
func (d *Daemon) dispatch(ctx context.Context) {
	defer d.wg.Done()
	defer d.closeChannels()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.sub.Updates():
			if !ok {
				return
			}
			d.mu.Lock()
			ch := d.channels[ev.SwapID]
			d.mu.Unlock()
			if ch == nil {
				d.log.Debug("update for unknown swap", "swap_id", ev.SwapID)
				continue
			}
			select {
			case ch <- ev:
			default:
				d.log.Warn("controller event buffer full, dropping update",
					"swap_id", ev.SwapID, "status", ev.Status)
			}
		}
	}
}

func (d *Daemon) closeChannels() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.channels {
		close(ch)
		delete(d.channels, id)
	}
}

// register allocates the event channel for a swap and subscribes to
// its updates.
func (d *Daemon) register(swapID string) (chan swap.StatusEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.channels[swapID]; exists {
		return nil, fmt.Errorf("swap %s already registered", swapID)
	}
	ch := make(chan swap.StatusEvent, eventBuffer)
	d.channels[swapID] = ch
	if err := d.sub.Add(swapID); err != nil {
		delete(d.channels, swapID)
		close(ch)
		return nil, err
	}
	return ch, nil
}

func (d *Daemon) unregister(swapID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.channels[swapID]; ok {
		close(ch)
		delete(d.channels, swapID)
	}
}

// controllerConfig builds the shared controller wiring for one swap.
func (d *Daemon) controllerConfig(events <-chan swap.StatusEvent) swap.ControllerConfig {
	return swap.ControllerConfig{
		Service:      d.client,
		Chain:        d.chain,
		Builder:      d.builder,
		Store:        d.store,
		Events:       events,
		SatsPerVByte: d.cfg.Fees.SatsPerVByte,
		OnTerminal: func(result swap.Result) {
			if result.Err != nil {
				d.log.Error("swap finished with error", "swap_id", result.SwapID, "err", result.Err)
				if err := d.store.SetFailureReason(result.SwapID, result.Err.Error()); err != nil {
					d.log.Warn("record failure reason", "err", err)
				}
			} else {
				d.log.Info("swap finished", "swap_id", result.SwapID,
					"state", result.State, "claim_txid", result.ClaimTxID)
			}
			d.unregister(result.SwapID)
		},
	}
}

func (d *Daemon) runController(ctx context.Context, c *swap.Controller) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c.Run(ctx)
	}()
}
