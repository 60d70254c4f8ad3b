package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/tidewallet-labs/tidewallet/pkg/helpers"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

// Direction selects which way value moves through a swap.
type Direction int

const (
	DirectionSubmarine Direction = iota
	DirectionReverse
)

// State is the lifecycle state of one swap.
type State int

const (
	StateCreated State = iota
	StateAwaitingFunding
	StateAwaitingInvoicePayment
	StateLockupSeen
	StateClaimBroadcast
	StateDone
	StateFailed
)

// String renders the state for logs and persistence.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingFunding:
		return "awaiting_funding"
	case StateAwaitingInvoicePayment:
		return "awaiting_invoice_payment"
	case StateLockupSeen:
		return "lockup_seen"
	case StateClaimBroadcast:
		return "claim_broadcast"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Result is the terminal outcome reported to the controller's caller.
type Result struct {
	SwapID    string
	State     State
	ClaimTxID string
	Err       error
}

// ClaimDetails is the service's cooperative claim request for a
// submarine swap.
type ClaimDetails struct {
	Preimage        []byte
	PubNonce        []byte
	TransactionHash []byte
}

// PartialSigMessage carries one side's nonce and partial signature.
type PartialSigMessage struct {
	PubNonce         []byte
	PartialSignature []byte
}

// ReverseClaimRequest asks the service to co-sign our claim transaction.
type ReverseClaimRequest struct {
	Transaction string
	Index       int
	Preimage    []byte
	PubNonce    []byte
}

// ServiceClient is the subset of the swap service API the controller
// calls during a swap's lifetime.
type ServiceClient interface {
	SubmarineClaimDetails(ctx context.Context, id string) (*ClaimDetails, error)
	SendSubmarineClaim(ctx context.Context, id string, msg PartialSigMessage) error
	RequestReverseClaim(ctx context.Context, id string, req ReverseClaimRequest) (*PartialSigMessage, error)
	Broadcast(ctx context.Context, txHex string) (string, error)
}

// ChainClient lists lockup outputs, unblinding them with the given key.
type ChainClient interface {
	ListUnspents(ctx context.Context, addr string, blindingKey *btcec.PrivateKey) ([]Utxo, error)
}

// CooperativeClaimRequest is the input to drafting a key-path claim.
type CooperativeClaimRequest struct {
	Utxo               Utxo
	Tree               *SwapTree
	InternalKey        *btcec.PublicKey
	LockupBlindingKey  *btcec.PrivateKey
	DestinationAddress string
	SatsPerVByte       float64
}

// ClaimDraft is a blinded, fee-converged claim transaction waiting for
// its aggregated signature.
type ClaimDraft interface {
	// Sighash is the taproot key-path sighash the session signs.
	Sighash() [32]byte

	// UnsignedTx is the serialized transaction without the witness,
	// sent to the service so it can compute the same sighash.
	UnsignedTx() string

	// Complete inserts the aggregated signature and returns the
	// broadcastable transaction.
	Complete(finalSig []byte) (string, error)
}

// ClaimBuilder drafts cooperative claim transactions.
type ClaimBuilder interface {
	BuildCooperativeClaim(req CooperativeClaimRequest) (ClaimDraft, error)
}

// RecordStore persists lifecycle transitions. May be nil.
type RecordStore interface {
	UpdateSwapState(id string, state State, claimTxID string) error
}

// action is the side effect a transition requests.
type action int

const (
	actionNone action = iota
	actionCooperativeSign
	actionClaimLockup
	actionFinish
	actionFail
)

// transition is the pure state-transition function: given the current
// state and an incoming status it returns the next state and the side
// effect to run. Unknown, duplicate, and out-of-order statuses are
// no-ops so an at-least-once notification stream cannot wedge a swap.
func transition(dir Direction, state State, status Status) (State, action) {
	if state.Terminal() {
		return state, actionNone
	}
	if status.Failed() {
		return StateFailed, actionFail
	}

	switch dir {
	case DirectionSubmarine:
		switch status {
		case StatusInvoiceSet:
			if state == StateCreated {
				return StateAwaitingFunding, actionNone
			}
		case StatusTxClaimPending:
			return state, actionCooperativeSign
		case StatusTxClaimed, StatusInvoiceSettled:
			return StateDone, actionFinish
		}

	case DirectionReverse:
		switch status {
		case StatusSwapCreated:
			if state == StateCreated {
				return StateAwaitingInvoicePayment, actionNone
			}
		case StatusTxMempool, StatusTxConfirmed:
			// Repeated lockup events keep requesting the claim until it
			// broadcasts, so one failed attempt does not strand the swap.
			if state <= StateLockupSeen {
				return StateLockupSeen, actionClaimLockup
			}
		case StatusInvoiceSettled:
			return StateDone, actionFinish
		}
	}
	return state, actionNone
}

// Controller drives one swap through its lifecycle. It owns exactly one
// notification subscription and at most one signing session at a time;
// independent swaps run their own controllers with no shared state.
type Controller struct {
	log     *logging.Logger
	service ServiceClient
	chain   ChainClient
	builder ClaimBuilder
	store   RecordStore

	dir Direction
	sub *SubmarineSwap
	rev *ReverseSwap

	events     <-chan StatusEvent
	onTerminal func(Result)

	satsPerVByte float64

	mu           sync.Mutex
	state        State
	session      *SigningSession
	pendingClaim bool
	claimTxID    string
}

// ControllerConfig wires a controller's collaborators.
type ControllerConfig struct {
	Log          *logging.Logger
	Service      ServiceClient
	Chain        ChainClient
	Builder      ClaimBuilder
	Store        RecordStore
	Events       <-chan StatusEvent
	OnTerminal   func(Result)
	SatsPerVByte float64
}

// NewSubmarineController creates the controller for a submarine swap.
func NewSubmarineController(record *SubmarineSwap, cfg ControllerConfig) *Controller {
	c := newController(cfg)
	c.dir = DirectionSubmarine
	c.sub = record
	c.log = c.log.With("swap_id", record.ID, "direction", "submarine")
	return c
}

// NewReverseController creates the controller for a reverse swap.
func NewReverseController(record *ReverseSwap, cfg ControllerConfig) *Controller {
	c := newController(cfg)
	c.dir = DirectionReverse
	c.rev = record
	c.log = c.log.With("swap_id", record.ID, "direction", "reverse")
	return c
}

func newController(cfg ControllerConfig) *Controller {
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}
	return &Controller{
		log:          log,
		service:      cfg.Service,
		chain:        cfg.Chain,
		builder:      cfg.Builder,
		store:        cfg.Store,
		events:       cfg.Events,
		onTerminal:   cfg.OnTerminal,
		satsPerVByte: cfg.SatsPerVByte,
		state:        StateCreated,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExpiryMillis exposes the invoice deadline. The caller is responsible
// for invoking the refund path when it passes without completion; the
// controller never self-triggers refunds.
func (c *Controller) ExpiryMillis() int64 {
	switch c.dir {
	case DirectionSubmarine:
		return c.sub.Invoice.ExpiryMillis
	default:
		return c.rev.Invoice.ExpiryMillis
	}
}

// TimeoutHeight exposes the contract's refund height for the caller's
// expiry checks.
func (c *Controller) TimeoutHeight() uint32 {
	switch c.dir {
	case DirectionSubmarine:
		return c.sub.TimeoutHeight
	default:
		return c.rev.TimeoutHeight
	}
}

// swapID returns the service's id for this swap.
func (c *Controller) swapID() string {
	if c.dir == DirectionSubmarine {
		return c.sub.ID
	}
	return c.rev.ID
}

// Run consumes status events until the swap reaches a terminal state or
// the context is cancelled. Closing the subscription (cancelling ctx)
// is the only cancellation primitive.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
			if c.State().Terminal() {
				return
			}
		}
	}
}

// handleEvent applies one status event.
func (c *Controller) handleEvent(ctx context.Context, ev StatusEvent) {
	if ev.SwapID != "" && ev.SwapID != c.swapID() {
		return
	}

	c.mu.Lock()
	next, act := transition(c.dir, c.state, ev.Status)
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if next != prev {
		c.log.Info("lifecycle transition", "from", prev, "to", next, "status", ev.Status)
		c.persist(next)
	} else if act == actionNone {
		c.log.Debug("ignoring status", "status", ev.Status, "state", prev)
	}

	switch act {
	case actionCooperativeSign:
		c.cooperativeSign(ctx)
	case actionClaimLockup:
		c.claimLockup(ctx)
	case actionFinish:
		c.finish(Result{SwapID: c.swapID(), State: StateDone, ClaimTxID: c.claimTxID})
	case actionFail:
		c.finish(Result{
			SwapID: c.swapID(),
			State:  StateFailed,
			Err:    fmt.Errorf("swap failed with status %s: %s", ev.Status, ev.FailureReason),
		})
	}
}

// cooperativeSign answers the service's claim request for a submarine
// swap: verify the preimage, then run one signing session and hand back
// our nonce and partial signature.
func (c *Controller) cooperativeSign(ctx context.Context) {
	if c.sub.Tree == nil {
		// Legacy swaps have no key path; the service claims via the
		// script path on its own.
		c.log.Debug("claim pending on legacy swap, nothing to co-sign")
		return
	}

	c.mu.Lock()
	if c.session != nil && !c.session.Done() {
		// Never interleave sessions: the nonce state is per-attempt.
		c.pendingClaim = true
		c.mu.Unlock()
		c.log.Warn("claim request while session in flight, queued")
		return
	}
	c.mu.Unlock()

	details, err := c.service.SubmarineClaimDetails(ctx, c.sub.ID)
	if err != nil {
		c.log.Error("fetch claim details", "err", err)
		return
	}
	if c.discardIfTerminal() {
		return
	}

	if err := VerifyPreimage(details.Preimage, c.sub.Invoice.PaymentHash); err != nil {
		c.abortFraud(err)
		return
	}
	if len(details.TransactionHash) != 32 {
		c.log.Error("claim details carry invalid sighash", "len", len(details.TransactionHash))
		return
	}

	session, err := NewSigningSession(c.sub.RefundKey, c.sub.ClaimPubKey, c.sub.Tree)
	if err != nil {
		c.log.Error("create signing session", "err", err)
		return
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	// From here on every exit must abort the session: a live session
	// that never finishes would block all later claim requests.
	pubNonce, err := session.GenerateNonce()
	if err != nil {
		c.log.Error("generate nonce", "err", err)
		session.Abort()
		c.retryQueuedClaim(ctx)
		return
	}
	if err := session.RegisterRemoteNonce(details.PubNonce); err != nil {
		c.log.Error("register remote nonce", "err", err)
		session.Abort()
		c.retryQueuedClaim(ctx)
		return
	}

	var sighash [32]byte
	copy(sighash[:], details.TransactionHash)
	if err := session.Initialize(sighash); err != nil {
		c.log.Error("initialize session", "err", err)
		session.Abort()
		c.retryQueuedClaim(ctx)
		return
	}

	partial, err := session.Sign()
	if err != nil {
		c.log.Error("partial sign", "err", err)
		session.Abort()
		c.retryQueuedClaim(ctx)
		return
	}
	partialBytes, err := EncodePartialSig(partial)
	if err != nil {
		c.log.Error("encode partial sig", "err", err)
		session.Abort()
		c.retryQueuedClaim(ctx)
		return
	}

	if c.discardIfTerminal() {
		session.Abort()
		return
	}
	err = c.service.SendSubmarineClaim(ctx, c.sub.ID, PartialSigMessage{
		PubNonce:         pubNonce[:],
		PartialSignature: partialBytes,
	})
	if err != nil {
		c.log.Error("send partial signature", "err", err)
		session.Abort()
		c.retryQueuedClaim(ctx)
		return
	}
	c.log.Info("cooperative claim signature sent")

	// The service aggregates and broadcasts; our side of the session
	// is finished.
	session.Abort()
	c.retryQueuedClaim(ctx)
}

// retryQueuedClaim replays a claim request that arrived while a session
// was in flight.
func (c *Controller) retryQueuedClaim(ctx context.Context) {
	c.mu.Lock()
	queued := c.pendingClaim
	c.pendingClaim = false
	c.mu.Unlock()
	if queued && !c.State().Terminal() {
		c.cooperativeSign(ctx)
	}
}

// claimLockup drafts, co-signs, and broadcasts the claim of a reverse
// swap's lockup output.
func (c *Controller) claimLockup(ctx context.Context) {
	rev := c.rev

	c.mu.Lock()
	claimed := c.claimTxID != ""
	c.mu.Unlock()
	if claimed {
		return
	}

	utxos, err := c.chain.ListUnspents(ctx, rev.LockupAddress, rev.BlindingKey)
	if err != nil {
		c.log.Error("list lockup unspents", "err", err)
		return
	}
	if c.discardIfTerminal() {
		return
	}

	aggKey, err := AggregateSwapKeys(rev.ClaimKey.PubKey(), rev.RefundPubKey)
	if err != nil {
		c.log.Error("aggregate keys", "err", err)
		return
	}
	expectedScript := rev.Tree.OutputScript(aggKey.PreTweakedKey)

	utxo, ok := findLockupUtxo(utxos, expectedScript, rev.OnchainAmount)
	if !ok {
		// The lockup does not pay the tweaked swap key or the amount
		// is wrong. Stay put rather than claim an unexpected output.
		c.log.Warn("no lockup output matches the swap tree, waiting")
		return
	}

	draft, err := c.builder.BuildCooperativeClaim(CooperativeClaimRequest{
		Utxo:               utxo,
		Tree:               rev.Tree,
		InternalKey:        aggKey.PreTweakedKey,
		LockupBlindingKey:  rev.BlindingKey,
		DestinationAddress: rev.DestinationAddress,
		SatsPerVByte:       c.satsPerVByte,
	})
	if err != nil {
		c.log.Error("draft claim transaction", "err", err)
		return
	}

	session, err := NewSigningSession(rev.ClaimKey, rev.RefundPubKey, rev.Tree)
	if err != nil {
		c.log.Error("create signing session", "err", err)
		return
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	pubNonce, err := session.GenerateNonce()
	if err != nil {
		c.log.Error("generate nonce", "err", err)
		return
	}

	resp, err := c.service.RequestReverseClaim(ctx, rev.ID, ReverseClaimRequest{
		Transaction: draft.UnsignedTx(),
		Index:       0,
		Preimage:    rev.Preimage[:],
		PubNonce:    pubNonce[:],
	})
	if err != nil {
		c.log.Error("request cooperative claim", "err", err)
		session.Abort()
		return
	}
	if c.discardIfTerminal() {
		session.Abort()
		return
	}

	if err := session.RegisterRemoteNonce(resp.PubNonce); err != nil {
		c.log.Error("register remote nonce", "err", err)
		session.Abort()
		return
	}
	if err := session.Initialize(draft.Sighash()); err != nil {
		c.log.Error("initialize session", "err", err)
		session.Abort()
		return
	}
	if _, err := session.Sign(); err != nil {
		c.log.Error("partial sign", "err", err)
		session.Abort()
		return
	}

	remoteSig, err := ParsePartialSig(resp.PartialSignature)
	if err != nil {
		c.abortFraud(fmt.Errorf("%w: %v", ErrCounterpartyFraud, err))
		return
	}
	finalSig, err := session.Aggregate(remoteSig)
	if err != nil {
		c.abortFraud(fmt.Errorf("%w: partial signature does not aggregate: %v", ErrCounterpartyFraud, err))
		return
	}

	txHex, err := draft.Complete(finalSig.Serialize())
	if err != nil {
		c.log.Error("complete claim transaction", "err", err)
		session.Abort()
		return
	}

	txID, err := c.service.Broadcast(ctx, txHex)
	if err != nil {
		c.log.Error("broadcast claim", "err", err)
		session.Abort()
		return
	}
	if c.discardIfTerminal() {
		return
	}

	c.mu.Lock()
	c.claimTxID = txID
	c.state = StateClaimBroadcast
	c.mu.Unlock()
	c.persist(StateClaimBroadcast)
	c.log.Info("claim broadcast", "txid", txID)
}

// findLockupUtxo picks the unspent output paying the expected script
// with the expected unblinded amount.
func findLockupUtxo(utxos []Utxo, script []byte, amount uint64) (Utxo, bool) {
	for _, u := range utxos {
		if !helpers.CompareBytes(u.Script, script) {
			continue
		}
		if u.Blinding == nil || u.Blinding.Value != amount {
			continue
		}
		return u, true
	}
	return Utxo{}, false
}

// discardIfTerminal reports whether the controller reached a terminal
// state while a network call was in flight; late responses are dropped.
func (c *Controller) discardIfTerminal() bool {
	if c.State().Terminal() {
		c.log.Debug("discarding late response after terminal state")
		return true
	}
	return false
}

// abortFraud terminates the swap with a security-relevant failure.
func (c *Controller) abortFraud(err error) {
	c.log.Error("aborting swap", "err", err)
	c.mu.Lock()
	if c.session != nil {
		c.session.Abort()
	}
	c.state = StateFailed
	c.mu.Unlock()
	c.persist(StateFailed)
	c.finish(Result{SwapID: c.swapID(), State: StateFailed, Err: err})
}

// finish reports the terminal result exactly once.
func (c *Controller) finish(result Result) {
	c.mu.Lock()
	c.state = result.State
	if result.ClaimTxID == "" {
		result.ClaimTxID = c.claimTxID
	}
	c.mu.Unlock()
	c.persist(result.State)
	if c.onTerminal != nil {
		c.onTerminal(result)
	}
}

// persist records a state change, best effort.
func (c *Controller) persist(state State) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateSwapState(c.swapID(), state, c.claimTxID); err != nil {
		c.log.Warn("persist swap state", "err", err)
	}
}
