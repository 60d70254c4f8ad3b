package swap

// Status is a swap lifecycle status pushed by the swap service.
type Status string

// Statuses in the order they ordinarily arrive. Delivery is
// at-least-once and not gap-free, so consumers must tolerate missing
// or repeated statuses.
const (
	StatusSwapCreated     Status = "swap.created"
	StatusInvoiceSet      Status = "invoice.set"
	StatusTxMempool       Status = "transaction.mempool"
	StatusTxConfirmed     Status = "transaction.confirmed"
	StatusTxClaimPending  Status = "transaction.claim.pending"
	StatusTxClaimed       Status = "transaction.claimed"
	StatusInvoiceSettled  Status = "invoice.settled"
	StatusInvoicePending  Status = "invoice.pending"
	StatusInvoiceFailed   Status = "invoice.failedToPay"
	StatusInvoiceExpired  Status = "invoice.expired"
	StatusSwapExpired     Status = "swap.expired"
	StatusTxFailed        Status = "transaction.failed"
	StatusTxLockupFailed  Status = "transaction.lockupFailed"
	StatusTxRefunded      Status = "transaction.refunded"
)

// Failed reports whether the status is a terminal failure.
func (s Status) Failed() bool {
	switch s {
	case StatusInvoiceFailed, StatusInvoiceExpired, StatusSwapExpired,
		StatusTxFailed, StatusTxLockupFailed, StatusTxRefunded:
		return true
	}
	return false
}

// StatusEvent is one notification from the swap service.
type StatusEvent struct {
	// SwapID identifies the swap the event belongs to.
	SwapID string

	// Status is the reported lifecycle status.
	Status Status

	// TransactionID and TransactionHex describe the lockup transaction
	// for transaction.* statuses, when the service includes it.
	TransactionID  string
	TransactionHex string

	// ZeroConfRejected is set when the service refuses to accept the
	// lockup transaction before confirmation.
	ZeroConfRejected bool

	// FailureReason carries the service's explanation for failures.
	FailureReason string
}
