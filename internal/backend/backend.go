// Package backend reads the Liquid chain through an Esplora-compatible
// block explorer API.
package backend

import "errors"

var (
	// ErrNotConnected means the explorer endpoint is unreachable.
	ErrNotConnected = errors.New("explorer not reachable")

	// ErrTxNotFound means the requested transaction is unknown.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBroadcastFailed wraps a rejected transaction broadcast.
	ErrBroadcastFailed = errors.New("broadcast failed")
)
