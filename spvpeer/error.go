// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spvpeer

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific PeerError.
const (
	// ErrConnect indicates the TCP connection to the remote peer could
	// not be established.
	ErrConnect ErrorCode = iota

	// ErrHandshake indicates the version negotiation with the remote
	// peer failed.
	ErrHandshake

	// ErrTimeout indicates a request to the remote peer did not receive
	// a response within the request timeout.
	ErrTimeout

	// ErrDisconnected indicates the operation failed because the peer is
	// not connected, or disconnected while the operation was in flight.
	ErrDisconnected

	// ErrProtocol indicates the remote peer sent a message that violates
	// the protocol.
	ErrProtocol

	// ErrRejected indicates the remote peer rejected a transaction we
	// broadcast.
	ErrRejected

	// ErrNoPeers indicates no configured or discovered peer could be
	// connected to.
	ErrNoPeers
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrConnect:      "ErrConnect",
	ErrHandshake:    "ErrHandshake",
	ErrTimeout:      "ErrTimeout",
	ErrDisconnected: "ErrDisconnected",
	ErrProtocol:     "ErrProtocol",
	ErrRejected:     "ErrRejected",
	ErrNoPeers:      "ErrNoPeers",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// PeerError provides a single type for errors that can happen during peer
// operation.
type PeerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e PeerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e PeerError) Unwrap() error {
	return e.Err
}

// peerError creates a PeerError given a set of arguments.
func peerError(c ErrorCode, desc string, err error) PeerError {
	return PeerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a PeerError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(PeerError)
	return ok && e.ErrorCode == code
}
