// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific StoreError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the StoreError will be set
	// to the underlying error returned from bbolt.
	ErrDatabase ErrorCode = iota

	// ErrHeaderNotFound indicates that the requested block header is not
	// stored.
	ErrHeaderNotFound

	// ErrFilterNotFound indicates that the requested filter or filter
	// header is not stored.
	ErrFilterNotFound

	// ErrLinkage indicates that a header or filter header being stored
	// does not connect to the current stored tip.
	ErrLinkage

	// ErrUTXONotFound indicates that the requested unspent output is not
	// known to the store.
	ErrUTXONotFound

	// ErrSerialization indicates a stored value could not be parsed.
	ErrSerialization
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:       "ErrDatabase",
	ErrHeaderNotFound: "ErrHeaderNotFound",
	ErrFilterNotFound: "ErrFilterNotFound",
	ErrLinkage:        "ErrLinkage",
	ErrUTXONotFound:   "ErrUTXONotFound",
	ErrSerialization:  "ErrSerialization",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// StoreError provides a single type for errors that can happen during store
// operation.
type StoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e StoreError) Unwrap() error {
	return e.Err
}

// storeError creates a StoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) StoreError {
	return StoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a StoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(StoreError)
	return ok && e.ErrorCode == code
}
