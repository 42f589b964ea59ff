// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "fmt"

// MessageError describes an issue with a message, such as a malformed frame,
// a payload exceeding the maximum allowed size, or a checksum mismatch.  The
// caller should treat any MessageError as a protocol violation by the remote
// peer and drop the connection.
type MessageError struct {
	Func        string // Function name
	Description string // Human readable description of the issue
}

// Error satisfies the error interface and prints human readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%v: %v", e.Func, e.Description)
	}
	return e.Description
}

// messageError creates a MessageError given a set of arguments.
func messageError(f string, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}
