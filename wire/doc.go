// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the subset of the bitcoin wire protocol needed by a
compact-filter SPV client.

Every message is framed on the wire as:

	magic(4) || command(12, NUL-padded) || length(4, u32le) || checksum(4) || payload

where the checksum is the first four bytes of the double SHA-256 of the
payload.  ReadMessage and WriteMessage handle the framing; individual message
types implement the Message interface for payload encoding and decoding.

The package also provides the primitive chain types shared by the rest of the
codebase: the 32-byte Hash, BlockHeader, and the transaction types (MsgTx,
TxIn, TxOut, OutPoint) together with their canonical serializations.
*/
package wire
