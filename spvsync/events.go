// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spvsync

import "github.com/btcsuite/spvwallet/wire"

// Event is the interface satisfied by all notifications delivered on the
// sync manager's event channel.
type Event interface{}

// ConnectionChanged is delivered when the sync manager connects to a new
// peer or loses its current one.
type ConnectionChanged struct {
	// Connected reports whether a peer connection is currently up.
	Connected bool

	// PeerAddr is the address of the peer involved.
	PeerAddr string
}

// HeadersApplied is delivered after a batch of block headers has been
// validated and stored.
type HeadersApplied struct {
	// StartHeight is the height of the first header in the batch.
	StartHeight uint32

	// TipHeight is the new chain tip height.
	TipHeight uint32
}

// SyncProgress is delivered as filter sync advances.
type SyncProgress struct {
	// HeaderHeight is the height of the best stored block header.
	HeaderHeight uint32

	// FilterHeight is the height up to which filters have been
	// processed.
	FilterHeight uint32
}

// FilterMatched is delivered when a block's compact filter matches a
// watched script and the block will be fetched.
type FilterMatched struct {
	Height    uint32
	BlockHash wire.Hash
}

// TxConfirmed is delivered when a scanned block contains a transaction
// relevant to the watched scripts.
type TxConfirmed struct {
	TxHash   wire.Hash
	Height   uint32
	Received int64
	Sent     int64
}

// RescanFinished is delivered when a requested rescan of the retained
// filter window completes.
type RescanFinished struct {
	// Matched is the number of blocks whose filters matched during the
	// rescan.
	Matched int
}
