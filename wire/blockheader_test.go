// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestGenesisBlockHash ensures hashing the mainnet genesis header produces
// the well-known genesis block hash.
func TestGenesisBlockHash(t *testing.T) {
	merkleRoot, err := NewHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f" +
		"618f76673e2cc77ab2127b7afdeda33b")
	require.NoError(t, err)

	header := BlockHeader{
		Version:    1,
		PrevBlock:  Hash{},
		MerkleRoot: *merkleRoot,
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
		Nonce:      2083236893,
	}

	want := "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	require.Equal(t, want, header.BlockHash().String())
}

// TestBlockHeaderSerialize tests that headers serialize to exactly 80 bytes
// and survive a round trip.
func TestBlockHeaderSerialize(t *testing.T) {
	prev, _ := NewHashFromStr("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f")
	merkle, _ := NewHashFromStr("0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098")
	header := BlockHeader{
		Version:    1,
		PrevBlock:  *prev,
		MerkleRoot: *merkle,
		Timestamp:  time.Unix(1231469665, 0),
		Bits:       0x1d00ffff,
		Nonce:      2573394689,
	}

	var buf bytes.Buffer
	require.NoError(t, header.Serialize(&buf))
	require.Len(t, buf.Bytes(), 80)

	var decoded BlockHeader
	require.NoError(t, decoded.Deserialize(&buf))
	require.Equal(t, header.Version, decoded.Version)
	require.Equal(t, header.PrevBlock, decoded.PrevBlock)
	require.Equal(t, header.MerkleRoot, decoded.MerkleRoot)
	require.True(t, header.Timestamp.Equal(decoded.Timestamp))
	require.Equal(t, header.Bits, decoded.Bits)
	require.Equal(t, header.Nonce, decoded.Nonce)

	// Block 1's well known hash.
	want := "00000000839a8e6886ab5951d76f411475428afc90947ee320161bbf18eb6048"
	require.Equal(t, want, decoded.BlockHash().String())
}
