// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/gcs"
	"github.com/btcsuite/spvwallet/wire"
)

// openTestStore creates a store backed by a fresh temp database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.db")
	s, err := Open(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// makeChain builds n headers extending the regtest genesis block.
func makeChain(n int) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, n)
	prev := chaincfg.RegressionNetParams.GenesisHash
	for i := range headers {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: *prev,
			Timestamp: time.Unix(1600000000+int64(i)*600, 0),
			Bits:      chaincfg.RegressionNetParams.PowLimitBits,
			Nonce:     uint32(i),
		}
		header.MerkleRoot[0] = byte(i)
		headers[i] = header
		hash := header.BlockHash()
		prev = &hash
	}
	return headers
}

func TestOpenSeedsGenesis(t *testing.T) {
	s := openTestStore(t)

	tipHash, tipHeight, header, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(0), tipHeight)
	require.True(t, tipHash.IsEqual(chaincfg.RegressionNetParams.GenesisHash))
	genesisHash := header.BlockHash()
	require.True(t, genesisHash.IsEqual(tipHash))

	byHeight, err := s.HeaderByHeight(0)
	require.NoError(t, err)
	byHeightHash := byHeight.BlockHash()
	require.True(t, byHeightHash.IsEqual(tipHash))
}

func TestPutHeadersLinkage(t *testing.T) {
	s := openTestStore(t)
	headers := makeChain(5)

	require.NoError(t, s.PutHeaders(headers...))

	_, tipHeight, _, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(5), tipHeight)

	// Round trip every stored header by hash and height.
	for i, header := range headers {
		hash := header.BlockHash()
		got, height, err := s.Header(&hash)
		require.NoError(t, err)
		require.Equal(t, uint32(i+1), height)
		gotHash := got.BlockHash()
		require.True(t, gotHash.IsEqual(&hash))
	}

	// A header that does not connect to the tip must be rejected and the
	// tip left unchanged.
	orphan := &wire.BlockHeader{Version: 1}
	orphan.PrevBlock[0] = 0xff
	err = s.PutHeaders(orphan)
	require.True(t, IsError(err, ErrLinkage))

	_, tipHeight, _, err = s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(5), tipHeight)

	// Missing lookups report ErrHeaderNotFound.
	var unknown wire.Hash
	unknown[0] = 0xaa
	_, _, err = s.Header(&unknown)
	require.True(t, IsError(err, ErrHeaderNotFound))
	_, err = s.HeaderByHeight(100)
	require.True(t, IsError(err, ErrHeaderNotFound))
}

func TestFilterHeaderChaining(t *testing.T) {
	s := openTestStore(t)

	var h0, h1, h3 wire.Hash
	h0[0], h1[0], h3[0] = 1, 2, 3

	require.NoError(t, s.PutFilterHeader(0, &h0))
	require.NoError(t, s.PutFilterHeader(1, &h1))

	// Skipping a height breaks the chain.
	err := s.PutFilterHeader(3, &h3)
	require.True(t, IsError(err, ErrLinkage))

	got, err := s.FilterHeader(1)
	require.NoError(t, err)
	require.True(t, got.IsEqual(&h1))

	tip, err := s.FilterHeaderTip()
	require.NoError(t, err)
	require.Equal(t, uint32(1), tip)

	_, err = s.FilterHeader(2)
	require.True(t, IsError(err, ErrFilterNotFound))
}

func TestFilterStorageAndMatch(t *testing.T) {
	s := openTestStore(t)
	params := &chaincfg.RegressionNetParams

	var blockHash wire.Hash
	blockHash[0] = 0x42

	watched := []byte{0x76, 0xa9, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 0x88, 0xac}
	other := []byte{0x00, 0x14, 20, 19, 18, 17, 16, 15, 14, 13, 12, 11,
		10, 9, 8, 7, 6, 5, 4, 3, 2, 1}

	key := gcs.KeyFromHash(&blockHash)
	filter, err := gcs.BuildGCSFilter(params.FilterP, params.FilterM, key,
		[][]byte{watched})
	require.NoError(t, err)

	require.NoError(t, s.PutFilter(&blockHash, filter))

	// Served from cache.
	got, err := s.FilterByBlockHash(&blockHash)
	require.NoError(t, err)
	require.Equal(t, filter.N(), got.N())

	// Force a database read by clearing the cache.
	s.filterCache = newFilterCache()
	got, err = s.FilterByBlockHash(&blockHash)
	require.NoError(t, err)
	require.Equal(t, filter.N(), got.N())

	matched, err := s.MatchFilter(&blockHash, [][]byte{watched})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = s.MatchFilter(&blockHash, [][]byte{other})
	require.NoError(t, err)
	require.False(t, matched)

	var unknown wire.Hash
	_, err = s.FilterByBlockHash(&unknown)
	require.True(t, IsError(err, ErrFilterNotFound))
}

func TestWatchScripts(t *testing.T) {
	s := openTestStore(t)

	script := []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
		13, 14, 15, 16, 17, 18, 19, 20}

	require.NoError(t, s.AddWatchScript(script))
	require.NoError(t, s.AddWatchScript(script)) // idempotent

	scripts, err := s.WatchedScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	require.Equal(t, script, scripts[0])
}

func TestCleanupOlderThan(t *testing.T) {
	s := openTestStore(t)
	headers := makeChain(20)
	require.NoError(t, s.PutHeaders(headers...))

	for i := range headers {
		var fh wire.Hash
		fh[0] = byte(i)
		require.NoError(t, s.PutFilterHeader(uint32(i), &fh))
	}

	// With a 5-block retention window at tip 20, the floor is 16.
	pruned, err := s.CleanupOlderThan(16)
	require.NoError(t, err)
	require.Equal(t, 16, pruned) // heights 0 through 15

	_, err = s.HeaderByHeight(15)
	require.True(t, IsError(err, ErrHeaderNotFound))
	_, err = s.HeaderByHeight(16)
	require.NoError(t, err)

	_, err = s.FilterHeader(15)
	require.True(t, IsError(err, ErrFilterNotFound))

	// Pruning does not move the tip.
	_, tipHeight, _, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(20), tipHeight)

	// A second pass finds nothing left to remove.
	pruned, err = s.CleanupOlderThan(16)
	require.NoError(t, err)
	require.Zero(t, pruned)
}

func TestBlockLocator(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutHeaders(makeChain(30)...))

	locator, err := s.BlockLocator()
	require.NoError(t, err)
	require.NotEmpty(t, locator)

	// The first entry is the tip, the last is the genesis hash.
	tipHash, _, _, err := s.ChainTip()
	require.NoError(t, err)
	require.True(t, locator[0].IsEqual(tipHash))
	require.True(t, locator[len(locator)-1].IsEqual(
		chaincfg.RegressionNetParams.GenesisHash))
}
