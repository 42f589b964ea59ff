// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package gcs

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/wire"
)

var testKey = [KeySize]byte{
	0x4c, 0xb1, 0xab, 0x12, 0x57, 0x62, 0x1e, 0x41,
	0x3b, 0x8b, 0x0e, 0x26, 0x64, 0x8d, 0x4a, 0x15,
}

func testContents(n int) [][]byte {
	contents := make([][]byte, n)
	for i := range contents {
		item := make([]byte, 8)
		binary.BigEndian.PutUint64(item, uint64(i)*0x9e3779b9)
		contents[i] = item
	}
	return contents
}

// TestFilterNoFalseNegatives builds a filter and ensures every member of
// the original data set matches.
func TestFilterNoFalseNegatives(t *testing.T) {
	contents := testContents(100)

	filter, err := BuildGCSFilter(DefaultP, DefaultM, testKey, contents)
	require.NoError(t, err)
	require.Equal(t, uint32(100), filter.N())
	require.Equal(t, uint8(DefaultP), filter.P())

	for _, item := range contents {
		match, err := filter.Match(testKey, item)
		require.NoError(t, err)
		require.True(t, match, "filter missing member %x", item)
	}

	match, err := filter.MatchAny(testKey, contents)
	require.NoError(t, err)
	require.True(t, match)

	// MatchAny with a single member mixed into absent values.
	probe := [][]byte{[]byte("absent-a"), contents[42], []byte("absent-b")}
	match, err = filter.MatchAny(testKey, probe)
	require.NoError(t, err)
	require.True(t, match)
}

// TestFilterFalsePositiveRate spot checks that values outside of the set
// nearly always fail to match.  With P=19 the chance of any single false
// positive in this run is about 2^-19 per probe.
func TestFilterFalsePositiveRate(t *testing.T) {
	contents := testContents(1000)
	filter, err := BuildGCSFilter(DefaultP, DefaultM, testKey, contents)
	require.NoError(t, err)

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		item := make([]byte, 9)
		item[0] = 0xff
		binary.BigEndian.PutUint64(item[1:], uint64(i))
		match, err := filter.Match(testKey, item)
		require.NoError(t, err)
		if match {
			falsePositives++
		}
	}

	// With a 2^-19 rate, more than a couple of hits in 1000 probes means
	// the reduction or coding is broken.
	require.LessOrEqual(t, falsePositives, 2)
}

// TestEmptyFilter ensures a filter over no items matches nothing and still
// serializes.
func TestEmptyFilter(t *testing.T) {
	filter, err := BuildGCSFilter(DefaultP, DefaultM, testKey, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), filter.N())

	match, err := filter.Match(testKey, []byte("anything"))
	require.NoError(t, err)
	require.False(t, match)

	match, err = filter.MatchAny(testKey, [][]byte{[]byte("anything")})
	require.NoError(t, err)
	require.False(t, match)

	nBytes, err := filter.NBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, nBytes)

	decoded, err := FromNBytes(DefaultP, DefaultM, nBytes)
	require.NoError(t, err)
	require.Equal(t, uint32(0), decoded.N())
}

// TestFilterSerializeRoundTrip tests both serialization formats.
func TestFilterSerializeRoundTrip(t *testing.T) {
	contents := testContents(50)
	filter, err := BuildGCSFilter(DefaultP, DefaultM, testKey, contents)
	require.NoError(t, err)

	raw, err := filter.Bytes()
	require.NoError(t, err)
	fromBytes, err := FromBytes(filter.N(), DefaultP, DefaultM, raw)
	require.NoError(t, err)

	nRaw, err := filter.NBytes()
	require.NoError(t, err)
	fromNBytes, err := FromNBytes(DefaultP, DefaultM, nRaw)
	require.NoError(t, err)
	require.Equal(t, filter.N(), fromNBytes.N())

	for _, f := range []*Filter{fromBytes, fromNBytes} {
		for _, item := range contents {
			match, err := f.Match(testKey, item)
			require.NoError(t, err)
			require.True(t, match)
		}
	}

	// The filter hash must be stable across the round trip.
	origHash, err := filter.Hash()
	require.NoError(t, err)
	decodedHash, err := fromNBytes.Hash()
	require.NoError(t, err)
	require.Equal(t, origHash, decodedHash)
}

// TestFilterHeaderChain checks the header chain construction commits to the
// previous header.
func TestFilterHeaderChain(t *testing.T) {
	filter, err := BuildGCSFilter(DefaultP, DefaultM, testKey, testContents(10))
	require.NoError(t, err)

	var zeroHeader wire.Hash
	header1, err := filter.Header(&zeroHeader)
	require.NoError(t, err)
	header2, err := filter.Header(&header1)
	require.NoError(t, err)

	require.NotEqual(t, header1, header2)

	// Recomputing with the same previous header is deterministic.
	again, err := filter.Header(&zeroHeader)
	require.NoError(t, err)
	require.Equal(t, header1, again)
}

// TestKeyFromHash checks key derivation from a block hash.
func TestKeyFromHash(t *testing.T) {
	hash, err := wire.NewHashFromStr("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f")
	require.NoError(t, err)

	key := KeyFromHash(hash)
	require.Equal(t, hash[:KeySize], key[:])
}

// TestLargeFilterRoundTrip builds a filter whose serialization is far larger
// than the writer's byte preallocation hint can express and checks nothing is
// truncated.
func TestLargeFilterRoundTrip(t *testing.T) {
	contents := testContents(600)
	filter, err := BuildGCSFilter(DefaultP, DefaultM, testKey, contents)
	require.NoError(t, err)
	require.Equal(t, uint32(600), filter.N())

	nRaw, err := filter.NBytes()
	require.NoError(t, err)
	require.Greater(t, len(nRaw), math.MaxUint8)

	decoded, err := FromNBytes(DefaultP, DefaultM, nRaw)
	require.NoError(t, err)
	for _, item := range contents {
		match, err := decoded.Match(testKey, item)
		require.NoError(t, err)
		require.True(t, match, "filter missing member %x", item)
	}
}

// TestBuildParamsRejected ensures out of range parameters are rejected.
func TestBuildParamsRejected(t *testing.T) {
	_, err := BuildGCSFilter(33, DefaultM, testKey, testContents(1))
	require.ErrorIs(t, err, ErrPTooBig)

	_, err = FromBytes(1, 33, DefaultM, nil)
	require.ErrorIs(t, err, ErrPTooBig)
}
