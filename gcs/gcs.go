// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package gcs provides an API for building and using Golomb-coded set
// filters as defined by BIP0158.  A GCS filter is a probabilistic data
// structure with a tunable false-positive rate and no false negatives, built
// over the scripts of a block so light clients can test for relevant
// activity without downloading the block.
package gcs

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/bits"
	"sort"

	"github.com/aead/siphash"
	"github.com/kkdai/bstream"

	"github.com/btcsuite/spvwallet/wire"
)

const (
	// KeySize is the size of the byte array required for key material for
	// the SipHash keyed hash function.
	KeySize = 16

	// DefaultP is the collision probability parameter used for regular
	// filters per BIP0158 (P = 19, false-positive rate 2^-19).
	DefaultP = 19

	// DefaultM is the inverse of the target false-positive rate used for
	// regular filters per BIP0158.
	DefaultM uint64 = 784931
)

var (
	// ErrNTooBig signifies that the filter can't handle N items.
	ErrNTooBig = errors.New("N is too big to fit in uint32")

	// ErrPTooBig signifies that the filter can't handle `1/2**P`
	// collision probability.
	ErrPTooBig = errors.New("P is too big to fit in uint32")
)

// Filter describes an immutable filter that can be built from a set of data
// elements, serialized, deserialized, and queried in a thread-safe manner.
type Filter struct {
	n          uint32
	p          uint8
	modulusNP  uint64
	filterData []byte
}

// BuildGCSFilter builds a new GCS filter with the collision probability of
// `1/(2**P)`, key `key`, and including every `[]byte` in `data` as a member
// of the set.
func BuildGCSFilter(P uint8, M uint64, key [KeySize]byte, data [][]byte) (*Filter, error) {
	// Some initial parameter checks: make sure we have data from which to
	// build the filter, and make sure our parameters will fit the hash
	// function we're using.
	if uint64(len(data)) >= (1 << 32) {
		return nil, ErrNTooBig
	}
	if P > 32 {
		return nil, ErrPTooBig
	}

	// Create the filter object and insert metadata.
	f := Filter{
		n: uint32(len(data)),
		p: P,
	}
	f.modulusNP = uint64(f.n) * M

	// Nothing to do for an empty filter.
	if len(data) == 0 {
		return &f, nil
	}

	// Build the filter.  The writer argument is only a byte preallocation
	// hint, so clamp it for large sets.
	hint := len(data)
	if hint > math.MaxUint8 {
		hint = math.MaxUint8
	}
	values := make([]uint64, 0, len(data))
	b := bstream.NewBStreamWriter(uint8(hint))

	// Insert the hash (fast-ranged over the modulus) of each data element
	// into a slice and sort the slice.
	for _, d := range data {
		v := siphash.Sum64(d, &key)
		v = fastReduction(v, f.modulusNP)
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	// Write the sorted list of values into the filter bitstream,
	// compressing it with Golomb coding.
	var value, lastValue, remainder uint64
	for _, v := range values {
		// Calculate the difference between this value and the last,
		// modulo P.
		remainder = (v - lastValue) & ((uint64(1) << P) - 1)

		// Calculate the difference between this value and the last,
		// divided by P.
		value = (v - lastValue - remainder) >> f.p
		lastValue = v

		// Write the P multiple into the bitstream in unary; the
		// average should be around 1 (2 bits - 0b10).
		for value > 0 {
			b.WriteBit(true)
			value--
		}
		b.WriteBit(false)

		// Write the remainder as a big-endian integer with enough bits
		// to represent the appropriate collision probability.
		b.WriteBits(remainder, int(f.p))
	}

	// Copy the bitstream into the filter object and return the object.
	f.filterData = b.Bytes()

	return &f, nil
}

// FromBytes deserializes a GCS filter from a known N, P, and serialized
// filter as returned by Bytes().
func FromBytes(N uint32, P uint8, M uint64, d []byte) (*Filter, error) {
	// Basic sanity check.
	if P > 32 {
		return nil, ErrPTooBig
	}

	// Create the filter object and insert metadata.
	f := &Filter{
		n: N,
		p: P,
	}
	f.modulusNP = uint64(f.n) * M

	// Filter data is probably for a new filter, so we'll copy it to keep
	// the immutability of the filter.
	if len(d) > 0 {
		f.filterData = make([]byte, len(d))
		copy(f.filterData, d)
	}

	return f, nil
}

// FromNBytes deserializes a GCS filter from a known P, and serialized N and
// filter as returned by NBytes().
func FromNBytes(P uint8, M uint64, d []byte) (*Filter, error) {
	buffer := bytes.NewBuffer(d)
	N, err := wire.ReadVarInt(buffer)
	if err != nil {
		return nil, err
	}
	if N >= (1 << 32) {
		return nil, ErrNTooBig
	}
	return FromBytes(uint32(N), P, M, buffer.Bytes())
}

// Bytes returns the serialized format of the GCS filter, which does not
// include N or P (returned by separate methods) or the key used by SipHash.
func (f *Filter) Bytes() ([]byte, error) {
	filterData := make([]byte, len(f.filterData))
	copy(filterData, f.filterData)
	return filterData, nil
}

// NBytes returns the serialized format of the GCS filter with N, which does
// not include P (returned by a separate method) or the key used by SipHash.
// This is the wire serialization used by BIP0157 cfilter messages.
func (f *Filter) NBytes() ([]byte, error) {
	var buffer bytes.Buffer
	buffer.Grow(wire.VarIntSerializeSize(uint64(f.n)) + len(f.filterData))

	err := wire.WriteVarInt(&buffer, uint64(f.n))
	if err != nil {
		return nil, err
	}

	_, err = buffer.Write(f.filterData)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// N returns the size of the data set used to build the filter.
func (f *Filter) N() uint32 {
	return f.n
}

// P returns the filter's collision probability as a negative power of 2.
func (f *Filter) P() uint8 {
	return f.p
}

// Hash returns the BIP0157 filter hash, the double SHA-256 of the filter's
// NBytes serialization.
func (f *Filter) Hash() (wire.Hash, error) {
	filterData, err := f.NBytes()
	if err != nil {
		return wire.Hash{}, err
	}
	return wire.DoubleHashH(filterData), nil
}

// Header returns the BIP0157 filter header for the filter, committing to
// both the filter hash and the previous block's filter header.
func (f *Filter) Header(prevHeader *wire.Hash) (wire.Hash, error) {
	filterHash, err := f.Hash()
	if err != nil {
		return wire.Hash{}, err
	}

	filterTip := make([]byte, 0, 2*wire.HashSize)
	filterTip = append(filterTip, filterHash[:]...)
	filterTip = append(filterTip, prevHeader[:]...)

	return wire.DoubleHashH(filterTip), nil
}

// Match checks whether a []byte value is likely (within collision
// probability) to be a member of the set represented by the filter.
func (f *Filter) Match(key [KeySize]byte, data []byte) (bool, error) {
	// An empty filter has no members to match.
	if f.n == 0 {
		return false, nil
	}

	// Create a filter bitstream.
	b := bstream.NewBStreamReader(f.filterData)

	// Hash our search term with the same parameters as the filter.
	term := siphash.Sum64(data, &key)
	term = fastReduction(term, f.modulusNP)

	// Go through the search filter and look for the desired value.
	var lastValue uint64
	for lastValue < term {
		// Read the difference between previous and new value from
		// bitstream.
		value, err := f.readFullUint64(b)
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}

		// Add the previous value to it.
		value += lastValue
		if value == term {
			return true, nil
		}

		lastValue = value
	}

	return false, nil
}

// MatchAny returns checks whether any []byte value is likely (within
// collision probability) to be a member of the set represented by the
// filter faster than calling Match() for each value individually.
func (f *Filter) MatchAny(key [KeySize]byte, data [][]byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}

	// An empty filter has no members to match.
	if f.n == 0 {
		return false, nil
	}

	// Create a filter bitstream.
	b := bstream.NewBStreamReader(f.filterData)

	// Create an uncompressed filter of the search values.
	values := make([]uint64, 0, len(data))
	for _, d := range data {
		v := siphash.Sum64(d, &key)
		v = fastReduction(v, f.modulusNP)
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	// Zip down the filters, comparing values until we either run out of
	// values to compare in one of the filters or we reach a matching
	// value.
	var lastValue1, lastValue2 uint64
	lastValue2 = values[0]
	i := 1
	for lastValue1 != lastValue2 {
		// Check which filter to advance to make sure we're comparing
		// the right values.
		switch {
		case lastValue1 > lastValue2:
			// Advance filter created from search terms or return
			// false if we're at the end because nothing matched.
			if i < len(values) {
				lastValue2 = values[i]
				i++
			} else {
				return false, nil
			}
		case lastValue2 > lastValue1:
			// Advance filter we're searching or return false if
			// we're at the end because nothing matched.
			value, err := f.readFullUint64(b)
			if err != nil {
				if err == io.EOF {
					return false, nil
				}
				return false, err
			}
			lastValue1 += value
		}
	}

	// If we've made it this far, an element matched between filters so we
	// return true.
	return true, nil
}

// readFullUint64 reads a value represented by the sum of a unary multiple of
// the filter's P modulus (`2**P`) and a big-endian P-bit remainder.
func (f *Filter) readFullUint64(b *bstream.BStream) (uint64, error) {
	var quotient uint64

	// Count the 1s until we reach a 0.
	c, err := b.ReadBit()
	if err != nil {
		return 0, err
	}
	for c {
		quotient++
		c, err = b.ReadBit()
		if err != nil {
			return 0, err
		}
	}

	// Read P bits.
	remainder, err := b.ReadBits(int(f.p))
	if err != nil {
		return 0, err
	}

	// Add the multiple and the remainder.
	return (quotient << f.p) + remainder, nil
}

// KeyFromHash derives the SipHash key for a block's filter from the block
// hash, per BIP0158: the key is the first 16 bytes of the hash.
func KeyFromHash(blockHash *wire.Hash) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], blockHash[:KeySize])
	return key
}

// fastReduction calculates a mapping that's more ranged than a modulo
// operation, but faster: it distributes a 64-bit hash uniformly over the
// range [0, N) using only a multiply and a shift, implemented with a full
// 128-bit product.
func fastReduction(v, N uint64) uint64 {
	hi, _ := bits.Mul64(v, N)
	return hi
}
