// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsizes

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/wire"
)

func makeOuts(scriptSizes ...int) []*wire.TxOut {
	outs := make([]*wire.TxOut, 0, len(scriptSizes))
	for _, size := range scriptSizes {
		outs = append(outs, wire.NewTxOut(0, make([]byte, size)))
	}
	return outs
}

// TestEstimateSerializeSize checks the legacy-only estimate against hand
// computed sizes.
func TestEstimateSerializeSize(t *testing.T) {
	tests := []struct {
		InputCount           int
		OutputScriptLengths  []int
		AddChangeOutput      bool
		ExpectedSizeEstimate int
	}{
		{1, []int{}, false, 8 + 1 + 1 + 149},
		{1, []int{25}, false, 8 + 1 + 1 + 149 + 34},
		{1, []int{}, true, 8 + 1 + 1 + 149 + 34},
		{1, []int{25}, true, 8 + 1 + 1 + 149 + 34 + 34},
		{2, []int{25, 25}, true, 8 + 1 + 1 + 298 + 34 + 34 + 34},
	}

	for i, test := range tests {
		outputs := makeOuts(test.OutputScriptLengths...)
		actual := EstimateSerializeSize(test.InputCount, outputs,
			test.AddChangeOutput)
		require.Equal(t, test.ExpectedSizeEstimate, actual, "test %d", i)
	}
}

// TestEstimateVirtualSize checks the segwit-aware estimate, including the
// witness discount.
func TestEstimateVirtualSize(t *testing.T) {
	// One P2PKH input, one 25 byte output, no change: identical to the
	// legacy estimate.
	require.Equal(t, 8+1+1+149+34,
		EstimateVirtualSize(1, 0, makeOuts(25), 0))

	// A P2WPKH input base size is 41 bytes; the witness adds
	// (2 + 1 + 109 + 3) / 4 = 28 vbytes.
	withWitness := EstimateVirtualSize(0, 1, makeOuts(25), 0)
	require.Equal(t, 8+1+1+41+34+28, withWitness)

	// The witness input must estimate smaller than the legacy input.
	withoutWitness := EstimateVirtualSize(1, 0, makeOuts(25), 0)
	require.Less(t, withWitness, withoutWitness)

	// Change accounting adds the full serialized output.
	withChange := EstimateVirtualSize(1, 0, makeOuts(25), 25)
	require.Equal(t, withoutWitness+34, withChange)
}

// TestGetMinInputVirtualSize checks per-script-type input estimates.
func TestGetMinInputVirtualSize(t *testing.T) {
	p2wpkh := make([]byte, 22)
	p2wpkh[0] = 0x00
	p2wpkh[1] = 0x14
	require.Equal(t, 41+28, GetMinInputVirtualSize(p2wpkh))

	p2pkh := make([]byte, 25)
	p2pkh[0] = 0x76
	require.Equal(t, RedeemP2PKHInputSize, GetMinInputVirtualSize(p2pkh))
}
