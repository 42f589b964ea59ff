// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/wire"
)

func p2pkhOut(value int64) *wire.TxOut {
	return wire.NewTxOut(value, make([]byte, 25))
}

// TestDustThreshold verifies the well-known 546 satoshi floor for P2PKH
// outputs at the default relay fee.
func TestDustThreshold(t *testing.T) {
	require.Equal(t, DustThreshold,
		GetDustThreshold(25, DefaultRelayFeePerKb))

	require.True(t, IsDustOutput(p2pkhOut(545), DefaultRelayFeePerKb))
	require.True(t, IsDustOutput(p2pkhOut(0), DefaultRelayFeePerKb))
	require.False(t, IsDustOutput(p2pkhOut(546), DefaultRelayFeePerKb))
	require.False(t, IsDustOutput(p2pkhOut(1e8), DefaultRelayFeePerKb))

	// Doubling the relay fee doubles the threshold.
	require.True(t, IsDustOutput(p2pkhOut(1091), 2*DefaultRelayFeePerKb))
	require.False(t, IsDustOutput(p2pkhOut(1092), 2*DefaultRelayFeePerKb))
}

// TestCheckOutput exercises the output policy checks.
func TestCheckOutput(t *testing.T) {
	require.NoError(t, CheckOutput(p2pkhOut(546), DefaultRelayFeePerKb))

	require.ErrorIs(t, CheckOutput(p2pkhOut(-1), DefaultRelayFeePerKb),
		ErrAmountNegative)
	require.ErrorIs(t, CheckOutput(p2pkhOut(wire.MaxSatoshi+1),
		DefaultRelayFeePerKb), ErrAmountExceedsMax)
	require.ErrorIs(t, CheckOutput(p2pkhOut(100), DefaultRelayFeePerKb),
		ErrOutputIsDust)
}

// TestFeeForSerializeSize tests the fee computation including the minimum
// relay fee floor.
func TestFeeForSerializeSize(t *testing.T) {
	require.Equal(t, int64(250), FeeForSerializeSize(1000, 250))
	require.Equal(t, int64(2500), FeeForSerializeSize(10000, 250))

	// A fee that rounds to zero is bumped to the relay fee.
	require.Equal(t, int64(1000), FeeForSerializeSize(1000, 0))

	// Zero relay fee charges nothing.
	require.Equal(t, int64(0), FeeForSerializeSize(0, 250))
}
