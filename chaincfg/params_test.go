// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestGenesisHashes verifies the hard-coded genesis headers hash to the
// expected genesis block hashes for every supported network.
func TestGenesisHashes(t *testing.T) {
	tests := []struct {
		name   string
		params *Params
	}{
		{"mainnet", &MainNetParams},
		{"testnet3", &TestNet3Params},
		{"regtest", &RegressionNetParams},
	}

	for _, test := range tests {
		hash := test.params.GenesisBlock.BlockHash()
		require.True(t, test.params.GenesisHash.IsEqual(&hash),
			"%s genesis hash mismatch: got %v, want %v",
			test.name, hash, test.params.GenesisHash)
	}
}

// TestIsValidCheckpoint ensures checkpointed heights only accept the exact
// configured hash while uncheckpointed heights accept anything.
func TestIsValidCheckpoint(t *testing.T) {
	params := &MainNetParams

	good := newHashFromStr("0000000069e244f73d78e8fd29ba2fd2ed618bd6fa2ee92559f542fdb26e7c1d")
	bad := newHashFromStr("0000000000000000000000000000000000000000000000000000000000000001")

	require.True(t, params.IsValidCheckpoint(11111, good))
	require.False(t, params.IsValidCheckpoint(11111, bad))

	// Heights without a checkpoint accept any hash.
	require.True(t, params.IsValidCheckpoint(11112, bad))
	require.True(t, params.IsValidCheckpoint(1, bad))

	// A network with no checkpoints accepts everything.
	require.True(t, RegressionNetParams.IsValidCheckpoint(11111, bad))
}

// TestClosestCheckpointBelow exercises lookup of the checkpoint at or below a
// given height.
func TestClosestCheckpointBelow(t *testing.T) {
	params := &MainNetParams

	// Below the first checkpoint there is nothing to return.
	require.Nil(t, params.ClosestCheckpointBelow(11110))

	cp := params.ClosestCheckpointBelow(11111)
	require.NotNil(t, cp)
	require.Equal(t, int32(11111), cp.Height)

	cp = params.ClosestCheckpointBelow(33332)
	require.NotNil(t, cp)
	require.Equal(t, int32(11111), cp.Height)

	cp = params.ClosestCheckpointBelow(1000000)
	require.NotNil(t, cp)
	require.Equal(t, int32(279000), cp.Height)
	require.Equal(t, params.LatestCheckpoint(), cp)

	require.Nil(t, RegressionNetParams.ClosestCheckpointBelow(1000000))
	require.Nil(t, RegressionNetParams.LatestCheckpoint())
}

// TestRetargetInterval verifies the derived retarget interval matches the
// well known 2016 block period.
func TestRetargetInterval(t *testing.T) {
	require.Equal(t, int32(2016), MainNetParams.RetargetInterval())
	require.Equal(t, int32(2016), TestNet3Params.RetargetInterval())
}

// TestCompactRoundTrip tests compact difficulty bits conversion against the
// genesis difficulty and assorted values.
func TestCompactRoundTrip(t *testing.T) {
	tests := []uint32{
		0x1d00ffff, // genesis difficulty
		0x1b0404cb, // a historic mainnet difficulty
		0x207fffff, // regtest limit
		0x1c05a3f4,
	}
	for _, bits := range tests {
		require.Equal(t, bits, BigToCompact(CompactToBig(bits)))
	}

	// The mainnet proof of work limit in compact form.
	require.Equal(t, MainNetParams.PowLimitBits,
		BigToCompact(MainNetParams.PowLimit))
}

// TestNextDifficultyTarget tests the retarget calculation including the
// clamp on the adjustment factor and the proof of work limit cap.
func TestNextDifficultyTarget(t *testing.T) {
	params := &MainNetParams
	oldBits := uint32(0x1b0404cb)

	// Blocks arrived exactly on schedule, difficulty is unchanged.
	got := params.NextDifficultyTarget(oldBits, params.TargetTimespan)
	require.Equal(t, oldBits, got)

	// Blocks arrived twice as fast, so the new target must be half the
	// old one (higher difficulty).
	got = params.NextDifficultyTarget(oldBits, params.TargetTimespan/2)
	halved := CompactToBig(oldBits)
	halved.Div(halved, big.NewInt(2))
	require.Equal(t, BigToCompact(halved), got)

	// An absurdly short timespan clamps at a quarter of the old target.
	gotFast := params.NextDifficultyTarget(oldBits, time.Second)
	quartered := CompactToBig(oldBits)
	quartered.Div(quartered, big.NewInt(4))
	require.Equal(t, BigToCompact(quartered), gotFast)

	// An absurdly long timespan clamps at four times the old target.
	gotSlow := params.NextDifficultyTarget(oldBits, params.TargetTimespan*100)
	quadrupled := CompactToBig(oldBits)
	quadrupled.Mul(quadrupled, big.NewInt(4))
	require.Equal(t, BigToCompact(quadrupled), gotSlow)

	// Starting from the minimum difficulty, even a slow period cannot
	// exceed the proof of work limit.
	got = params.NextDifficultyTarget(params.PowLimitBits, params.TargetTimespan*100)
	require.Equal(t, params.PowLimitBits, got)
}

// TestCheckProofOfWork verifies each network's genesis block satisfies its
// own proof of work.
func TestCheckProofOfWork(t *testing.T) {
	require.True(t, MainNetParams.CheckProofOfWork(MainNetParams.GenesisBlock))
	require.True(t, TestNet3Params.CheckProofOfWork(TestNet3Params.GenesisBlock))
	require.True(t, RegressionNetParams.CheckProofOfWork(
		RegressionNetParams.GenesisBlock))

	// Tampering with the nonce invalidates the mainnet genesis work.
	bad := *MainNetParams.GenesisBlock
	bad.Nonce++
	require.False(t, MainNetParams.CheckProofOfWork(&bad))

	// A claimed target above the proof of work limit is rejected even
	// when the hash satisfies it.
	easy := *RegressionNetParams.GenesisBlock
	easy.Bits = 0x21008000
	require.False(t, RegressionNetParams.CheckProofOfWork(&easy))
}
