// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// firstTxHex is the raw serialization of the first ever bitcoin transaction
// between two parties, mined in block 170.
const firstTxHex = "0100000001c997a5e56e104102fa209c6a852dd90660a20b2d9c35" +
	"2423edce25857fcd3704000000004847304402204e45e16932b8af514961a1d3a1a2" +
	"5fdf3f4f7732e9d624c6c61548ab5fb8cd410220181522ec8eca07de4860a4acdd12" +
	"909d831cc56cbbac4622082221a8768d1d0901ffffffff0200ca9a3b000000004341" +
	"04ae1a62fe09c5f51b13905f07f06b99a2f7159b2225f374cd378d71302fa28414e7" +
	"aab37397f554a7df5f142c21c1b7303b8a0626f1baded5c72a704f7e6cd84cac0028" +
	"6bee0000000043410411db93e1dcdb8a016b49840f8c53bc1eb68a382e97b1482eca" +
	"d7b148a6909a5cb2e0eaddfb84ccf9744464f82e160bfa9b8b64f9d4c03f999b8643" +
	"f656b412a3ac00000000"

// TestTxHashVector deserializes a known mainnet transaction and verifies the
// computed transaction id against the historical value.
func TestTxHashVector(t *testing.T) {
	rawTx, err := hex.DecodeString(firstTxHex)
	require.NoError(t, err)

	var tx MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(rawTx)))

	require.Equal(t, int32(1), tx.Version)
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, int64(10*SatoshiPerBitcoin), tx.TxOut[0].Value)
	require.Equal(t, int64(40*SatoshiPerBitcoin), tx.TxOut[1].Value)

	wantHash := "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16"
	require.Equal(t, wantHash, tx.TxHash().String())

	// The transaction must reserialize to the identical bytes.
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	require.Equal(t, rawTx, buf.Bytes())

	require.Equal(t, len(rawTx), tx.SerializeSize())
}

// TestWitnessTxRoundTrip exercises the BIP0144 marker/flag serialization for
// a transaction with witness data.
func TestWitnessTxRoundTrip(t *testing.T) {
	prevHash, _ := NewHashFromStr("f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16")

	tx := NewMsgTx(TxVersion)
	tx.AddTxIn(NewTxIn(NewOutPoint(prevHash, 0), nil, TxWitness{
		bytes.Repeat([]byte{0x01}, 72),
		bytes.Repeat([]byte{0x02}, 33),
	}))
	tx.AddTxOut(NewTxOut(100000, bytes.Repeat([]byte{0x03}, 22)))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	// Marker and flag bytes follow the version.
	raw := buf.Bytes()
	require.Equal(t, byte(TxFlagMarker), raw[4])
	require.Equal(t, byte(WitnessFlag), raw[5])

	var decoded MsgTx
	require.NoError(t, decoded.Deserialize(bytes.NewReader(raw)))
	require.True(t, decoded.HasWitness())
	require.Len(t, decoded.TxIn[0].Witness, 2)
	require.Equal(t, tx.TxHash(), decoded.TxHash())
	require.Equal(t, tx.WitnessHash(), decoded.WitnessHash())
	require.NotEqual(t, decoded.TxHash(), decoded.WitnessHash())

	// The witness stripped serialization must not contain the witness.
	var stripped bytes.Buffer
	require.NoError(t, decoded.SerializeNoWitness(&stripped))
	require.Equal(t, decoded.SerializeSizeStripped(), stripped.Len())
	require.Less(t, stripped.Len(), decoded.SerializeSize())
}
