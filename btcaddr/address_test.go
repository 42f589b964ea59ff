// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcaddr

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/chaincfg"
)

func hexToBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// TestBase58 tests modified base58 encoding against known vectors.
func TestBase58(t *testing.T) {
	tests := []struct {
		decoded string
		encoded string
	}{
		{"", ""},
		{"hello world", "StV1DL6CwTryKyV"},
		{"\x00\x00hello world", "11StV1DL6CwTryKyV"},
	}
	for _, test := range tests {
		require.Equal(t, test.encoded, Base58Encode([]byte(test.decoded)))
		require.Equal(t, []byte(test.decoded), Base58Decode(test.encoded))
	}

	// Invalid characters decode to an empty slice.
	require.Empty(t, Base58Decode("0OIl"))
}

// TestCheckEncodeDecode tests the version byte and checksum handling.
func TestCheckDecodeErrors(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	encoded := CheckEncode(payload, 0x6f)

	decoded, version, err := CheckDecode(encoded)
	require.NoError(t, err)
	require.Equal(t, byte(0x6f), version)
	require.Equal(t, payload, decoded)

	// Tampering with the string must trip the checksum.
	tampered := []byte(encoded)
	if tampered[0] == '1' {
		tampered[0] = '2'
	} else {
		tampered[0] = '1'
	}
	_, _, err = CheckDecode(string(tampered))
	require.ErrorIs(t, err, ErrChecksum)

	_, _, err = CheckDecode("1")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

// TestPubKeyHashAddress round trips the genesis coinbase address.
func TestPubKeyHashAddress(t *testing.T) {
	pkHash := hexToBytes(t, "62e907b15cbf27d5425399ebf6f0fb50ebb88f18")

	addr, err := NewPubKeyHash(pkHash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", addr.EncodeAddress())
	require.Equal(t, pkHash, addr.ScriptAddress())
	require.True(t, addr.IsForNet(&chaincfg.MainNetParams))
	require.False(t, addr.IsForNet(&chaincfg.TestNet3Params))

	decoded, err := DecodeAddress(addr.String(), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.IsType(t, &PubKeyHash{}, decoded)
	require.True(t, Equal(addr, decoded))

	// The same address is invalid on testnet.
	_, err = DecodeAddress(addr.String(), &chaincfg.TestNet3Params)
	require.ErrorIs(t, err, ErrAddressWrongNetwork)

	_, err = NewPubKeyHash(pkHash[:19], &chaincfg.MainNetParams)
	require.Error(t, err)
}

// TestScriptHashAddress round trips a known mainnet P2SH address.
func TestScriptHashAddress(t *testing.T) {
	scriptHash := hexToBytes(t, "e8c300c87986efa84c37c0519929019ef86eb5b4")

	addr, err := NewScriptHashFromHash(scriptHash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, "3NukJ6fYZJ5Kk8bPjycAnruZkE5Q7UW7i8", addr.EncodeAddress())

	decoded, err := DecodeAddress(addr.String(), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.IsType(t, &ScriptHash{}, decoded)
	require.Equal(t, scriptHash, decoded.ScriptAddress())
}

// TestWitnessPubKeyHashAddress tests BIP 173 segwit v0 address encoding
// against the reference vectors.
func TestWitnessPubKeyHashAddress(t *testing.T) {
	program := hexToBytes(t, "751e76e8199196d454941c45d1b3a323f1433bd6")

	addr, err := NewWitnessPubKeyHash(program, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		addr.EncodeAddress())

	tnAddr, err := NewWitnessPubKeyHash(program, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.Equal(t, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		tnAddr.EncodeAddress())

	decoded, err := DecodeAddress(addr.String(), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.IsType(t, &WitnessPubKeyHash{}, decoded)
	require.Equal(t, program, decoded.ScriptAddress())

	// Uppercase form is valid bech32 and decodes to the same program.
	decoded, err = DecodeAddress("BC1QW508D6QEJXTDG4Y5R3ZARVARY0C5XW7KV8F3T4",
		&chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, program, decoded.ScriptAddress())

	// Mixed case must be rejected.
	_, err = DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kV8f3t4",
		&chaincfg.MainNetParams)
	require.Error(t, err)

	// A testnet segwit address is rejected on mainnet.
	_, err = DecodeAddress(tnAddr.String(), &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrAddressWrongNetwork)
}

// TestPayToAddrScript tests generation of the standard payment scripts for
// each supported address type.
func TestPayToAddrScript(t *testing.T) {
	pkHash := hexToBytes(t, "62e907b15cbf27d5425399ebf6f0fb50ebb88f18")

	p2pkh, err := NewPubKeyHash(pkHash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := PayToAddrScript(p2pkh)
	require.NoError(t, err)
	require.Equal(t, hexToBytes(t,
		"76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac"), script)
	require.True(t, IsPayToPubKeyHash(script))
	require.Equal(t, PubKeyHashTy, GetScriptClass(script))

	p2sh, err := NewScriptHashFromHash(pkHash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err = PayToAddrScript(p2sh)
	require.NoError(t, err)
	require.Equal(t, hexToBytes(t,
		"a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1887"), script)
	require.True(t, IsPayToScriptHash(script))

	p2wpkh, err := NewWitnessPubKeyHash(pkHash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err = PayToAddrScript(p2wpkh)
	require.NoError(t, err)
	require.Equal(t, hexToBytes(t,
		"001462e907b15cbf27d5425399ebf6f0fb50ebb88f18"), script)
	require.True(t, IsPayToWitnessPubKeyHash(script))
	require.Equal(t, WitnessV0PubKeyHashTy, GetScriptClass(script))
}

// TestExtractPkScriptAddr tests recovering addresses from output scripts.
func TestExtractPkScriptAddr(t *testing.T) {
	pkHash := hexToBytes(t, "62e907b15cbf27d5425399ebf6f0fb50ebb88f18")

	script := hexToBytes(t, "76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	class, addr, err := ExtractPkScriptAddr(script, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, PubKeyHashTy, class)
	require.Equal(t, pkHash, addr.ScriptAddress())

	script = hexToBytes(t, "001462e907b15cbf27d5425399ebf6f0fb50ebb88f18")
	class, addr, err = ExtractPkScriptAddr(script, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, WitnessV0PubKeyHashTy, class)
	require.Equal(t, pkHash, addr.ScriptAddress())

	// OP_RETURN and other non-standard scripts yield no address.
	class, addr, err = ExtractPkScriptAddr([]byte{0x6a, 0x04, 0xde, 0xad,
		0xbe, 0xef}, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, NonStandardTy, class)
	require.Nil(t, addr)
}

// TestHash160 checks the hash160 of the well known generator point pubkey.
func TestHash160(t *testing.T) {
	pubKey := hexToBytes(t, "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.Equal(t, hexToBytes(t, "751e76e8199196d454941c45d1b3a323f1433bd6"),
		Hash160(pubKey))
}
