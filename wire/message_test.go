// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMessageFraming tests that messages survive a write/read cycle through
// the wire framing, including the double SHA-256 checksum.
func TestMessageFraming(t *testing.T) {
	pingMsg := NewMsgPing(0x1234567890abcdef)

	var buf bytes.Buffer
	n, err := WriteMessage(&buf, pingMsg, ProtocolVersion, MainNet)
	require.NoError(t, err)
	require.Equal(t, MessageHeaderSize+8, n)

	// The frame must start with the network magic in little endian.
	frame := buf.Bytes()
	require.Equal(t, []byte{0xf9, 0xbe, 0xb4, 0xd9}, frame[0:4])

	// The command field must be NUL padded to 12 bytes.
	require.Equal(t, []byte("ping\x00\x00\x00\x00\x00\x00\x00\x00"), frame[4:16])

	// The checksum must be the first four bytes of the double SHA-256 of
	// the payload.
	payload := frame[MessageHeaderSize:]
	require.Equal(t, DoubleHashB(payload)[0:4], frame[20:24])

	nr, msg, rawPayload, err := ReadMessage(bytes.NewReader(frame),
		ProtocolVersion, MainNet)
	require.NoError(t, err)
	require.Equal(t, n, nr)
	require.Equal(t, payload, rawPayload)

	pong, ok := msg.(*MsgPing)
	require.True(t, ok)
	require.Equal(t, pingMsg.Nonce, pong.Nonce)
}

// TestMessageFramingErrors tests the framing error paths: wrong network,
// corrupt checksum, and unknown commands all must fail.
func TestMessageFramingErrors(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessage(&buf, NewMsgPing(1), ProtocolVersion, MainNet)
	require.NoError(t, err)
	frame := buf.Bytes()

	// Wrong network magic.
	_, _, _, err = ReadMessage(bytes.NewReader(frame), ProtocolVersion,
		TestNet3)
	require.Error(t, err)

	// Corrupt the checksum.
	badChecksum := make([]byte, len(frame))
	copy(badChecksum, frame)
	badChecksum[20] ^= 0xff
	_, _, _, err = ReadMessage(bytes.NewReader(badChecksum),
		ProtocolVersion, MainNet)
	require.Error(t, err)

	// Corrupt the payload so the checksum no longer matches.
	badPayload := make([]byte, len(frame))
	copy(badPayload, frame)
	badPayload[len(badPayload)-1] ^= 0xff
	_, _, _, err = ReadMessage(bytes.NewReader(badPayload),
		ProtocolVersion, MainNet)
	require.Error(t, err)

	// Unknown command.
	unknownCmd := make([]byte, len(frame))
	copy(unknownCmd, frame)
	copy(unknownCmd[4:16], []byte("bogus\x00\x00\x00\x00\x00\x00\x00"))
	_, _, _, err = ReadMessage(bytes.NewReader(unknownCmd),
		ProtocolVersion, MainNet)
	require.Error(t, err)
}

// TestVarIntWire tests encode and decode of variable length integers against
// the boundary values of each encoding size.
func TestVarIntWire(t *testing.T) {
	tests := []struct {
		in  uint64
		buf []byte
	}{
		{0, []byte{0x00}},
		{0xfc, []byte{0xfc}},
		{0xfd, []byte{0xfd, 0xfd, 0x00}},
		{0xffff, []byte{0xfd, 0xff, 0xff}},
		{0x10000, []byte{0xfe, 0x00, 0x00, 0x01, 0x00}},
		{0xffffffff, []byte{0xfe, 0xff, 0xff, 0xff, 0xff}},
		{0x100000000, []byte{0xff, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		err := WriteVarInt(&buf, test.in)
		require.NoError(t, err)
		require.Equal(t, test.buf, buf.Bytes())
		require.Equal(t, len(test.buf), VarIntSerializeSize(test.in))

		val, err := ReadVarInt(bytes.NewReader(test.buf))
		require.NoError(t, err)
		require.Equal(t, test.in, val)
	}

	// Non-canonical encodings must be rejected.
	nonCanonical := [][]byte{
		{0xfd, 0x01, 0x00},                         // could fit in 1 byte
		{0xfe, 0x01, 0x00, 0x00, 0x00},             // could fit in 3 bytes
		{0xff, 0x01, 0, 0, 0, 0, 0, 0, 0},          // could fit in 5 bytes
	}
	for _, buf := range nonCanonical {
		_, err := ReadVarInt(bytes.NewReader(buf))
		require.Error(t, err)
	}
}

// TestVersionHandshakeRoundTrip exercises encode/decode of the version
// message used during the handshake.
func TestVersionHandshakeRoundTrip(t *testing.T) {
	me := NetAddress{Services: SFNodeNetwork, IP: []byte{127, 0, 0, 1}, Port: 8333}
	you := NetAddress{Services: SFNodeNetwork | SFNodeCF, IP: []byte{10, 0, 0, 1}, Port: 8333}
	msg := NewMsgVersion(&me, &you, 0xdeadbeef, 1000)
	msg.AddService(SFNodeWitness)

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
	require.NoError(t, err)

	_, decoded, _, err := ReadMessage(&buf, ProtocolVersion, MainNet)
	require.NoError(t, err)

	got, ok := decoded.(*MsgVersion)
	require.True(t, ok)
	require.Equal(t, msg.ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, msg.Nonce, got.Nonce)
	require.Equal(t, msg.UserAgent, got.UserAgent)
	require.Equal(t, msg.LastBlock, got.LastBlock)
	require.True(t, got.HasService(SFNodeWitness))
}
