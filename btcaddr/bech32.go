// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcaddr

import (
	"fmt"
	"strings"
)

// bech32Charset is the set of characters used in the data section of bech32
// strings as defined in BIP 173.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// bech32Gen are the generator polynomial coefficients used by the bech32
// checksum.
var bech32Gen = []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

// bech32Polymod calculates the BCH checksum over the given values.
func bech32Polymod(values []byte) int {
	chk := 1
	for _, v := range values {
		b := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ int(v)
		for i := 0; i < 5; i++ {
			if (b>>uint(i))&1 == 1 {
				chk ^= bech32Gen[i]
			}
		}
	}
	return chk
}

// bech32HrpExpand expands the human-readable part into the values used by the
// checksum computation.
func bech32HrpExpand(hrp string) []byte {
	v := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		v = append(v, hrp[i]>>5)
	}
	v = append(v, 0)
	for i := 0; i < len(hrp); i++ {
		v = append(v, hrp[i]&31)
	}
	return v
}

func bech32VerifyChecksum(hrp string, data []byte) bool {
	concat := append(bech32HrpExpand(hrp), data...)
	return bech32Polymod(concat) == 1
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := append(bech32HrpExpand(hrp), data...)
	values = append(values, []byte{0, 0, 0, 0, 0, 0}...)
	polymod := bech32Polymod(values) ^ 1
	res := make([]byte, 6)
	for i := 0; i < 6; i++ {
		res[i] = byte((polymod >> uint(5*(5-i))) & 31)
	}
	return res
}

// Bech32Encode encodes the human-readable part and 5-bit data into a bech32
// string.
func Bech32Encode(hrp string, data []byte) (string, error) {
	for _, v := range data {
		if v > 31 {
			return "", fmt.Errorf("invalid data byte: %v", v)
		}
	}
	checksum := bech32CreateChecksum(hrp, data)
	combined := append(data, checksum...)

	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteString("1")
	for _, c := range combined {
		sb.WriteByte(bech32Charset[c])
	}
	return sb.String(), nil
}

// Bech32Decode decodes a bech32 encoded string, returning the human-readable
// part and the 5-bit data excluding the checksum.
func Bech32Decode(bech string) (string, []byte, error) {
	if len(bech) > 90 {
		return "", nil, fmt.Errorf("invalid bech32 string length %d", len(bech))
	}
	for i := 0; i < len(bech); i++ {
		if bech[i] < 33 || bech[i] > 126 {
			return "", nil, fmt.Errorf("invalid character in string: '%c'", bech[i])
		}
	}

	// Mixed case is not allowed.
	lower := strings.ToLower(bech)
	upper := strings.ToUpper(bech)
	if bech != lower && bech != upper {
		return "", nil, fmt.Errorf("string not all lowercase or all uppercase")
	}
	bech = lower

	// The string is invalid if the last '1' is non-existent, it is the
	// first character of the string (no human-readable part) or one of the
	// last 6 characters of the string (since the checksum is 6 chars).
	one := strings.LastIndexByte(bech, '1')
	if one < 1 || one+7 > len(bech) {
		return "", nil, fmt.Errorf("invalid index of 1")
	}

	hrp := bech[:one]
	data := bech[one+1:]

	decoded := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		index := strings.IndexByte(bech32Charset, data[i])
		if index < 0 {
			return "", nil, fmt.Errorf("invalid character not part of charset: %v", data[i])
		}
		decoded = append(decoded, byte(index))
	}

	if !bech32VerifyChecksum(hrp, decoded) {
		return "", nil, fmt.Errorf("checksum failed")
	}

	return hrp, decoded[:len(decoded)-6], nil
}

// ConvertBits converts a byte slice where each byte encodes fromBits bits to
// a byte slice where each byte encodes toBits bits.
func ConvertBits(data []byte, fromBits, toBits uint8, pad bool) ([]byte, error) {
	if fromBits < 1 || fromBits > 8 || toBits < 1 || toBits > 8 {
		return nil, fmt.Errorf("only bit groups between 1 and 8 allowed")
	}

	regrouped := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)

	nextByte := byte(0)
	filledBits := uint8(0)

	for _, b := range data {
		// Discard unused bits.
		b <<= 8 - fromBits

		remFromBits := fromBits
		for remFromBits > 0 {
			remToBits := toBits - filledBits

			toExtract := remFromBits
			if remToBits < toExtract {
				toExtract = remToBits
			}

			nextByte = (nextByte << toExtract) | (b >> (8 - toExtract))
			b <<= toExtract
			remFromBits -= toExtract
			filledBits += toExtract

			if filledBits == toBits {
				regrouped = append(regrouped, nextByte)
				filledBits = 0
				nextByte = 0
			}
		}
	}

	// Pad any unfinished group if specified.
	if pad && filledBits > 0 {
		nextByte <<= toBits - filledBits
		regrouped = append(regrouped, nextByte)
		filledBits = 0
		nextByte = 0
	}

	// Any incomplete group must be <= 4 bits, and all zeroes.
	if filledBits > 0 && (filledBits > 4 || nextByte != 0) {
		return nil, fmt.Errorf("invalid incomplete group")
	}

	return regrouped, nil
}

// encodeSegWitAddress creates a bech32 encoded address string representing
// the given witness version and witness program.
func encodeSegWitAddress(hrp string, witnessVersion byte, witnessProgram []byte) (string, error) {
	// Group the address bytes into 5 bit groups.
	converted, err := ConvertBits(witnessProgram, 8, 5, true)
	if err != nil {
		return "", err
	}

	// Concatenate the witness version and program, and encode the result
	// using bech32 encoding.
	combined := make([]byte, len(converted)+1)
	combined[0] = witnessVersion
	copy(combined[1:], converted)
	bech, err := Bech32Encode(hrp, combined)
	if err != nil {
		return "", err
	}

	// Check validity by decoding the created address.
	version, program, err := decodeSegWitAddress(bech)
	if err != nil {
		return "", fmt.Errorf("invalid segwit address: %v", err)
	}

	if version != witnessVersion || !bytesEqual(program, witnessProgram) {
		return "", fmt.Errorf("invalid segwit address")
	}

	return bech, nil
}

// decodeSegWitAddress parses a bech32 encoded segwit address string and
// returns the witness version and witness program byte representation.
func decodeSegWitAddress(address string) (byte, []byte, error) {
	// Decode the bech32 encoded address.
	_, data, err := Bech32Decode(address)
	if err != nil {
		return 0, nil, err
	}

	// The first byte of the decoded address is the witness version, it
	// must exist.
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("no witness version")
	}

	// ...and be <= 16.
	version := data[0]
	if version > 16 {
		return 0, nil, fmt.Errorf("invalid witness version: %v", version)
	}

	// The remaining characters of the address returned are grouped into
	// words of 5 bits. In order to restore the original witness program
	// bytes, we'll need to regroup into 8 bit words.
	regrouped, err := ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return 0, nil, err
	}

	// The regrouped data must be between 2 and 40 bytes.
	if len(regrouped) < 2 || len(regrouped) > 40 {
		return 0, nil, fmt.Errorf("invalid data length")
	}

	// For witness version 0, address must be exactly 20 or 32 bytes.
	if version == 0 && len(regrouped) != 20 && len(regrouped) != 32 {
		return 0, nil, fmt.Errorf("invalid data length for witness version 0: %v",
			len(regrouped))
	}

	return version, regrouped, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
