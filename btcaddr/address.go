// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcaddr provides bitcoin address encoding, decoding, and the
// standard payment script templates the wallet watches and spends.
package btcaddr

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ripemd160"

	"github.com/btcsuite/spvwallet/chaincfg"
)

var (
	// ErrUnknownAddressType describes an error where an address can not
	// be decoded as a specific address type due to the string encoding
	// beginning with an identifier byte unknown to any standard or
	// registered (via chaincfg) network.
	ErrUnknownAddressType = errors.New("unknown address type")

	// ErrAddressWrongNetwork describes an error where an address decodes
	// cleanly but belongs to a different network than requested.
	ErrAddressWrongNetwork = errors.New("address is not for the requested network")
)

// Hash160 calculates the hash ripemd160(sha256(b)).
func Hash160(buf []byte) []byte {
	sum := sha256.Sum256(buf)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}

// Address is an interface type for any type of destination a transaction
// output may spend to.  Addresses are human-readable encodings of a hash or
// witness program together with a network identifier.
type Address interface {
	// String returns the string encoding of the address.
	String() string

	// EncodeAddress returns the string encoding of the payment address
	// associated with the Address value.
	EncodeAddress() string

	// ScriptAddress returns the raw bytes of the address to be used when
	// inserting the address into a payment script.
	ScriptAddress() []byte

	// IsForNet returns whether or not the address is associated with the
	// passed bitcoin network.
	IsForNet(*chaincfg.Params) bool
}

// PubKeyHash is an address for a pay-to-pubkey-hash (P2PKH) transaction.
type PubKeyHash struct {
	hash  [ripemd160.Size]byte
	netID byte
}

// NewPubKeyHash returns a new PubKeyHash address.  pkHash must be 20 bytes.
func NewPubKeyHash(pkHash []byte, net *chaincfg.Params) (*PubKeyHash, error) {
	if len(pkHash) != ripemd160.Size {
		return nil, errors.New("pkHash must be 20 bytes")
	}
	addr := &PubKeyHash{netID: net.PubKeyHashAddrID}
	copy(addr.hash[:], pkHash)
	return addr, nil
}

// EncodeAddress returns the string encoding of a pay-to-pubkey-hash address.
func (a *PubKeyHash) EncodeAddress() string {
	return CheckEncode(a.hash[:], a.netID)
}

// ScriptAddress returns the bytes to be included in a txout script to pay to
// a pubkey hash.
func (a *PubKeyHash) ScriptAddress() []byte {
	return a.hash[:]
}

// IsForNet returns whether or not the pay-to-pubkey-hash address is
// associated with the passed bitcoin network.
func (a *PubKeyHash) IsForNet(net *chaincfg.Params) bool {
	return a.netID == net.PubKeyHashAddrID
}

// String returns a human-readable string for the pay-to-pubkey-hash address.
func (a *PubKeyHash) String() string {
	return a.EncodeAddress()
}

// Hash160 returns the underlying array of the pubkey hash.
func (a *PubKeyHash) Hash160() *[ripemd160.Size]byte {
	return &a.hash
}

// ScriptHash is an address for a pay-to-script-hash (P2SH) transaction.
type ScriptHash struct {
	hash  [ripemd160.Size]byte
	netID byte
}

// NewScriptHash returns a new ScriptHash address for the given redeem script.
func NewScriptHash(serializedScript []byte, net *chaincfg.Params) (*ScriptHash, error) {
	return NewScriptHashFromHash(Hash160(serializedScript), net)
}

// NewScriptHashFromHash returns a new ScriptHash address.  scriptHash must be
// 20 bytes.
func NewScriptHashFromHash(scriptHash []byte, net *chaincfg.Params) (*ScriptHash, error) {
	if len(scriptHash) != ripemd160.Size {
		return nil, errors.New("scriptHash must be 20 bytes")
	}
	addr := &ScriptHash{netID: net.ScriptHashAddrID}
	copy(addr.hash[:], scriptHash)
	return addr, nil
}

// EncodeAddress returns the string encoding of a pay-to-script-hash address.
func (a *ScriptHash) EncodeAddress() string {
	return CheckEncode(a.hash[:], a.netID)
}

// ScriptAddress returns the bytes to be included in a txout script to pay to
// a script hash.
func (a *ScriptHash) ScriptAddress() []byte {
	return a.hash[:]
}

// IsForNet returns whether or not the pay-to-script-hash address is
// associated with the passed bitcoin network.
func (a *ScriptHash) IsForNet(net *chaincfg.Params) bool {
	return a.netID == net.ScriptHashAddrID
}

// String returns a human-readable string for the pay-to-script-hash address.
func (a *ScriptHash) String() string {
	return a.EncodeAddress()
}

// WitnessPubKeyHash is an address for a pay-to-witness-pubkey-hash (P2WPKH)
// output, encoded per BIP 173 with witness version 0.
type WitnessPubKeyHash struct {
	hrp            string
	witnessVersion byte
	witnessProgram [20]byte
}

// NewWitnessPubKeyHash returns a new WitnessPubKeyHash address.  witnessProg
// must be 20 bytes.
func NewWitnessPubKeyHash(witnessProg []byte, net *chaincfg.Params) (*WitnessPubKeyHash, error) {
	if len(witnessProg) != 20 {
		return nil, errors.New("witness program must be 20 bytes for p2wpkh")
	}
	addr := &WitnessPubKeyHash{
		hrp:            net.Bech32HRPSegwit,
		witnessVersion: 0,
	}
	copy(addr.witnessProgram[:], witnessProg)
	return addr, nil
}

// EncodeAddress returns the bech32 string encoding of a
// pay-to-witness-pubkey-hash address.
func (a *WitnessPubKeyHash) EncodeAddress() string {
	str, err := encodeSegWitAddress(a.hrp, a.witnessVersion, a.witnessProgram[:])
	if err != nil {
		return ""
	}
	return str
}

// ScriptAddress returns the witness program bytes.
func (a *WitnessPubKeyHash) ScriptAddress() []byte {
	return a.witnessProgram[:]
}

// IsForNet returns whether or not the pay-to-witness-pubkey-hash address is
// associated with the passed bitcoin network.
func (a *WitnessPubKeyHash) IsForNet(net *chaincfg.Params) bool {
	return a.hrp == net.Bech32HRPSegwit
}

// String returns a human-readable string for the
// pay-to-witness-pubkey-hash address.
func (a *WitnessPubKeyHash) String() string {
	return a.EncodeAddress()
}

// Hash160 returns the underlying array of the witness program.
func (a *WitnessPubKeyHash) Hash160() *[20]byte {
	return &a.witnessProgram
}

// DecodeAddress decodes the string encoding of an address and returns the
// Address if it is a valid encoding for a known address type and is for the
// provided network.
func DecodeAddress(addr string, defaultNet *chaincfg.Params) (Address, error) {
	// Bech32 encoded segwit addresses start with a human-readable part
	// followed by '1'.
	oneIndex := strings.LastIndexByte(addr, '1')
	if oneIndex > 1 {
		prefix := strings.ToLower(addr[:oneIndex])
		if prefix == defaultNet.Bech32HRPSegwit {
			witnessVer, witnessProg, err := decodeSegWitAddress(addr)
			if err != nil {
				return nil, err
			}

			if witnessVer != 0 {
				return nil, fmt.Errorf("unsupported witness version: %#x", witnessVer)
			}

			switch len(witnessProg) {
			case 20:
				return NewWitnessPubKeyHash(witnessProg, defaultNet)
			default:
				return nil, fmt.Errorf("unsupported witness program length: %d",
					len(witnessProg))
			}
		}

		// The prefix decodes as bech32 but for a different network.
		for _, hrp := range []string{"bc", "tb", "bcrt"} {
			if prefix == hrp {
				return nil, ErrAddressWrongNetwork
			}
		}
	}

	// Serialized public keys are either 65 bytes (130 hex chars) if
	// uncompressed/hybrid or 33 bytes (66 hex chars) if compressed; both
	// are longer than any base58 check encoded hash, so what remains is
	// base58.
	decoded, netID, err := CheckDecode(addr)
	if err != nil {
		if err == ErrChecksum {
			return nil, ErrChecksum
		}
		return nil, ErrUnknownAddressType
	}

	if len(decoded) != ripemd160.Size {
		return nil, errors.New("decoded address is of unknown size")
	}

	switch netID {
	case defaultNet.PubKeyHashAddrID:
		return NewPubKeyHash(decoded, defaultNet)
	case defaultNet.ScriptHashAddrID:
		return NewScriptHashFromHash(decoded, defaultNet)
	}

	// A known version byte for some other network decodes cleanly but is
	// unusable here.
	for _, params := range []*chaincfg.Params{
		&chaincfg.MainNetParams, &chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
	} {
		if netID == params.PubKeyHashAddrID || netID == params.ScriptHashAddrID {
			return nil, ErrAddressWrongNetwork
		}
	}
	return nil, ErrUnknownAddressType
}

// Equal reports whether two addresses pay to the same destination on the
// same network.
func Equal(a, b Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String() && bytes.Equal(a.ScriptAddress(), b.ScriptAddress())
}
