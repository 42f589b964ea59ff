// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcaddr

import (
	"fmt"

	"github.com/btcsuite/spvwallet/chaincfg"
)

// Script opcodes used by the standard payment templates.
const (
	OpZero        = 0x00 // OP_0
	OpData20      = 0x14 // push 20 bytes
	OpData32      = 0x20 // push 32 bytes
	OpPushData1   = 0x4c // OP_PUSHDATA1
	OpDup         = 0x76 // OP_DUP
	OpEqual       = 0x87 // OP_EQUAL
	OpEqualVerify = 0x88 // OP_EQUALVERIFY
	OpHash160     = 0xa9 // OP_HASH160
	OpCheckSig    = 0xac // OP_CHECKSIG
)

// ScriptClass is an enumeration for the list of standard types of script.
type ScriptClass byte

// Classes of script payment known about in the blockchain.
const (
	NonStandardTy ScriptClass = iota // None of the recognized forms.
	PubKeyHashTy                     // Pay to pubkey hash.
	ScriptHashTy                     // Pay to script hash.
	WitnessV0PubKeyHashTy            // Pay to witness pubkey hash.
)

var scriptClassToName = []string{
	NonStandardTy:         "nonstandard",
	PubKeyHashTy:          "pubkeyhash",
	ScriptHashTy:          "scripthash",
	WitnessV0PubKeyHashTy: "witness_v0_keyhash",
}

// String implements the Stringer interface by returning the name of the
// enum script class.
func (t ScriptClass) String() string {
	if int(t) > len(scriptClassToName) || int(t) < 0 {
		return "Invalid"
	}
	return scriptClassToName[t]
}

// PayToAddrScript creates a new script to pay a transaction output to the
// specified address.
func PayToAddrScript(addr Address) ([]byte, error) {
	switch addr := addr.(type) {
	case *PubKeyHash:
		if addr == nil {
			return nil, fmt.Errorf("unable to generate payment script for nil address")
		}
		return payToPubKeyHashScript(addr.ScriptAddress()), nil

	case *ScriptHash:
		if addr == nil {
			return nil, fmt.Errorf("unable to generate payment script for nil address")
		}
		return payToScriptHashScript(addr.ScriptAddress()), nil

	case *WitnessPubKeyHash:
		if addr == nil {
			return nil, fmt.Errorf("unable to generate payment script for nil address")
		}
		return payToWitnessPubKeyHashScript(addr.ScriptAddress()), nil
	}

	return nil, fmt.Errorf("unable to generate payment script for unsupported "+
		"address type %T", addr)
}

// payToPubKeyHashScript creates a new script to pay a transaction output to
// a 20-byte pubkey hash:
// OP_DUP OP_HASH160 <pubkeyhash> OP_EQUALVERIFY OP_CHECKSIG
func payToPubKeyHashScript(pubKeyHash []byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, OpDup, OpHash160, OpData20)
	script = append(script, pubKeyHash...)
	script = append(script, OpEqualVerify, OpCheckSig)
	return script
}

// payToScriptHashScript creates a new script to pay a transaction output to
// a script hash: OP_HASH160 <scripthash> OP_EQUAL
func payToScriptHashScript(scriptHash []byte) []byte {
	script := make([]byte, 0, 23)
	script = append(script, OpHash160, OpData20)
	script = append(script, scriptHash...)
	script = append(script, OpEqual)
	return script
}

// payToWitnessPubKeyHashScript creates a new script to pay to a version 0
// witness pubkey hash: OP_0 <20-byte-program>
func payToWitnessPubKeyHashScript(witnessProgram []byte) []byte {
	script := make([]byte, 0, 22)
	script = append(script, OpZero, OpData20)
	script = append(script, witnessProgram...)
	return script
}

// IsPayToPubKeyHash returns true if the script is in the standard
// pay-to-pubkey-hash format.
func IsPayToPubKeyHash(script []byte) bool {
	return len(script) == 25 &&
		script[0] == OpDup &&
		script[1] == OpHash160 &&
		script[2] == OpData20 &&
		script[23] == OpEqualVerify &&
		script[24] == OpCheckSig
}

// IsPayToScriptHash returns true if the script is in the standard
// pay-to-script-hash format.
func IsPayToScriptHash(script []byte) bool {
	return len(script) == 23 &&
		script[0] == OpHash160 &&
		script[1] == OpData20 &&
		script[22] == OpEqual
}

// IsPayToWitnessPubKeyHash returns true if the script is in the standard
// version 0 pay-to-witness-pubkey-hash format.
func IsPayToWitnessPubKeyHash(script []byte) bool {
	return len(script) == 22 &&
		script[0] == OpZero &&
		script[1] == OpData20
}

// GetScriptClass returns the class of the script passed.  NonStandardTy will
// be returned when the script does not match any of the standard templates
// the wallet understands.
func GetScriptClass(script []byte) ScriptClass {
	switch {
	case IsPayToPubKeyHash(script):
		return PubKeyHashTy
	case IsPayToScriptHash(script):
		return ScriptHashTy
	case IsPayToWitnessPubKeyHash(script):
		return WitnessV0PubKeyHashTy
	}
	return NonStandardTy
}

// ExtractPkScriptAddr returns the address associated with the passed output
// script along with its class.  A nil address with NonStandardTy is returned
// for scripts that do not pay to a recognized template.
func ExtractPkScriptAddr(pkScript []byte, net *chaincfg.Params) (ScriptClass, Address, error) {
	switch {
	case IsPayToPubKeyHash(pkScript):
		addr, err := NewPubKeyHash(pkScript[3:23], net)
		return PubKeyHashTy, addr, err

	case IsPayToScriptHash(pkScript):
		addr, err := NewScriptHashFromHash(pkScript[2:22], net)
		return ScriptHashTy, addr, err

	case IsPayToWitnessPubKeyHash(pkScript):
		addr, err := NewWitnessPubKeyHash(pkScript[2:22], net)
		return WitnessV0PubKeyHashTy, addr, err
	}

	return NonStandardTy, nil, nil
}
