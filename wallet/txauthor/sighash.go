// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/btcsuite/spvwallet/btcaddr"
	"github.com/btcsuite/spvwallet/wire"
)

// SigHashType represents hash type bits at the end of a signature.
type SigHashType uint32

// SigHashAll is the only hash type the wallet produces: the signature commits
// to all inputs and outputs.
const SigHashAll SigHashType = 0x1

// calcSignatureHash computes the legacy (pre-segwit) signature hash for the
// idx'th input of tx, committing to the previous output script being
// redeemed.  Only SigHashAll is supported.
func calcSignatureHash(prevPkScript []byte, hashType SigHashType, tx *wire.MsgTx, idx int) ([]byte, error) {
	if hashType != SigHashAll {
		return nil, fmt.Errorf("unsupported hash type %d", hashType)
	}
	if idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", idx)
	}

	// Make a shallow copy of the transaction, zeroing out the script for
	// all inputs that are not currently being signed.
	txCopy := tx.Copy()
	for i := range txCopy.TxIn {
		if i == idx {
			txCopy.TxIn[i].SignatureScript = prevPkScript
		} else {
			txCopy.TxIn[i].SignatureScript = nil
		}
	}

	// The final hash is the double sha256 of both the serialized modified
	// transaction and the hash type (encoded as a 4-byte little-endian
	// value) appended.
	var buf bytes.Buffer
	buf.Grow(txCopy.SerializeSizeStripped() + 4)
	if err := txCopy.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}
	var ht [4]byte
	binary.LittleEndian.PutUint32(ht[:], uint32(hashType))
	buf.Write(ht[:])

	return wire.DoubleHashB(buf.Bytes()), nil
}

// sigHashes houses the partial set of sighashes introduced within BIP0143
// that are reused across all witness inputs of a transaction.
type sigHashes struct {
	hashPrevOuts wire.Hash
	hashSequence wire.Hash
	hashOutputs  wire.Hash
}

// newSigHashes computes and caches the BIP0143 intermediate sighashes for tx.
func newSigHashes(tx *wire.MsgTx) *sigHashes {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		buf.Write(in.PreviousOutPoint.Hash[:])
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], in.PreviousOutPoint.Index)
		buf.Write(idx[:])
	}
	hashPrevOuts := wire.DoubleHashH(buf.Bytes())

	buf.Reset()
	for _, in := range tx.TxIn {
		var seq [4]byte
		binary.LittleEndian.PutUint32(seq[:], in.Sequence)
		buf.Write(seq[:])
	}
	hashSequence := wire.DoubleHashH(buf.Bytes())

	buf.Reset()
	for _, out := range tx.TxOut {
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], uint64(out.Value))
		buf.Write(v[:])
		_ = wire.WriteVarBytes(&buf, out.PkScript)
	}
	hashOutputs := wire.DoubleHashH(buf.Bytes())

	return &sigHashes{
		hashPrevOuts: hashPrevOuts,
		hashSequence: hashSequence,
		hashOutputs:  hashOutputs,
	}
}

// calcWitnessSignatureHash computes the BIP0143 signature hash for the idx'th
// input of tx, spending a P2WPKH output of the given value.  Only SigHashAll
// is supported.
func calcWitnessSignatureHash(pkHash []byte, hashes *sigHashes,
	hashType SigHashType, tx *wire.MsgTx, idx int, amt int64) ([]byte, error) {

	if hashType != SigHashAll {
		return nil, fmt.Errorf("unsupported hash type %d", hashType)
	}
	if idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", idx)
	}
	txIn := tx.TxIn[idx]

	var buf bytes.Buffer
	var scratch [8]byte

	// Version.
	binary.LittleEndian.PutUint32(scratch[:4], uint32(tx.Version))
	buf.Write(scratch[:4])

	// Cached prevout, sequence, and output hashes (SigHashAll commits to
	// all of them).
	buf.Write(hashes.hashPrevOuts[:])
	buf.Write(hashes.hashSequence[:])

	// The input being signed.
	buf.Write(txIn.PreviousOutPoint.Hash[:])
	binary.LittleEndian.PutUint32(scratch[:4], txIn.PreviousOutPoint.Index)
	buf.Write(scratch[:4])

	// The script code for a P2WPKH spend is the equivalent P2PKH script.
	buf.WriteByte(0x19)
	buf.WriteByte(btcaddr.OpDup)
	buf.WriteByte(btcaddr.OpHash160)
	buf.WriteByte(btcaddr.OpData20)
	buf.Write(pkHash)
	buf.WriteByte(btcaddr.OpEqualVerify)
	buf.WriteByte(btcaddr.OpCheckSig)

	// Value and sequence of the input being signed.
	binary.LittleEndian.PutUint64(scratch[:], uint64(amt))
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], txIn.Sequence)
	buf.Write(scratch[:4])

	buf.Write(hashes.hashOutputs[:])

	// Locktime and hash type.
	binary.LittleEndian.PutUint32(scratch[:4], tx.LockTime)
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(hashType))
	buf.Write(scratch[:4])

	return wire.DoubleHashB(buf.Bytes()), nil
}

// rawTxInSignature returns the DER-encoded deterministic ECDSA signature for
// the given digest with the hash type appended.
func rawSignature(privKey *secp256k1.PrivateKey, digest []byte, hashType SigHashType) []byte {
	sig := ecdsa.Sign(privKey, digest)
	return append(sig.Serialize(), byte(hashType))
}

// SignatureScript creates an input signature script for tx to spend a P2PKH
// output.  The signature is generated deterministically (RFC6979) over the
// legacy SigHashAll digest.
func SignatureScript(tx *wire.MsgTx, idx int, prevPkScript []byte,
	hashType SigHashType, privKey *secp256k1.PrivateKey, compress bool) ([]byte, error) {

	digest, err := calcSignatureHash(prevPkScript, hashType, tx, idx)
	if err != nil {
		return nil, err
	}
	sig := rawSignature(privKey, digest, hashType)

	var pkData []byte
	if compress {
		pkData = privKey.PubKey().SerializeCompressed()
	} else {
		pkData = privKey.PubKey().SerializeUncompressed()
	}

	// push(sig) push(pubkey); both are under 76 bytes so a bare length
	// byte encodes each push.
	script := make([]byte, 0, 2+len(sig)+len(pkData))
	script = append(script, byte(len(sig)))
	script = append(script, sig...)
	script = append(script, byte(len(pkData)))
	script = append(script, pkData...)
	return script, nil
}

// WitnessSignature creates an input witness stack for tx to spend a P2WPKH
// output.  The signature is generated deterministically (RFC6979) over the
// BIP0143 digest, which commits to the input value.
func WitnessSignature(tx *wire.MsgTx, hashes *sigHashes, idx int, amt int64,
	pkHash []byte, hashType SigHashType, privKey *secp256k1.PrivateKey) (wire.TxWitness, error) {

	digest, err := calcWitnessSignatureHash(pkHash, hashes, hashType, tx,
		idx, amt)
	if err != nil {
		return nil, err
	}
	sig := rawSignature(privKey, digest, hashType)

	// A witness script is actually a stack, so we return an array of byte
	// slices here, rather than a single byte slice.
	return wire.TxWitness{sig, privKey.PubKey().SerializeCompressed()}, nil
}
