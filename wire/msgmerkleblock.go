// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
)

// maxFlagsPerMerkleBlock is the maximum number of flag bytes that could
// possibly fit into a merkle block.  Since each transaction is represented by
// a single bit, this is the max number of transactions per block divided by
// 8 bits per byte.  Then an extra one to cover partials.
const maxFlagsPerMerkleBlock = maxTxPerBlock / 8

// MsgMerkleBlock implements the Message interface and represents a bitcoin
// merkleblock message which is used to reset a Bloom filter.
//
// This message was not added until protocol version BIP0037Version.
type MsgMerkleBlock struct {
	Header       BlockHeader
	Transactions uint32
	Hashes       []*Hash
	Flags        []byte
}

// AddTxHash adds a new transaction hash to the message.
func (msg *MsgMerkleBlock) AddTxHash(hash *Hash) error {
	if len(msg.Hashes)+1 > maxTxPerBlock {
		return messageError("MsgMerkleBlock.AddTxHash", fmt.Sprintf(
			"too many tx hashes for message [max %v]", maxTxPerBlock))
	}

	msg.Hashes = append(msg.Hashes, hash)
	return nil
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgMerkleBlock) BtcDecode(r io.Reader, pver uint32) error {
	err := readBlockHeader(r, &msg.Header)
	if err != nil {
		return err
	}

	msg.Transactions, err = readUint32(r)
	if err != nil {
		return err
	}

	// Read num block locator hashes and limit to max.
	count, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	if count > maxTxPerBlock {
		return messageError("MsgMerkleBlock.BtcDecode", fmt.Sprintf(
			"too many transaction hashes for message "+
				"[count %v, max %v]", count, maxTxPerBlock))
	}

	// Create a contiguous slice of hashes to deserialize into in order to
	// reduce the number of allocations.
	hashes := make([]Hash, count)
	msg.Hashes = make([]*Hash, 0, count)
	for i := uint64(0); i < count; i++ {
		hash := &hashes[i]
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return err
		}
		msg.AddTxHash(hash)
	}

	msg.Flags, err = ReadVarBytes(r, maxFlagsPerMerkleBlock,
		"merkle block flags size")
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgMerkleBlock) BtcEncode(w io.Writer, pver uint32) error {
	// Read num transaction hashes and limit to max.
	numHashes := len(msg.Hashes)
	if numHashes > maxTxPerBlock {
		return messageError("MsgMerkleBlock.BtcEncode", fmt.Sprintf(
			"too many transaction hashes for message "+
				"[count %v, max %v]", numHashes, maxTxPerBlock))
	}
	numFlagBytes := len(msg.Flags)
	if numFlagBytes > maxFlagsPerMerkleBlock {
		return messageError("MsgMerkleBlock.BtcEncode", fmt.Sprintf(
			"too many flag bytes for message [count %v, max %v]",
			numFlagBytes, maxFlagsPerMerkleBlock))
	}

	err := writeBlockHeader(w, &msg.Header)
	if err != nil {
		return err
	}

	err = writeUint32(w, msg.Transactions)
	if err != nil {
		return err
	}

	err = WriteVarInt(w, uint64(numHashes))
	if err != nil {
		return err
	}
	for _, hash := range msg.Hashes {
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
	}

	return WriteVarBytes(w, msg.Flags)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgMerkleBlock) Command() string {
	return CmdMerkleBlock
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMerkleBlock) MaxPayloadLength(pver uint32) uint32 {
	return MaxBlockPayload
}

// NewMsgMerkleBlock returns a new bitcoin merkleblock message that conforms
// to the Message interface.  See MsgMerkleBlock for details.
func NewMsgMerkleBlock(bh *BlockHeader) *MsgMerkleBlock {
	return &MsgMerkleBlock{
		Header:       *bh,
		Transactions: 0,
		Hashes:       make([]*Hash, 0),
		Flags:        make([]byte, 0),
	}
}

// ExtractMatches traverses the partial merkle tree encoded in the message,
// validates that the recomputed merkle root matches the root committed to in
// the block header, and returns the transaction hashes the remote peer marked
// as matched.  An error is returned for any malformed or inconsistent tree.
func (msg *MsgMerkleBlock) ExtractMatches() ([]*Hash, error) {
	if msg.Transactions == 0 {
		return nil, messageError("MsgMerkleBlock.ExtractMatches",
			"merkle block contains no transactions")
	}
	if uint64(msg.Transactions) > maxTxPerBlock {
		return nil, messageError("MsgMerkleBlock.ExtractMatches",
			fmt.Sprintf("too many transactions in merkle block [%v]",
				msg.Transactions))
	}

	// The proof is a depth-first traversal of the merkle tree, consuming
	// one flag bit per visited node and one hash per terminal node.
	t := merkleTraversal{
		numTx:  msg.Transactions,
		hashes: msg.Hashes,
		flags:  msg.Flags,
	}

	height := uint32(0)
	for t.treeWidth(height) > 1 {
		height++
	}

	root, err := t.traverse(height, 0)
	if err != nil {
		return nil, err
	}

	// Every hash and every meaningful flag bit must have been consumed,
	// otherwise the proof contains trailing garbage.
	if t.hashUsed != uint32(len(msg.Hashes)) {
		return nil, messageError("MsgMerkleBlock.ExtractMatches",
			"partial merkle tree did not consume all hashes")
	}
	if (t.bitsUsed+7)/8 != uint32(len(msg.Flags)) {
		return nil, messageError("MsgMerkleBlock.ExtractMatches",
			"partial merkle tree did not consume all flag bits")
	}

	if !root.IsEqual(&msg.Header.MerkleRoot) {
		return nil, messageError("MsgMerkleBlock.ExtractMatches",
			"merkle root does not match block header")
	}

	return t.matches, nil
}

// merkleTraversal holds the state for a depth-first partial merkle tree
// traversal per BIP0037.
type merkleTraversal struct {
	numTx    uint32
	hashes   []*Hash
	flags    []byte
	bitsUsed uint32
	hashUsed uint32
	matches  []*Hash
}

// treeWidth returns the number of nodes at the given height of a merkle tree
// with t.numTx leaves.
func (t *merkleTraversal) treeWidth(height uint32) uint32 {
	return (t.numTx + (1 << height) - 1) >> height
}

// nextBit consumes and returns the next flag bit.
func (t *merkleTraversal) nextBit() (bool, error) {
	if t.bitsUsed >= uint32(len(t.flags))*8 {
		return false, messageError("MsgMerkleBlock.ExtractMatches",
			"partial merkle tree overran flag bits")
	}
	bit := t.flags[t.bitsUsed/8]>>(t.bitsUsed%8)&1 == 1
	t.bitsUsed++
	return bit, nil
}

// nextHash consumes and returns the next proof hash.
func (t *merkleTraversal) nextHash() (*Hash, error) {
	if t.hashUsed >= uint32(len(t.hashes)) {
		return nil, messageError("MsgMerkleBlock.ExtractMatches",
			"partial merkle tree overran hash list")
	}
	hash := t.hashes[t.hashUsed]
	t.hashUsed++
	return hash, nil
}

// traverse walks the partial merkle tree rooted at the given height and
// position and returns the recomputed hash for that node.
func (t *merkleTraversal) traverse(height, pos uint32) (*Hash, error) {
	parentOfMatch, err := t.nextBit()
	if err != nil {
		return nil, err
	}

	if height == 0 || !parentOfMatch {
		// Terminal node: the hash is taken directly from the proof.
		hash, err := t.nextHash()
		if err != nil {
			return nil, err
		}
		if height == 0 && parentOfMatch {
			t.matches = append(t.matches, hash)
		}
		return hash, nil
	}

	// Internal node whose subtree contains a match: descend.
	left, err := t.traverse(height-1, pos*2)
	if err != nil {
		return nil, err
	}

	var right *Hash
	if pos*2+1 < t.treeWidth(height-1) {
		right, err = t.traverse(height-1, pos*2+1)
		if err != nil {
			return nil, err
		}
		if left.IsEqual(right) {
			// Duplicate hashes on the right edge are only valid
			// when generated from an odd node count, never as an
			// explicit pair (CVE-2012-2459).
			return nil, messageError("MsgMerkleBlock.ExtractMatches",
				"duplicate hashes in partial merkle tree")
		}
	} else {
		right = left
	}

	combined := make([]byte, 0, HashSize*2)
	combined = append(combined, left[:]...)
	combined = append(combined, right[:]...)
	parent := DoubleHashH(combined)
	return &parent, nil
}
