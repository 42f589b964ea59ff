// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
)

// FilterType is used to represent a filter type.
type FilterType uint8

const (
	// GCSFilterRegular is the regular filter type defined by BIP0158.
	GCSFilterRegular FilterType = 0
)

const (
	// MaxGetCFiltersReqRange the maximum number of filters that may be
	// requested in a getcfilters message.
	MaxGetCFiltersReqRange = 1000

	// MaxCFilterDataSize is the maximum byte size of a committed filter.
	// The maximum size is currently defined as 256KiB.
	MaxCFilterDataSize = 256 * 1024

	// MaxCFHeaderPayload is the maximum byte size of a committed filter
	// header.
	MaxCFHeaderPayload = HashSize

	// MaxCFHeadersPerMsg is the maximum number of committed filter headers
	// that can be in a single cfheaders message.
	MaxCFHeadersPerMsg = 2000
)

// MsgGetCFilters implements the Message interface and represents a bitcoin
// getcfilters message.  It is used to request committed filters for a range
// of blocks.
type MsgGetCFilters struct {
	FilterType  FilterType
	StartHeight uint32
	StopHash    Hash
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgGetCFilters) BtcDecode(r io.Reader, pver uint32) error {
	ft, err := readByte(r)
	if err != nil {
		return err
	}
	msg.FilterType = FilterType(ft)

	msg.StartHeight, err = readUint32(r)
	if err != nil {
		return err
	}

	_, err = io.ReadFull(r, msg.StopHash[:])
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgGetCFilters) BtcEncode(w io.Writer, pver uint32) error {
	err := writeByte(w, byte(msg.FilterType))
	if err != nil {
		return err
	}

	err = writeUint32(w, msg.StartHeight)
	if err != nil {
		return err
	}

	_, err = w.Write(msg.StopHash[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgGetCFilters) Command() string {
	return CmdGetCFilters
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetCFilters) MaxPayloadLength(pver uint32) uint32 {
	// Filter type + uint32 + block hash
	return 1 + 4 + HashSize
}

// NewMsgGetCFilters returns a new bitcoin getcfilters message that conforms
// to the Message interface using the passed parameters.
func NewMsgGetCFilters(filterType FilterType, startHeight uint32,
	stopHash *Hash) *MsgGetCFilters {

	return &MsgGetCFilters{
		FilterType:  filterType,
		StartHeight: startHeight,
		StopHash:    *stopHash,
	}
}

// MsgCFilter implements the Message interface and represents a bitcoin
// cfilter message.  It is used to deliver a committed filter in response to a
// getcfilters (MsgGetCFilters) message.
type MsgCFilter struct {
	FilterType FilterType
	BlockHash  Hash
	Data       []byte
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgCFilter) BtcDecode(r io.Reader, pver uint32) error {
	ft, err := readByte(r)
	if err != nil {
		return err
	}
	msg.FilterType = FilterType(ft)

	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}

	msg.Data, err = ReadVarBytes(r, MaxCFilterDataSize,
		"cfilter data")
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgCFilter) BtcEncode(w io.Writer, pver uint32) error {
	size := len(msg.Data)
	if size > MaxCFilterDataSize {
		return messageError("MsgCFilter.BtcEncode", fmt.Sprintf(
			"cfilter size too large for message [size %v, max %v]",
			size, MaxCFilterDataSize))
	}

	err := writeByte(w, byte(msg.FilterType))
	if err != nil {
		return err
	}

	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}

	return WriteVarBytes(w, msg.Data)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgCFilter) Command() string {
	return CmdCFilter
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCFilter) MaxPayloadLength(pver uint32) uint32 {
	return uint32(VarIntSerializeSize(MaxCFilterDataSize)) +
		MaxCFilterDataSize + HashSize + 1
}

// NewMsgCFilter returns a new bitcoin cfilter message that conforms to the
// Message interface.  See MsgCFilter for details.
func NewMsgCFilter(filterType FilterType, blockHash *Hash,
	data []byte) *MsgCFilter {

	return &MsgCFilter{
		FilterType: filterType,
		BlockHash:  *blockHash,
		Data:       data,
	}
}

// MsgGetCFHeaders is a message similar to MsgGetHeaders, but for committed
// filter headers.  It allows to set the FilterType field to get headers in
// the chain of basic (0x00) headers.
type MsgGetCFHeaders struct {
	FilterType  FilterType
	StartHeight uint32
	StopHash    Hash
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgGetCFHeaders) BtcDecode(r io.Reader, pver uint32) error {
	ft, err := readByte(r)
	if err != nil {
		return err
	}
	msg.FilterType = FilterType(ft)

	msg.StartHeight, err = readUint32(r)
	if err != nil {
		return err
	}

	_, err = io.ReadFull(r, msg.StopHash[:])
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgGetCFHeaders) BtcEncode(w io.Writer, pver uint32) error {
	err := writeByte(w, byte(msg.FilterType))
	if err != nil {
		return err
	}

	err = writeUint32(w, msg.StartHeight)
	if err != nil {
		return err
	}

	_, err = w.Write(msg.StopHash[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgGetCFHeaders) Command() string {
	return CmdGetCFHeaders
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetCFHeaders) MaxPayloadLength(pver uint32) uint32 {
	// Filter type + uint32 + block hash
	return 1 + 4 + HashSize
}

// NewMsgGetCFHeaders returns a new bitcoin getcfheaders message that conforms
// to the Message interface using the passed parameters.
func NewMsgGetCFHeaders(filterType FilterType, startHeight uint32,
	stopHash *Hash) *MsgGetCFHeaders {

	return &MsgGetCFHeaders{
		FilterType:  filterType,
		StartHeight: startHeight,
		StopHash:    *stopHash,
	}
}

// MsgCFHeaders implements the Message interface and represents a bitcoin
// cfheaders message.  It is used to deliver committed filter header
// information in response to a getcfheaders message (MsgGetCFHeaders).  The
// maximum number of committed filter headers per message is currently 2000.
type MsgCFHeaders struct {
	FilterType       FilterType
	StopHash         Hash
	PrevFilterHeader Hash
	FilterHashes     []*Hash
}

// AddCFHash adds a new filter hash to the message.
func (msg *MsgCFHeaders) AddCFHash(hash *Hash) error {
	if len(msg.FilterHashes)+1 > MaxCFHeadersPerMsg {
		return messageError("MsgCFHeaders.AddCFHash", fmt.Sprintf(
			"too many filter hashes in message [max %v]",
			MaxCFHeadersPerMsg))
	}

	msg.FilterHashes = append(msg.FilterHashes, hash)
	return nil
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgCFHeaders) BtcDecode(r io.Reader, pver uint32) error {
	ft, err := readByte(r)
	if err != nil {
		return err
	}
	msg.FilterType = FilterType(ft)

	if _, err := io.ReadFull(r, msg.StopHash[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, msg.PrevFilterHeader[:]); err != nil {
		return err
	}

	// Read number of filter headers.
	count, err := ReadVarInt(r)
	if err != nil {
		return err
	}

	// Limit to max committed filter headers per message.
	if count > MaxCFHeadersPerMsg {
		return messageError("MsgCFHeaders.BtcDecode", fmt.Sprintf(
			"too many committed filter headers for message "+
				"[count %v, max %v]", count, MaxCFHeadersPerMsg))
	}

	// Create a contiguous slice of hashes to deserialize into in order to
	// reduce the number of allocations.
	msg.FilterHashes = make([]*Hash, 0, count)
	for i := uint64(0); i < count; i++ {
		var cfh Hash
		if _, err := io.ReadFull(r, cfh[:]); err != nil {
			return err
		}
		msg.AddCFHash(&cfh)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgCFHeaders) BtcEncode(w io.Writer, pver uint32) error {
	// Limit to max committed headers per message.
	count := len(msg.FilterHashes)
	if count > MaxCFHeadersPerMsg {
		return messageError("MsgCFHeaders.BtcEncode", fmt.Sprintf(
			"too many committed filter headers for message "+
				"[count %v, max %v]", count, MaxCFHeadersPerMsg))
	}

	err := writeByte(w, byte(msg.FilterType))
	if err != nil {
		return err
	}

	if _, err := w.Write(msg.StopHash[:]); err != nil {
		return err
	}

	if _, err := w.Write(msg.PrevFilterHeader[:]); err != nil {
		return err
	}

	err = WriteVarInt(w, uint64(count))
	if err != nil {
		return err
	}

	for _, cfh := range msg.FilterHashes {
		if _, err := w.Write(cfh[:]); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgCFHeaders) Command() string {
	return CmdCFHeaders
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCFHeaders) MaxPayloadLength(pver uint32) uint32 {
	// Hash size * 2 (stop hash + prev filter header) + filter type 1
	// byte + num headers (varInt) + max allowed filter hashes.
	return 2*HashSize + 1 + MaxVarIntPayload +
		(MaxCFHeaderPayload * MaxCFHeadersPerMsg)
}

// NewMsgCFHeaders returns a new bitcoin cfheaders message that conforms to
// the Message interface.  See MsgCFHeaders for details.
func NewMsgCFHeaders() *MsgCFHeaders {
	return &MsgCFHeaders{
		FilterHashes: make([]*Hash, 0, MaxCFHeadersPerMsg),
	}
}
