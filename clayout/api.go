// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package clayout defines the on-disk layout of a cache volume.
//
// A volume is divided into stripes. Each stripe is laid out as:
//
//   [directory copy A][directory copy B][data ring]
//
// Each directory copy is:
//
//   [StripeHeaderV1Struct in a HeaderSlotSize slot][DirEntryV1Struct * entries][StripeFooterV1Struct in a HeaderSlotSize slot]
//
// The data ring holds BlockSize aligned documents each of the form:
//
//   [DocHeaderV1Struct][payload][padding to BlockSize]
//
// All fixed width structs are serialized via cstruct in LittleEndian form.
// A vector document's payload is a msgpack encoded AlternateVectorV1Struct.
package clayout

import (
	"fmt"
	"net/http"
)

const (
	BlockSize      = uint64(512)  // Unit of DirEntryV1Struct offsets and document alignment
	HeaderSlotSize = uint64(4096) // Bytes reserved for each of the stripe header and footer
	DirDepth       = 4            // Slots per bucket; slot 0 of each bucket is its chain head
	DirEntrySize   = 10           // Bytes per serialized DirEntryV1Struct

	MaxSlotsPerSegment   = 1 << 16 // DirEntryV1Struct next fields are 16 bits
	MaxBucketsPerSegment = MaxSlotsPerSegment / DirDepth
	MaxDocSize           = 64 * (BlockSize << 9) // Largest size class expressible in a DirEntryV1Struct
	MaxOffsetBlocks      = (uint64(1) << 40) - 2 // Largest (unbiased) offset expressible in a DirEntryV1Struct
	MinDataLen           = uint64(1 << 20)       // Smallest data ring ComputeStripeLayout will produce
)

const (
	StripeHeaderMagic = uint32(0x4F435348) // "OCSH"
	StripeFooterMagic = uint32(0x4F435346) // "OCSF"
	DocMagic          = uint32(0x4F43444F) // "OCDO"

	StripeHeaderVersionV1 = uint32(1)
	DocHeaderVersionV1    = uint32(1)
)

// StripeHeaderV1Struct begins each directory copy of a stripe.
//
// The copy is complete only if the StripeFooterV1Struct at its end carries the
// same SyncSerial. Phase is the sync phase every DirEntryV1Struct of this copy
// was stamped with; an entry with the other phase was not rewritten by this sync.
type StripeHeaderV1Struct struct {
	Magic          uint32   // == StripeHeaderMagic
	Version        uint32   // == StripeHeaderVersionV1
	VolumeUUID     [16]byte // Identifies the volume the stripe was formatted into
	StripeIndex    uint32   // Position of the stripe in the volume
	Segments       uint32   // Directory segments
	Buckets        uint32   // Buckets per segment
	Phase          uint32   // 0 or 1
	SyncSerial     uint64   // Incremented on each directory sync
	WritePos       uint64   // Ring cursor (relative to DataStart) captured at sync start
	WriteWraps     uint64   // Times the ring cursor has wrapped
	DataStart      uint64   // Offset of the data ring from the start of the stripe
	DataLen        uint64   // Length of the data ring
	CreateTimeNano uint64   // When the stripe was formatted
	SyncTimeNano   uint64   // When this copy's sync began
}

func (stripeHeaderV1 *StripeHeaderV1Struct) MarshalStripeHeaderV1() (stripeHeaderV1Buf []byte, err error) {
	stripeHeaderV1Buf, err = stripeHeaderV1.marshalStripeHeaderV1()
	return
}

func UnmarshalStripeHeaderV1(stripeHeaderV1Buf []byte) (stripeHeaderV1 *StripeHeaderV1Struct, err error) {
	stripeHeaderV1, err = unmarshalStripeHeaderV1(stripeHeaderV1Buf)
	return
}

// StripeFooterV1Struct ends each directory copy of a stripe.
type StripeFooterV1Struct struct {
	Magic      uint32 // == StripeFooterMagic
	Phase      uint32 // Must match StripeHeaderV1Struct.Phase
	SyncSerial uint64 // Must match StripeHeaderV1Struct.SyncSerial
}

func (stripeFooterV1 *StripeFooterV1Struct) MarshalStripeFooterV1() (stripeFooterV1Buf []byte, err error) {
	stripeFooterV1Buf, err = stripeFooterV1.marshalStripeFooterV1()
	return
}

func UnmarshalStripeFooterV1(stripeFooterV1Buf []byte) (stripeFooterV1 *StripeFooterV1Struct, err error) {
	stripeFooterV1, err = unmarshalStripeFooterV1(stripeFooterV1Buf)
	return
}

// DirEntryV1Struct is a directory slot packed into five 16-bit words:
//
//   W0: offset bits 0-15
//   W1: offset bits 16-23 | big (2 bits) << 8 | size (6 bits) << 10
//   W2: tag (12 bits) | phase << 12 | head << 13 | pinned << 14 | token << 15
//   W3: next (slot index within the segment, 0 == end of chain)
//   W4: offset bits 24-39
//
// The offset is in BlockSize units relative to the data ring, stored plus one
// so that a zero offset marks an empty slot. The approximate size of the
// document is (size+1) * (BlockSize << (3*big)) bytes.
type DirEntryV1Struct struct {
	W0 uint16
	W1 uint16
	W2 uint16
	W3 uint16
	W4 uint16
}

// Offset returns the byte offset (relative to the data ring) of the document
// the entry references. Offset is meaningless if IsEmpty() returns true.
func (dirEntry *DirEntryV1Struct) Offset() uint64 {
	return (dirEntry.offset() - 1) * BlockSize
}

// SetOffset records byteOffset, which must be a BlockSize multiple.
func (dirEntry *DirEntryV1Struct) SetOffset(byteOffset uint64) (err error) {
	if 0 != (byteOffset % BlockSize) {
		err = fmt.Errorf("byteOffset (%v) not a multiple of BlockSize", byteOffset)
		return
	}
	if (byteOffset / BlockSize) > MaxOffsetBlocks {
		err = fmt.Errorf("byteOffset (%v) too large", byteOffset)
		return
	}

	dirEntry.setOffset((byteOffset / BlockSize) + 1)

	return
}

// ApproxSize returns an upper bound (within one size class) of the document's on-disk size.
func (dirEntry *DirEntryV1Struct) ApproxSize() uint64 {
	return dirEntry.approxSize()
}

func (dirEntry *DirEntryV1Struct) SetApproxSize(docSize uint64) (err error) {
	err = dirEntry.setApproxSize(docSize)
	return
}

func (dirEntry *DirEntryV1Struct) Tag() uint16 {
	return dirEntry.W2 & 0x0FFF
}

func (dirEntry *DirEntryV1Struct) SetTag(tag uint16) {
	dirEntry.W2 = (dirEntry.W2 & 0xF000) | (tag & 0x0FFF)
}

func (dirEntry *DirEntryV1Struct) Phase() uint16 {
	return (dirEntry.W2 >> 12) & 1
}

func (dirEntry *DirEntryV1Struct) SetPhase(phase uint16) {
	dirEntry.W2 = (dirEntry.W2 &^ (1 << 12)) | ((phase & 1) << 12)
}

// Head is set on the entry referencing an alternate vector (as opposed to a body fragment).
func (dirEntry *DirEntryV1Struct) Head() bool {
	return 0 != (dirEntry.W2 & (1 << 13))
}

func (dirEntry *DirEntryV1Struct) SetHead(head bool) {
	dirEntry.setBit(13, head)
}

func (dirEntry *DirEntryV1Struct) Pinned() bool {
	return 0 != (dirEntry.W2 & (1 << 14))
}

func (dirEntry *DirEntryV1Struct) SetPinned(pinned bool) {
	dirEntry.setBit(14, pinned)
}

func (dirEntry *DirEntryV1Struct) Token() bool {
	return 0 != (dirEntry.W2 & (1 << 15))
}

func (dirEntry *DirEntryV1Struct) SetToken(token bool) {
	dirEntry.setBit(15, token)
}

func (dirEntry *DirEntryV1Struct) setBit(bit uint, value bool) {
	if value {
		dirEntry.W2 |= (1 << bit)
	} else {
		dirEntry.W2 &^= (1 << bit)
	}
}

// Next returns the slot index (within the segment) of the next entry in the chain (0 == none).
func (dirEntry *DirEntryV1Struct) Next() uint16 {
	return dirEntry.W3
}

func (dirEntry *DirEntryV1Struct) SetNext(next uint16) {
	dirEntry.W3 = next
}

// IsEmpty reports whether the entry references no document.
func (dirEntry *DirEntryV1Struct) IsEmpty() bool {
	return 0 == dirEntry.offset()
}

// Clear empties the entry while preserving its chain link.
func (dirEntry *DirEntryV1Struct) Clear() {
	next := dirEntry.W3
	*dirEntry = DirEntryV1Struct{W3: next}
}

const (
	DocTypeVector = uint32(1) // Payload is an AlternateVectorV1Struct
	DocTypeBody   = uint32(2) // Payload is a fragment of an alternate's body
)

// DocHeaderV1Struct precedes every document in the data ring.
type DocHeaderV1Struct struct {
	Magic         uint32   // == DocMagic
	Version       uint32   // == DocHeaderVersionV1
	DocType       uint32   // DocTypeVector or DocTypeBody
	HeaderLen     uint32   // Serialized size of this struct
	Key           [16]byte // Key the document is inserted into the directory under
	FirstKey      [16]byte // URL key (vector) or object key (body)
	VolumeUUID    [16]byte // Must match the stripe header
	StripeIndex   uint32   //
	FragmentIndex uint32   // 0-based index of this fragment of the body
	SyncSerial    uint64   // Stripe SyncSerial in effect when written
	DataLen       uint64   // Payload bytes following the header
	ObjectSize    uint64   // Total size of the body this fragment is part of
	Checksum      uint64   // xxhash64 of the payload
	WriteTimeNano uint64   //
}

func (docHeaderV1 *DocHeaderV1Struct) MarshalDocHeaderV1() (docHeaderV1Buf []byte, err error) {
	docHeaderV1Buf, err = docHeaderV1.marshalDocHeaderV1()
	return
}

// UnmarshalDocHeaderV1 decodes and validates the magic and version of a DocHeaderV1Struct.
func UnmarshalDocHeaderV1(docHeaderV1Buf []byte) (docHeaderV1 *DocHeaderV1Struct, err error) {
	docHeaderV1, err = unmarshalDocHeaderV1(docHeaderV1Buf)
	return
}

// DocHeaderLen is the serialized size of DocHeaderV1Struct.
func DocHeaderLen() uint64 {
	return globals.docHeaderV1Len
}

// MarshalDoc fills in docHeaderV1's HeaderLen, DataLen, and Checksum and returns
// the header followed by payload padded to a BlockSize multiple.
func MarshalDoc(docHeaderV1 *DocHeaderV1Struct, payload []byte) (docBuf []byte, err error) {
	docBuf, err = marshalDoc(docHeaderV1, payload)
	return
}

// UnmarshalDoc decodes the document at the start of docBuf, validating its
// header, length, and checksum.
func UnmarshalDoc(docBuf []byte) (docHeaderV1 *DocHeaderV1Struct, payload []byte, err error) {
	docHeaderV1, payload, err = unmarshalDoc(docBuf)
	return
}

// DocLen returns the BlockSize aligned on-disk size of a document carrying dataLen payload bytes.
func DocLen(dataLen uint64) uint64 {
	return docLen(dataLen)
}

// AlternateV1Struct describes one cached variant of a URL.
type AlternateV1Struct struct {
	ObjectKey      [16]byte          `msgpack:"k"` // Key of fragment 0 of the body
	RequestAttrs   map[string]string `msgpack:"q"` // Values of the request headers named by Vary (lower-cased names)
	Vary           []string          `msgpack:"v"` // Lower-cased request header names the response varies on
	ResponseHeader http.Header       `msgpack:"h"` //
	ObjectSize     uint64            `msgpack:"s"` //
	FragmentSize   uint64            `msgpack:"f"` // Size of every fragment but the last
	FragmentCount  uint32            `msgpack:"n"` //
	WriteTimeNano  int64             `msgpack:"t"` //
}

// AlternateVectorV1Struct is the payload of a vector document.
type AlternateVectorV1Struct struct {
	URL        string              `msgpack:"u"`
	Alternates []AlternateV1Struct `msgpack:"a"` // Oldest first
}

func (alternateVectorV1 *AlternateVectorV1Struct) MarshalAlternateVectorV1() (alternateVectorV1Buf []byte, err error) {
	alternateVectorV1Buf, err = alternateVectorV1.marshalAlternateVectorV1()
	return
}

func UnmarshalAlternateVectorV1(alternateVectorV1Buf []byte) (alternateVectorV1 *AlternateVectorV1Struct, err error) {
	alternateVectorV1, err = unmarshalAlternateVectorV1(alternateVectorV1Buf)
	return
}

// MarshalDirEntries serializes dirEntries into dirEntriesBuf (which must hold
// len(dirEntries)*DirEntrySize bytes).
func MarshalDirEntries(dirEntries []DirEntryV1Struct, dirEntriesBuf []byte) (err error) {
	err = marshalDirEntries(dirEntries, dirEntriesBuf)
	return
}

// UnmarshalDirEntries is the inverse of MarshalDirEntries.
func UnmarshalDirEntries(dirEntriesBuf []byte, dirEntries []DirEntryV1Struct) (err error) {
	err = unmarshalDirEntries(dirEntriesBuf, dirEntries)
	return
}

// StripeLayoutStruct captures the geometry of a stripe derived at format time.
type StripeLayoutStruct struct {
	StripeLen   uint64 // Bytes allotted to the stripe
	Segments    uint32 //
	Buckets     uint32 // Buckets per segment
	DirCopyLen  uint64 // Bytes of each of the two directory copies
	DataStart   uint64 // == 2 * DirCopyLen
	DataLen     uint64 // StripeLen - DataStart rounded down to BlockSize
	TotalSlots  uint64 // Segments * Buckets * DirDepth
	EntriesLen  uint64 // TotalSlots * DirEntrySize
	EntriesBase uint64 // Offset of the entries within a directory copy (== HeaderSlotSize)
}

// ComputeStripeLayout sizes a stripe's directory for stripeLen bytes holding
// objects of (roughly) averageObjectSize bytes stored in fragments of at most
// maxFragmentSize bytes.
func ComputeStripeLayout(stripeLen uint64, averageObjectSize uint64, maxFragmentSize uint64) (stripeLayout *StripeLayoutStruct, err error) {
	stripeLayout, err = computeStripeLayout(stripeLen, averageObjectSize, maxFragmentSize)
	return
}

// DirCopyOffset returns the offset within the stripe of directory copy copyIndex (0 or 1).
func (stripeLayout *StripeLayoutStruct) DirCopyOffset(copyIndex int) uint64 {
	return uint64(copyIndex) * stripeLayout.DirCopyLen
}

// FooterOffset returns the offset within a directory copy of its StripeFooterV1Struct.
func (stripeLayout *StripeLayoutStruct) FooterOffset() uint64 {
	return stripeLayout.DirCopyLen - HeaderSlotSize
}
