// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package clayout

import (
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

type globalsStruct struct {
	stripeHeaderV1Len uint64
	stripeFooterV1Len uint64
	docHeaderV1Len    uint64
	dirEntryV1Len     uint64
}

var globals globalsStruct

func init() {
	var (
		err error
	)

	globals.stripeHeaderV1Len, _, err = cstruct.Examine(&StripeHeaderV1Struct{})
	if nil != err {
		panic(err)
	}
	if globals.stripeHeaderV1Len > HeaderSlotSize {
		panic(fmt.Errorf("StripeHeaderV1Struct (%v bytes) exceeds HeaderSlotSize", globals.stripeHeaderV1Len))
	}

	globals.stripeFooterV1Len, _, err = cstruct.Examine(&StripeFooterV1Struct{})
	if nil != err {
		panic(err)
	}

	globals.docHeaderV1Len, _, err = cstruct.Examine(&DocHeaderV1Struct{})
	if nil != err {
		panic(err)
	}

	globals.dirEntryV1Len, _, err = cstruct.Examine(&DirEntryV1Struct{})
	if nil != err {
		panic(err)
	}
	if DirEntrySize != globals.dirEntryV1Len {
		panic(fmt.Errorf("DirEntryV1Struct packs to %v bytes, expected %v", globals.dirEntryV1Len, DirEntrySize))
	}
}

func (stripeHeaderV1 *StripeHeaderV1Struct) marshalStripeHeaderV1() (stripeHeaderV1Buf []byte, err error) {
	stripeHeaderV1Buf, err = cstruct.Pack(stripeHeaderV1, cstruct.LittleEndian)
	return
}

func unmarshalStripeHeaderV1(stripeHeaderV1Buf []byte) (stripeHeaderV1 *StripeHeaderV1Struct, err error) {
	stripeHeaderV1 = &StripeHeaderV1Struct{}

	_, err = cstruct.Unpack(stripeHeaderV1Buf, stripeHeaderV1, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if StripeHeaderMagic != stripeHeaderV1.Magic {
		err = fmt.Errorf("Magic mismatch... found %08X... expected %08X", stripeHeaderV1.Magic, StripeHeaderMagic)
		return
	}
	if StripeHeaderVersionV1 != stripeHeaderV1.Version {
		err = fmt.Errorf("Version mismatch... found %08X... expected %08X", stripeHeaderV1.Version, StripeHeaderVersionV1)
		return
	}
	if 1 < stripeHeaderV1.Phase {
		err = fmt.Errorf("Phase (%v) must be 0 or 1", stripeHeaderV1.Phase)
	}

	return
}

func (stripeFooterV1 *StripeFooterV1Struct) marshalStripeFooterV1() (stripeFooterV1Buf []byte, err error) {
	stripeFooterV1Buf, err = cstruct.Pack(stripeFooterV1, cstruct.LittleEndian)
	return
}

func unmarshalStripeFooterV1(stripeFooterV1Buf []byte) (stripeFooterV1 *StripeFooterV1Struct, err error) {
	stripeFooterV1 = &StripeFooterV1Struct{}

	_, err = cstruct.Unpack(stripeFooterV1Buf, stripeFooterV1, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if StripeFooterMagic != stripeFooterV1.Magic {
		err = fmt.Errorf("Magic mismatch... found %08X... expected %08X", stripeFooterV1.Magic, StripeFooterMagic)
	}

	return
}

func (docHeaderV1 *DocHeaderV1Struct) marshalDocHeaderV1() (docHeaderV1Buf []byte, err error) {
	docHeaderV1Buf, err = cstruct.Pack(docHeaderV1, cstruct.LittleEndian)
	return
}

func unmarshalDocHeaderV1(docHeaderV1Buf []byte) (docHeaderV1 *DocHeaderV1Struct, err error) {
	docHeaderV1 = &DocHeaderV1Struct{}

	_, err = cstruct.Unpack(docHeaderV1Buf, docHeaderV1, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if DocMagic != docHeaderV1.Magic {
		err = fmt.Errorf("Magic mismatch... found %08X... expected %08X", docHeaderV1.Magic, DocMagic)
		return
	}
	if DocHeaderVersionV1 != docHeaderV1.Version {
		err = fmt.Errorf("Version mismatch... found %08X... expected %08X", docHeaderV1.Version, DocHeaderVersionV1)
		return
	}
	if globals.docHeaderV1Len != uint64(docHeaderV1.HeaderLen) {
		err = fmt.Errorf("HeaderLen mismatch... found %v... expected %v", docHeaderV1.HeaderLen, globals.docHeaderV1Len)
		return
	}
	if (DocTypeVector != docHeaderV1.DocType) && (DocTypeBody != docHeaderV1.DocType) {
		err = fmt.Errorf("DocType (%v) unknown", docHeaderV1.DocType)
	}

	return
}

func docLen(dataLen uint64) uint64 {
	return ((globals.docHeaderV1Len + dataLen + BlockSize - 1) / BlockSize) * BlockSize
}

func marshalDoc(docHeaderV1 *DocHeaderV1Struct, payload []byte) (docBuf []byte, err error) {
	var (
		docHeaderV1Buf []byte
	)

	docHeaderV1.Magic = DocMagic
	docHeaderV1.Version = DocHeaderVersionV1
	docHeaderV1.HeaderLen = uint32(globals.docHeaderV1Len)
	docHeaderV1.DataLen = uint64(len(payload))
	docHeaderV1.Checksum = xxhash.Sum64(payload)

	docHeaderV1Buf, err = docHeaderV1.marshalDocHeaderV1()
	if nil != err {
		return
	}

	docBuf = make([]byte, docLen(docHeaderV1.DataLen))

	copy(docBuf, docHeaderV1Buf)
	copy(docBuf[globals.docHeaderV1Len:], payload)

	return
}

func unmarshalDoc(docBuf []byte) (docHeaderV1 *DocHeaderV1Struct, payload []byte, err error) {
	var (
		checksum uint64
	)

	docHeaderV1, err = unmarshalDocHeaderV1(docBuf)
	if nil != err {
		return
	}

	if (globals.docHeaderV1Len + docHeaderV1.DataLen) > uint64(len(docBuf)) {
		err = fmt.Errorf("DataLen (%v) exceeds supplied docBuf (%v bytes)", docHeaderV1.DataLen, len(docBuf))
		return
	}

	payload = docBuf[globals.docHeaderV1Len : globals.docHeaderV1Len+docHeaderV1.DataLen]

	checksum = xxhash.Sum64(payload)
	if checksum != docHeaderV1.Checksum {
		err = fmt.Errorf("Checksum mismatch... found %016X... expected %016X", checksum, docHeaderV1.Checksum)
		payload = nil
	}

	return
}

func (alternateVectorV1 *AlternateVectorV1Struct) marshalAlternateVectorV1() (alternateVectorV1Buf []byte, err error) {
	alternateVectorV1Buf, err = msgpack.Marshal(alternateVectorV1)
	return
}

func unmarshalAlternateVectorV1(alternateVectorV1Buf []byte) (alternateVectorV1 *AlternateVectorV1Struct, err error) {
	alternateVectorV1 = &AlternateVectorV1Struct{}

	err = msgpack.Unmarshal(alternateVectorV1Buf, alternateVectorV1)
	if nil != err {
		alternateVectorV1 = nil
	}

	return
}

func marshalDirEntries(dirEntries []DirEntryV1Struct, dirEntriesBuf []byte) (err error) {
	var (
		curPos   int
		dirEntry *DirEntryV1Struct
		i        int
	)

	if uint64(len(dirEntriesBuf)) != uint64(len(dirEntries))*DirEntrySize {
		err = fmt.Errorf("dirEntriesBuf is %v bytes... expected %v", len(dirEntriesBuf), uint64(len(dirEntries))*DirEntrySize)
		return
	}

	for i = range dirEntries {
		dirEntry = &dirEntries[i]
		binary.LittleEndian.PutUint16(dirEntriesBuf[curPos:], dirEntry.W0)
		binary.LittleEndian.PutUint16(dirEntriesBuf[curPos+2:], dirEntry.W1)
		binary.LittleEndian.PutUint16(dirEntriesBuf[curPos+4:], dirEntry.W2)
		binary.LittleEndian.PutUint16(dirEntriesBuf[curPos+6:], dirEntry.W3)
		binary.LittleEndian.PutUint16(dirEntriesBuf[curPos+8:], dirEntry.W4)
		curPos += DirEntrySize
	}

	return
}

func unmarshalDirEntries(dirEntriesBuf []byte, dirEntries []DirEntryV1Struct) (err error) {
	var (
		curPos   int
		dirEntry *DirEntryV1Struct
		i        int
	)

	if uint64(len(dirEntriesBuf)) != uint64(len(dirEntries))*DirEntrySize {
		err = fmt.Errorf("dirEntriesBuf is %v bytes... expected %v", len(dirEntriesBuf), uint64(len(dirEntries))*DirEntrySize)
		return
	}

	for i = range dirEntries {
		dirEntry = &dirEntries[i]
		dirEntry.W0 = binary.LittleEndian.Uint16(dirEntriesBuf[curPos:])
		dirEntry.W1 = binary.LittleEndian.Uint16(dirEntriesBuf[curPos+2:])
		dirEntry.W2 = binary.LittleEndian.Uint16(dirEntriesBuf[curPos+4:])
		dirEntry.W3 = binary.LittleEndian.Uint16(dirEntriesBuf[curPos+6:])
		dirEntry.W4 = binary.LittleEndian.Uint16(dirEntriesBuf[curPos+8:])
		curPos += DirEntrySize
	}

	return
}

func computeStripeLayout(stripeLen uint64, averageObjectSize uint64, maxFragmentSize uint64) (stripeLayout *StripeLayoutStruct, err error) {
	var (
		dirBudget        uint64
		entriesPerObject uint64
		totalBuckets     uint64
		targetEntries    uint64
	)

	if 0 == averageObjectSize {
		err = fmt.Errorf("averageObjectSize must be non-zero")
		return
	}
	if 0 == maxFragmentSize {
		err = fmt.Errorf("maxFragmentSize must be non-zero")
		return
	}

	// Each object occupies its vector document's entry plus one per fragment
	entriesPerObject = 1 + ((averageObjectSize + maxFragmentSize - 1) / maxFragmentSize)

	// Size the directory as though the whole stripe held data
	targetEntries = (stripeLen / averageObjectSize) * entriesPerObject
	totalBuckets = (targetEntries + DirDepth - 1) / DirDepth
	if 0 == totalBuckets {
		totalBuckets = 1
	}

	stripeLayout = &StripeLayoutStruct{
		StripeLen:   stripeLen,
		EntriesBase: HeaderSlotSize,
	}

	stripeLayout.Segments = uint32((totalBuckets + MaxBucketsPerSegment - 1) / MaxBucketsPerSegment)
	stripeLayout.Buckets = uint32((totalBuckets + uint64(stripeLayout.Segments) - 1) / uint64(stripeLayout.Segments))

	for {
		stripeLayout.TotalSlots = uint64(stripeLayout.Segments) * uint64(stripeLayout.Buckets) * DirDepth
		stripeLayout.EntriesLen = stripeLayout.TotalSlots * DirEntrySize
		stripeLayout.DirCopyLen = ((HeaderSlotSize + stripeLayout.EntriesLen + HeaderSlotSize + HeaderSlotSize - 1) / HeaderSlotSize) * HeaderSlotSize
		stripeLayout.DataStart = 2 * stripeLayout.DirCopyLen

		dirBudget = stripeLen / 2
		if stripeLayout.DataStart <= dirBudget {
			break
		}

		// Directory would consume more than half the stripe... shrink it
		if 1 == stripeLayout.Buckets {
			if 1 == stripeLayout.Segments {
				err = fmt.Errorf("stripeLen (%v) too small to hold a directory", stripeLen)
				stripeLayout = nil
				return
			}
			stripeLayout.Segments--
		} else {
			stripeLayout.Buckets /= 2
		}
	}

	stripeLayout.DataLen = ((stripeLen - stripeLayout.DataStart) / BlockSize) * BlockSize

	if stripeLayout.DataLen < MinDataLen {
		err = fmt.Errorf("stripeLen (%v) leaves a data ring of only %v bytes", stripeLen, stripeLayout.DataLen)
		stripeLayout = nil
	}

	return
}

func (dirEntry *DirEntryV1Struct) offset() uint64 {
	return uint64(dirEntry.W0) | (uint64(dirEntry.W1&0x00FF) << 16) | (uint64(dirEntry.W4) << 24)
}

func (dirEntry *DirEntryV1Struct) setOffset(blocks uint64) {
	dirEntry.W0 = uint16(blocks & 0xFFFF)
	dirEntry.W1 = (dirEntry.W1 & 0xFF00) | uint16((blocks>>16)&0x00FF)
	dirEntry.W4 = uint16((blocks >> 24) & 0xFFFF)
}

func (dirEntry *DirEntryV1Struct) approxSize() uint64 {
	var (
		big  = uint64((dirEntry.W1 >> 8) & 0x3)
		size = uint64((dirEntry.W1 >> 10) & 0x3F)
	)

	return (size + 1) * (BlockSize << (3 * big))
}

func (dirEntry *DirEntryV1Struct) setApproxSize(docSize uint64) (err error) {
	var (
		big  uint64
		size uint64
		unit uint64
	)

	for big = 0; big < 4; big++ {
		unit = BlockSize << (3 * big)
		if docSize <= (64 * unit) {
			size = (docSize + unit - 1) / unit
			if 0 < size {
				size--
			}
			dirEntry.W1 = (dirEntry.W1 & 0x00FF) | uint16(big<<8) | uint16(size<<10)
			return
		}
	}

	err = fmt.Errorf("docSize (%v) exceeds MaxDocSize (%v)", docSize, MaxDocSize)
	return
}
