// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package clayout

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeHeaderAndFooter(t *testing.T) {
	assert := assert.New(t)

	testStripeHeaderV1 := &StripeHeaderV1Struct{
		Magic:       StripeHeaderMagic,
		Version:     StripeHeaderVersionV1,
		VolumeUUID:  [16]byte{1, 2, 3, 4},
		StripeIndex: 3,
		Segments:    2,
		Buckets:     100,
		Phase:       1,
		SyncSerial:  7,
		WritePos:    4096,
		DataStart:   65536,
		DataLen:     1 << 20,
	}

	marshaledStripeHeaderV1, err := testStripeHeaderV1.MarshalStripeHeaderV1()
	require.NoError(t, err)
	assert.True(uint64(len(marshaledStripeHeaderV1)) <= HeaderSlotSize)

	unmarshaledStripeHeaderV1, err := UnmarshalStripeHeaderV1(marshaledStripeHeaderV1)
	require.NoError(t, err)
	assert.Equal(testStripeHeaderV1, unmarshaledStripeHeaderV1)

	testStripeHeaderV1.Version = 2
	marshaledStripeHeaderV1, err = testStripeHeaderV1.MarshalStripeHeaderV1()
	require.NoError(t, err)
	_, err = UnmarshalStripeHeaderV1(marshaledStripeHeaderV1)
	assert.Error(err)

	_, err = UnmarshalStripeHeaderV1(make([]byte, HeaderSlotSize))
	assert.Error(err)

	testStripeFooterV1 := &StripeFooterV1Struct{Magic: StripeFooterMagic, Phase: 1, SyncSerial: 7}

	marshaledStripeFooterV1, err := testStripeFooterV1.MarshalStripeFooterV1()
	require.NoError(t, err)

	unmarshaledStripeFooterV1, err := UnmarshalStripeFooterV1(marshaledStripeFooterV1)
	require.NoError(t, err)
	assert.Equal(testStripeFooterV1, unmarshaledStripeFooterV1)

	_, err = UnmarshalStripeFooterV1(marshaledStripeFooterV1[:4])
	assert.Error(err)
}

func TestDirEntry(t *testing.T) {
	assert := assert.New(t)

	var dirEntry DirEntryV1Struct

	assert.True(dirEntry.IsEmpty())

	assert.NoError(dirEntry.SetOffset(0))
	assert.False(dirEntry.IsEmpty())
	assert.Equal(uint64(0), dirEntry.Offset())

	assert.Error(dirEntry.SetOffset(100))

	bigOffset := (uint64(1) << 38) * BlockSize
	assert.NoError(dirEntry.SetOffset(bigOffset))
	assert.Equal(bigOffset, dirEntry.Offset())

	dirEntry.SetTag(0xABC)
	dirEntry.SetPhase(1)
	dirEntry.SetHead(true)
	dirEntry.SetNext(0x1234)
	assert.NoError(dirEntry.SetApproxSize(1))

	assert.Equal(uint16(0xABC), dirEntry.Tag())
	assert.Equal(uint16(1), dirEntry.Phase())
	assert.True(dirEntry.Head())
	assert.False(dirEntry.Pinned())
	assert.False(dirEntry.Token())
	assert.Equal(uint16(0x1234), dirEntry.Next())
	assert.Equal(BlockSize, dirEntry.ApproxSize())
	assert.Equal(bigOffset, dirEntry.Offset())

	dirEntry.SetTag(0xFFFF)
	assert.Equal(uint16(0xFFF), dirEntry.Tag())
	assert.Equal(uint16(1), dirEntry.Phase())

	dirEntry.SetPhase(0)
	dirEntry.SetHead(false)
	assert.Equal(uint16(0), dirEntry.Phase())
	assert.False(dirEntry.Head())

	for _, docSize := range []uint64{512, 513, 32768, 32769, 1 << 20, 10 << 20, MaxDocSize} {
		assert.NoError(dirEntry.SetApproxSize(docSize))
		assert.True(dirEntry.ApproxSize() >= docSize, "docSize %v", docSize)
		assert.True(dirEntry.ApproxSize() < 2*docSize+BlockSize, "docSize %v", docSize)
		assert.Equal(bigOffset, dirEntry.Offset())
	}
	assert.Error(dirEntry.SetApproxSize(MaxDocSize + 1))

	dirEntry.Clear()
	assert.True(dirEntry.IsEmpty())
	assert.Equal(uint16(0x1234), dirEntry.Next())
	assert.Equal(uint16(0), dirEntry.Tag())
}

func TestDirEntries(t *testing.T) {
	assert := assert.New(t)

	dirEntries := make([]DirEntryV1Struct, 8)
	for i := range dirEntries {
		assert.NoError(dirEntries[i].SetOffset(uint64(i) * BlockSize))
		dirEntries[i].SetTag(uint16(i))
		dirEntries[i].SetNext(uint16(i + 1))
	}

	dirEntriesBuf := make([]byte, len(dirEntries)*DirEntrySize)
	assert.NoError(MarshalDirEntries(dirEntries, dirEntriesBuf))
	assert.Error(MarshalDirEntries(dirEntries, dirEntriesBuf[1:]))

	unmarshaledDirEntries := make([]DirEntryV1Struct, len(dirEntries))
	assert.NoError(UnmarshalDirEntries(dirEntriesBuf, unmarshaledDirEntries))
	assert.Equal(dirEntries, unmarshaledDirEntries)
}

func TestDoc(t *testing.T) {
	assert := assert.New(t)

	payload := []byte("0123456789")

	docHeaderV1 := &DocHeaderV1Struct{
		DocType:       DocTypeBody,
		Key:           [16]byte{9},
		FirstKey:      [16]byte{8},
		FragmentIndex: 2,
		SyncSerial:    3,
		ObjectSize:    1000,
	}

	docBuf, err := MarshalDoc(docHeaderV1, payload)
	require.NoError(t, err)
	assert.Equal(DocLen(uint64(len(payload))), uint64(len(docBuf)))
	assert.Equal(uint64(0), uint64(len(docBuf))%BlockSize)
	assert.Equal(uint32(DocHeaderLen()), docHeaderV1.HeaderLen)

	unmarshaledDocHeaderV1, unmarshaledPayload, err := UnmarshalDoc(docBuf)
	require.NoError(t, err)
	assert.Equal(docHeaderV1, unmarshaledDocHeaderV1)
	assert.Equal(payload, unmarshaledPayload)

	docBuf[DocHeaderLen()] ^= 0xFF
	_, _, err = UnmarshalDoc(docBuf)
	assert.Error(err)

	_, _, err = UnmarshalDoc(make([]byte, BlockSize))
	assert.Error(err)

	assert.Equal(BlockSize, DocLen(0))
	assert.Equal(2*BlockSize, DocLen(BlockSize))
}

func TestAlternateVector(t *testing.T) {
	assert := assert.New(t)

	testAlternateVectorV1 := &AlternateVectorV1Struct{
		URL: "http://example.com/a",
		Alternates: []AlternateV1Struct{
			{
				ObjectKey:      [16]byte{1},
				RequestAttrs:   map[string]string{"accept-language": "en"},
				Vary:           []string{"accept-language"},
				ResponseHeader: http.Header{"Content-Type": []string{"text/plain"}},
				ObjectSize:     11,
				FragmentSize:   1 << 20,
				FragmentCount:  1,
				WriteTimeNano:  12345,
			},
		},
	}

	alternateVectorV1Buf, err := testAlternateVectorV1.MarshalAlternateVectorV1()
	require.NoError(t, err)

	unmarshaledAlternateVectorV1, err := UnmarshalAlternateVectorV1(alternateVectorV1Buf)
	require.NoError(t, err)
	assert.Equal(testAlternateVectorV1, unmarshaledAlternateVectorV1)

	_, err = UnmarshalAlternateVectorV1([]byte{0xC1})
	assert.Error(err)
}

func TestComputeStripeLayout(t *testing.T) {
	assert := assert.New(t)

	stripeLayout, err := ComputeStripeLayout(4<<20, 8000, 4096)
	require.NoError(t, err)
	assert.Equal(uint32(1), stripeLayout.Segments)
	assert.True(stripeLayout.TotalSlots >= 3*((4<<20)/8000))
	assert.Equal(uint64(stripeLayout.Segments)*uint64(stripeLayout.Buckets)*DirDepth, stripeLayout.TotalSlots)
	assert.Equal(uint64(0), stripeLayout.DirCopyLen%HeaderSlotSize)
	assert.True(stripeLayout.EntriesBase+stripeLayout.EntriesLen <= stripeLayout.FooterOffset())
	assert.Equal(2*stripeLayout.DirCopyLen, stripeLayout.DataStart)
	assert.Equal(stripeLayout.DirCopyLen, stripeLayout.DirCopyOffset(1))
	assert.True(stripeLayout.DataStart+stripeLayout.DataLen <= stripeLayout.StripeLen)
	assert.Equal(uint64(0), stripeLayout.DataLen%BlockSize)

	stripeLayout, err = ComputeStripeLayout(1<<36, 512, 1<<20)
	require.NoError(t, err)
	assert.True(stripeLayout.Segments > 1)
	assert.True(stripeLayout.Buckets <= MaxBucketsPerSegment)

	_, err = ComputeStripeLayout(1<<16, 8000, 4096)
	assert.Error(err)

	_, err = ComputeStripeLayout(4<<20, 0, 4096)
	assert.Error(err)

	_, err = ComputeStripeLayout(4<<20, 8000, 0)
	assert.Error(err)
}
