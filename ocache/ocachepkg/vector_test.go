// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
)

func TestComputeVary(t *testing.T) {
	assert := assert.New(t)

	vary, ok := computeVary(http.Header{})
	assert.True(ok)
	assert.Empty(vary)

	vary, ok = computeVary(http.Header{"Vary": []string{"Accept-Encoding, User-Agent", "accept-language"}})
	assert.True(ok)
	assert.Equal([]string{"accept-encoding", "accept-language", "user-agent"}, vary)

	_, ok = computeVary(http.Header{"Vary": []string{"Accept", " * "}})
	assert.False(ok)
}

func TestAlternateSelection(t *testing.T) {
	assert := assert.New(t)

	vary := []string{"accept-language"}

	english := clayout.AlternateV1Struct{Vary: vary, RequestAttrs: requestAttrs(vary, http.Header{"Accept-Language": []string{"en"}})}
	french := clayout.AlternateV1Struct{Vary: vary, RequestAttrs: requestAttrs(vary, http.Header{"Accept-Language": []string{"fr"}})}
	unvaried := clayout.AlternateV1Struct{}

	assert.True(alternateMatches(&english, http.Header{"Accept-Language": []string{"en"}}))
	assert.False(alternateMatches(&english, http.Header{"Accept-Language": []string{"fr"}}))
	assert.False(alternateMatches(&english, http.Header{}))
	assert.True(alternateMatches(&unvaried, http.Header{"Accept-Language": []string{"de"}}))

	assert.False(sameNegotiation(&english, &french))
	assert.False(sameNegotiation(&english, &unvaried))
	assert.True(sameNegotiation(&english, &clayout.AlternateV1Struct{Vary: vary, RequestAttrs: map[string]string{"accept-language": "en"}}))

	english.ObjectSize = 1
	french.ObjectSize = 2

	merged := mergeAlternate(nil, english, 2)
	merged = mergeAlternate(merged, french, 2)
	assert.Len(merged, 2)

	// Replacing keeps the newest last
	englishAgain := english
	englishAgain.ObjectSize = 3
	merged = mergeAlternate(merged, englishAgain, 2)
	if assert.Len(merged, 2) {
		assert.Equal(uint64(2), merged[0].ObjectSize)
		assert.Equal(uint64(3), merged[1].ObjectSize)
	}

	// Eviction drops the oldest
	merged = mergeAlternate(merged, unvaried, 2)
	if assert.Len(merged, 2) {
		assert.Equal(uint64(3), merged[0].ObjectSize)
		assert.Equal(uint64(0), merged[1].ObjectSize)
	}

	vector := &vectorStruct{url: "http://example.com/", alternates: merged}

	alternate, err := vector.findAlternate(http.Header{"Accept-Language": []string{"en"}})
	if assert.NoError(err) {
		assert.Equal(uint64(0), alternate.ObjectSize)
	}

	vector.alternates = merged[:1]
	_, err = vector.findAlternate(http.Header{"Accept-Language": []string{"fr"}})
	assert.True(blunder.Is(err, blunder.NotFoundError))
}

func TestFragmentKey(t *testing.T) {
	objectKey := cachekey.FromURL("http://example.com/object")

	assert.Equal(t, objectKey, fragmentKey(objectKey, 0))
	assert.Equal(t, objectKey.Next().Next(), fragmentKey(objectKey, 2))
	assert.NotEqual(t, fragmentKey(objectKey, 1), fragmentKey(objectKey, 2))
}
