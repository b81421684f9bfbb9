// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
)

// vectorStruct is the in-memory form of a URL's alternate vector. While
// writer is non-nil, no other write of the URL may begin.
type vectorStruct struct {
	urlKey     cachekey.Key                // key into stripeStruct.urlIndex
	url        string                      //
	dirEntry   clayout.DirEntryV1Struct    // Entry of the vector document (empty if not yet committed)
	alternates []clayout.AlternateV1Struct // Oldest first
	writer     *writeVCStruct              //
}

// computeVary returns the lower-cased request header names the Vary header of
// responseHeader lists. A Vary of "*" yields ok == false.
func computeVary(responseHeader http.Header) (vary []string, ok bool) {
	seen := make(map[string]struct{})

	for _, varyValue := range responseHeader.Values("Vary") {
		for _, name := range strings.Split(varyValue, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if "" == name {
				continue
			}
			if "*" == name {
				return
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				vary = append(vary, name)
			}
		}
	}

	sort.Strings(vary)

	ok = true
	return
}

// requestAttrs captures the values (comma joined) of the request headers named by vary.
func requestAttrs(vary []string, requestHeader http.Header) (attrs map[string]string) {
	attrs = make(map[string]string, len(vary))
	for _, name := range vary {
		attrs[name] = strings.Join(requestHeader.Values(name), ",")
	}
	return
}

// alternateMatches reports whether requestHeader carries exactly the values
// alternate was stored under for every header named by its Vary.
func alternateMatches(alternate *clayout.AlternateV1Struct, requestHeader http.Header) bool {
	for _, name := range alternate.Vary {
		if strings.Join(requestHeader.Values(name), ",") != alternate.RequestAttrs[name] {
			return false
		}
	}
	return true
}

// sameNegotiation reports whether two alternates would be selected by the same requests.
func sameNegotiation(alternate1 *clayout.AlternateV1Struct, alternate2 *clayout.AlternateV1Struct) bool {
	if len(alternate1.Vary) != len(alternate2.Vary) {
		return false
	}
	for i, name := range alternate1.Vary {
		if (alternate2.Vary[i] != name) || (alternate1.RequestAttrs[name] != alternate2.RequestAttrs[name]) {
			return false
		}
	}
	return true
}

// findAlternate returns the most recently committed alternate matching requestHeader.
func (vector *vectorStruct) findAlternate(requestHeader http.Header) (alternate *clayout.AlternateV1Struct, err error) {
	for i := len(vector.alternates) - 1; i >= 0; i-- {
		if alternateMatches(&vector.alternates[i], requestHeader) {
			alternate = &vector.alternates[i]
			return
		}
	}

	err = blunder.NewError(blunder.NotFoundError, "no alternate of %s matches request", vector.url)
	return
}

// mergeAlternate returns the alternate list resulting from committing
// newAlternate: an alternate with identical negotiation is replaced, otherwise
// newAlternate is appended and the oldest alternates beyond maxAlternates evicted.
func mergeAlternate(alternates []clayout.AlternateV1Struct, newAlternate clayout.AlternateV1Struct, maxAlternates int) (merged []clayout.AlternateV1Struct) {
	merged = make([]clayout.AlternateV1Struct, 0, len(alternates)+1)

	for i := range alternates {
		if !sameNegotiation(&alternates[i], &newAlternate) {
			merged = append(merged, alternates[i])
		}
	}

	merged = append(merged, newAlternate)

	if len(merged) > maxAlternates {
		merged = merged[len(merged)-maxAlternates:]
	}

	return
}

func toAlternate(url string, alternate *clayout.AlternateV1Struct) (result *Alternate) {
	result = &Alternate{
		URL:            url,
		Vary:           append([]string(nil), alternate.Vary...),
		RequestAttrs:   make(map[string]string, len(alternate.RequestAttrs)),
		ResponseHeader: alternate.ResponseHeader.Clone(),
		ObjectSize:     alternate.ObjectSize,
		WriteTime:      time.Unix(0, alternate.WriteTimeNano),
	}

	for name, value := range alternate.RequestAttrs {
		result.RequestAttrs[name] = value
	}

	if nil == result.ResponseHeader {
		result.ResponseHeader = make(http.Header)
	}

	return
}

// fragmentKey returns the key of fragment fragmentIndex of the body named by objectKey.
func fragmentKey(objectKey cachekey.Key, fragmentIndex uint32) (key cachekey.Key) {
	key = objectKey
	for i := uint32(0); i < fragmentIndex; i++ {
		key = key.Next()
	}
	return
}

func (stripe *stripeStruct) getVector(stripeLock *stripeLockStruct, urlKey cachekey.Key) (vector *vectorStruct) {
	stripe.assertLocked(stripeLock)

	value, ok, err := stripe.urlIndex.GetByKey(urlKey)
	if nil != err {
		logger.Fatalf("stripe[%d] urlIndex.GetByKey() failed: %v", stripe.index, err)
	}
	if ok {
		vector = value.(*vectorStruct)
	}

	return
}

func (stripe *stripeStruct) putVector(stripeLock *stripeLockStruct, vector *vectorStruct) {
	stripe.assertLocked(stripeLock)

	ok, err := stripe.urlIndex.PatchByKey(vector.urlKey, vector)
	if nil != err {
		logger.Fatalf("stripe[%d] urlIndex.PatchByKey() failed: %v", stripe.index, err)
	}
	if !ok {
		_, err = stripe.urlIndex.Put(vector.urlKey, vector)
		if nil != err {
			logger.Fatalf("stripe[%d] urlIndex.Put() failed: %v", stripe.index, err)
		}
	}
}

func (stripe *stripeStruct) deleteVector(stripeLock *stripeLockStruct, urlKey cachekey.Key) {
	stripe.assertLocked(stripeLock)

	_, err := stripe.urlIndex.DeleteByKey(urlKey)
	if nil != err {
		logger.Fatalf("stripe[%d] urlIndex.DeleteByKey() failed: %v", stripe.index, err)
	}
}

// beginWrite takes vector's per-URL write lock on behalf of writeVC.
func (vector *vectorStruct) beginWrite(stripeLock *stripeLockStruct, writeVC *writeVCStruct) (err error) {
	if nil != vector.writer {
		err = blunder.NewError(blunder.BusyError, "%s is being written", vector.url)
		return
	}

	vector.writer = writeVC

	return
}

// endWrite drops vector's write lock, discarding vector from the index if it
// never became visible.
func (stripe *stripeStruct) endWrite(stripeLock *stripeLockStruct, vector *vectorStruct, writeVC *writeVCStruct) {
	stripe.assertLocked(stripeLock)

	if writeVC != vector.writer {
		return
	}

	vector.writer = nil

	if vector.dirEntry.IsEmpty() && (0 == len(vector.alternates)) {
		if stripe.getVector(stripeLock, vector.urlKey) == vector {
			stripe.deleteVector(stripeLock, vector.urlKey)
		}
	}
}

// removeBody unlinks the directory entries of every fragment of alternate.
func (stripe *stripeStruct) removeBody(stripeLock *stripeLockStruct, alternate *clayout.AlternateV1Struct) (removed int) {
	var (
		expected clayout.DirEntryV1Struct
		length   uint64
	)

	key := cachekey.FromDiskBytes(alternate.ObjectKey)
	remaining := alternate.ObjectSize

	for fragmentIndex := uint32(0); fragmentIndex < alternate.FragmentCount; fragmentIndex++ {
		length = alternate.FragmentSize
		if length > remaining {
			length = remaining
		}
		remaining -= length

		// Narrow tag matches to entries of the expected size class
		_ = expected.SetApproxSize(clayout.DocLen(length))
		expectedSize := expected.ApproxSize()

		removed += stripe.removeKey(stripeLock, key, func(candidate *clayout.DirEntryV1Struct) bool {
			return !candidate.Head() && (candidate.ApproxSize() == expectedSize)
		})

		key = key.Next()
	}

	return
}
