// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cachekey defines the 128-bit content key used to address cached
// documents.
//
// A URL's key is the CityHash128 of its canonical form. An alternate's object
// key is random. The keys of an object's second and later fragments are derived
// by repeatedly applying Next() to the object key.
package cachekey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/creachadair/cityhash"
	"github.com/google/uuid"
)

// Key is a 128-bit cache key. The zero Key is never produced by FromURL or New.
type Key struct {
	Lo uint64
	Hi uint64
}

// FromBytes hashes b into a Key.
func FromBytes(b []byte) (key Key) {
	key.Lo, key.Hi = cityhash.Hash128(b)
	if key.IsZero() {
		key.Lo = 1
	}
	return
}

// FromURL returns the key of the canonical form of rawURL.
func FromURL(rawURL string) Key {
	return FromBytes([]byte(Canonicalize(rawURL)))
}

// New returns a random Key suitable for naming an alternate's body.
func New() (key Key) {
	u := uuid.New()
	key.Lo = binary.LittleEndian.Uint64(u[0:8])
	key.Hi = binary.LittleEndian.Uint64(u[8:16])
	return
}

// Canonicalize lower-cases the scheme and host, drops default ports and the
// fragment, and supplies "/" for an empty path. Unparseable input is returned
// unchanged.
func Canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if (nil != err) || ("" == u.Scheme) || ("" == u.Host) {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if ((u.Scheme == "http") && (port == "80")) || ((u.Scheme == "https") && (port == "443")) {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if "" == port {
		u.Host = host
	} else {
		u.Host = host + ":" + port
	}
	u.Fragment = ""
	u.RawFragment = ""
	if ("" == u.Path) && ("" == u.RawPath) {
		u.Path = "/"
	}

	return u.String()
}

// Next returns the key of the fragment following the one named by key.
func (key Key) Next() Key {
	var buf [16]byte
	key.PutBytes(buf[:])
	return FromBytes(buf[:])
}

// Slice32 returns the i'th (0..3) 32-bit word of key.
func (key Key) Slice32(i int) uint32 {
	switch i {
	case 0:
		return uint32(key.Lo)
	case 1:
		return uint32(key.Lo >> 32)
	case 2:
		return uint32(key.Hi)
	case 3:
		return uint32(key.Hi >> 32)
	default:
		panic(fmt.Sprintf("cachekey.Slice32(%d) out of range", i))
	}
}

func (key Key) IsZero() bool {
	return (0 == key.Lo) && (0 == key.Hi)
}

// Compare returns -1, 0, or 1 ordering key against other (Hi then Lo).
func (key Key) Compare(other Key) int {
	switch {
	case key.Hi < other.Hi:
		return -1
	case key.Hi > other.Hi:
		return 1
	case key.Lo < other.Lo:
		return -1
	case key.Lo > other.Lo:
		return 1
	default:
		return 0
	}
}

// PutBytes stores key little-endian into buf[0:16].
func (key Key) PutBytes(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], key.Lo)
	binary.LittleEndian.PutUint64(buf[8:16], key.Hi)
}

// Bytes returns key in the little-endian form used on disk.
func (key Key) Bytes() (buf [16]byte) {
	key.PutBytes(buf[:])
	return
}

// FromDiskBytes is the inverse of Bytes.
func FromDiskBytes(buf [16]byte) (key Key) {
	key.Lo = binary.LittleEndian.Uint64(buf[0:8])
	key.Hi = binary.LittleEndian.Uint64(buf[8:16])
	return
}

// String renders key as 32 hex digits (Hi then Lo).
func (key Key) String() string {
	return fmt.Sprintf("%016x%016x", key.Hi, key.Lo)
}

// Parse is the inverse of String.
func Parse(s string) (key Key, err error) {
	if 32 != len(s) {
		err = fmt.Errorf("cachekey.Parse(%q): expected 32 hex digits", s)
		return
	}
	raw, err := hex.DecodeString(s)
	if nil != err {
		return
	}
	key.Hi = binary.BigEndian.Uint64(raw[0:8])
	key.Lo = binary.BigEndian.Uint64(raw[8:16])
	return
}
