// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ocachepkg is the object cache storage engine of an HTTP caching proxy.
//
// Responses are stored on a volume divided into stripes. Each stripe holds a
// hash directory mapping 128-bit keys to documents in a circular data ring.
// A URL's documents are its alternate vector (listing every cached variant of
// the URL) and the fragments of each alternate's body.
//
// Reads and writes are driven by virtual connections (VCs) that run on a pool
// of event threads. Callers receive progress as Events delivered to the
// callback supplied at open time. Each callback runs on the VC's event thread
// and must not block.
package ocachepkg

import (
	"io"
	"net/http"
	"time"

	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/transitions"
)

// Event is delivered to the callback of an OpenRead(), OpenWrite(), or Remove().
type Event uint32

const (
	CacheEventOpenRead        Event = iota + 1 // ReadVC ready for DoIORead()
	CacheEventOpenReadFailed                   // vc.Err() explains why (e.g. blunder.NotFoundError)
	CacheEventOpenWrite                        // WriteVC ready for DoIOWrite()
	CacheEventOpenWriteFailed                  // vc.Err() explains why (e.g. blunder.BusyError)
	CacheEventRemove                           //
	CacheEventRemoveFailed                     //
	VCEventReadReady                           // A fragment was written to the sink... call Reenable() for the next
	VCEventReadComplete                        // The last fragment was written to the sink
	VCEventReadFailed                          // vc.Err() is a blunder.ReadFailedError
	VCEventWriteReady                          // A fragment is durable... call Reenable() for the next
	VCEventWriteComplete                       // The alternate is committed and visible to readers
	VCEventWriteFailed                         // The write was aborted... vc.Err() explains why
)

var eventStrings = []string{
	"Unknown",
	"CacheEventOpenRead",
	"CacheEventOpenReadFailed",
	"CacheEventOpenWrite",
	"CacheEventOpenWriteFailed",
	"CacheEventRemove",
	"CacheEventRemoveFailed",
	"VCEventReadReady",
	"VCEventReadComplete",
	"VCEventReadFailed",
	"VCEventWriteReady",
	"VCEventWriteComplete",
	"VCEventWriteFailed",
}

func (event Event) String() string {
	if int(event) < len(eventStrings) {
		return eventStrings[event]
	}
	return eventStrings[0]
}

// VC is the part of the interface common to ReadVC and WriteVC.
type VC interface {
	Reenable()  // Continue after a VCEvent{Read|Write}Ready
	Close()     // Release the VC... an incomplete write is aborted
	Abort()     // Cancel the VC... no further callbacks are issued
	Err() error // Reason for a *Failed event
}

// ReadVC streams the body of one alternate.
type ReadVC interface {
	VC
	Alternate() (alternate *Alternate)
	DoIORead(sink io.Writer) // Fragments are written to sink from the VC's event thread
}

// WriteVC stores the body of a new alternate.
type WriteVC interface {
	VC
	DoIOWrite(source io.Reader, length uint64) // Exactly length bytes are read from source (off the event thread)
}

type ReadCallback func(event Event, vc ReadVC)

type WriteCallback func(event Event, vc WriteVC)

type RemoveCallback func(event Event, err error)

// Alternate describes a cached variant of a URL.
type Alternate struct {
	URL            string
	Vary           []string          // Lower-cased request header names the variant was negotiated on
	RequestAttrs   map[string]string // Values of the Vary'd request headers the variant was stored under
	ResponseHeader http.Header
	ObjectSize     uint64
	WriteTime      time.Time
}

// WriteAttributes describes the response (and the request that produced it) being stored.
type WriteAttributes struct {
	RequestHeader  http.Header
	ResponseHeader http.Header // Its Vary determines which request headers select the alternate
}

// StripeReport summarizes the state of one stripe.
type StripeReport struct {
	Index          int
	StripeLen      uint64
	Segments       uint32
	Buckets        uint32
	TotalSlots     uint64
	LiveEntries    uint64
	FreeSlots      uint64
	DataLen        uint64
	WritePos       uint64
	WriteWraps     uint64
	SyncSerial     uint64
	CachedVectors  int
	InFlightWrites int
	Degraded       bool
}

// Start brings up every registered package (including ocachepkg) per confMap.
func Start(confMap conf.ConfMap) (err error) {
	err = transitions.Up(confMap)
	return
}

// Stop flushes every stripe's directory and takes every registered package down.
func Stop(confMap conf.ConfMap) (err error) {
	err = transitions.Down(confMap)
	return
}

// Signal is called to interrupt the server for performing operations such as
// log rotation. Directories are flushed as well.
func Signal(confMap conf.ConfMap) (err error) {
	err = transitions.Signaled(confMap)
	return
}

// OpenRead looks up the alternate of url matching requestHeader. The callback
// receives CacheEventOpenRead or CacheEventOpenReadFailed.
func OpenRead(url string, requestHeader http.Header, callback ReadCallback) {
	openRead(url, requestHeader, callback)
}

// OpenWrite takes url's write lock for a new alternate. The callback receives
// CacheEventOpenWrite or CacheEventOpenWriteFailed.
func OpenWrite(url string, writeAttributes *WriteAttributes, callback WriteCallback) {
	openWrite(url, writeAttributes, callback)
}

// Remove discards every alternate of url. The callback receives
// CacheEventRemove or CacheEventRemoveFailed.
func Remove(url string, callback RemoveCallback) {
	remove(url, callback)
}

// ReadObject is a synchronous wrapper around OpenRead() and DoIORead().
func ReadObject(url string, requestHeader http.Header, sink io.Writer) (alternate *Alternate, err error) {
	alternate, err = readObject(url, requestHeader, sink)
	return
}

// WriteObject is a synchronous wrapper around OpenWrite() and DoIOWrite().
func WriteObject(url string, writeAttributes *WriteAttributes, source io.Reader, length uint64) (err error) {
	err = writeObject(url, writeAttributes, source, length)
	return
}

// RemoveObject is a synchronous wrapper around Remove().
func RemoveObject(url string) (err error) {
	err = removeObject(url)
	return
}

// ClearDegraded allows writes to resume on every stripe degraded by an I/O failure.
func ClearDegraded() {
	clearDegraded()
}

// SyncDirectories flushes every stripe's directory.
func SyncDirectories() (err error) {
	err = syncAllStripes()
	return
}

// CheckDirectories validates (and repairs) every stripe's directory returning
// the number of chains truncated and leaked entries reclaimed.
func CheckDirectories() (truncated int, leaked int) {
	truncated, leaked = checkAllStripes()
	return
}

// Inspect reports the state of every stripe.
func Inspect() (stripeReports []StripeReport) {
	stripeReports = inspect()
	return
}
