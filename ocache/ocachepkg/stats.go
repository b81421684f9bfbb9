// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type statsStruct struct {
	registry *prometheus.Registry

	Probes          *prometheus.CounterVec   // Directory probes (per stripe)
	Collisions      *prometheus.CounterVec   // Probes continued past a tag match for a different key
	ReadHits        *prometheus.CounterVec   // OpenRead()'s that found a matching alternate
	ReadMisses      *prometheus.CounterVec   // OpenRead()'s that did not
	BytesRead       *prometheus.CounterVec   // Body bytes delivered to readers
	BytesWritten    *prometheus.CounterVec   // Body bytes committed by writers
	WritesAborted   *prometheus.CounterVec   //
	BusyRejects     *prometheus.CounterVec   // OpenWrite()'s refused (or retried) due to an active writer
	DirectoryFull   *prometheus.CounterVec   // Inserts that found no free slot even after cleaning
	Evictions       *prometheus.CounterVec   // Entries evicted ahead of the ring cursor to make room
	IOErrors        *prometheus.CounterVec   // Device read/write failures
	EntriesRepaired *prometheus.CounterVec   // Chain truncations and leaked slots returned by check()
	DirEntries      *prometheus.GaugeVec     // Live directory entries
	Degraded        *prometheus.GaugeVec     // 1 if the stripe is rejecting writes
	DirSyncSeconds  *prometheus.HistogramVec // Duration of directory flushes
	AIOInFlight     prometheus.Gauge         // Device I/Os currently issued
}

func newStats() (stats *statsStruct) {
	stripeLabel := []string{"stripe"}

	stats = &statsStruct{
		registry: prometheus.NewRegistry(),

		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "probes_total", Help: "Directory probes.",
		}, stripeLabel),
		Collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "collisions_total", Help: "Directory probes continued past a colliding entry.",
		}, stripeLabel),
		ReadHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "read_hits_total", Help: "Opens for read that found a matching alternate.",
		}, stripeLabel),
		ReadMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "read_misses_total", Help: "Opens for read that found no matching alternate.",
		}, stripeLabel),
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "read_bytes_total", Help: "Body bytes delivered to readers.",
		}, stripeLabel),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "written_bytes_total", Help: "Body bytes committed by writers.",
		}, stripeLabel),
		WritesAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "writes_aborted_total", Help: "Writes aborted before commit.",
		}, stripeLabel),
		BusyRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "busy_total", Help: "Opens for write that found another writer active.",
		}, stripeLabel),
		DirectoryFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "directory_full_total", Help: "Directory inserts that found no free slot.",
		}, stripeLabel),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "dir_evictions_total", Help: "Directory entries evicted ahead of the ring cursor to make room.",
		}, stripeLabel),
		IOErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "io_errors_total", Help: "Device read and write failures.",
		}, stripeLabel),
		EntriesRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocache", Name: "entries_repaired_total", Help: "Directory chain truncations and leaked slots reclaimed.",
		}, stripeLabel),
		DirEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ocache", Name: "dir_entries", Help: "Live directory entries.",
		}, stripeLabel),
		Degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ocache", Name: "degraded", Help: "Set to 1 while a stripe rejects writes after an I/O failure.",
		}, stripeLabel),
		DirSyncSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ocache", Name: "dir_sync_seconds", Help: "Directory flush latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, stripeLabel),
		AIOInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocache", Name: "aio_in_flight", Help: "Device I/Os currently issued.",
		}),
	}

	stats.registry.MustRegister(
		stats.Probes,
		stats.Collisions,
		stats.ReadHits,
		stats.ReadMisses,
		stats.BytesRead,
		stats.BytesWritten,
		stats.WritesAborted,
		stats.BusyRejects,
		stats.DirectoryFull,
		stats.Evictions,
		stats.IOErrors,
		stats.EntriesRepaired,
		stats.DirEntries,
		stats.Degraded,
		stats.DirSyncSeconds,
		stats.AIOInFlight,
	)

	return
}

func stripeLabelValue(stripeIndex int) string {
	return strconv.Itoa(stripeIndex)
}
