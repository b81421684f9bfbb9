// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/halter"
	"github.com/NVIDIA/ocache/transitions"
)

func TestDirCopies(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]
	layout := stripe.layout
	volumeUUID := globals.volumeUUID

	// Formatting wrote serial 1 to copy 1
	dirCopy, err := stripe.newestDirCopy(&volumeUUID)
	require.NoError(err)
	require.NotNil(dirCopy)
	assert.Equal(1, dirCopy.copyIndex)
	assert.Equal(uint64(1), dirCopy.header.SyncSerial)

	require.NoError(SyncDirectories())

	dirCopy, err = stripe.newestDirCopy(&volumeUUID)
	require.NoError(err)
	require.NotNil(dirCopy)
	assert.Equal(0, dirCopy.copyIndex)
	assert.Equal(uint64(2), dirCopy.header.SyncSerial)
	assert.Equal(uint32(1), dirCopy.header.Phase)

	otherUUID := uuid.New()
	dirCopy, err = stripe.newestDirCopy(&otherUUID)
	require.NoError(err)
	assert.Nil(dirCopy)

	// A copy whose footer never made it to disk is ignored
	require.NoError(globals.device.WriteAt(make([]byte, clayout.HeaderSlotSize), stripe.base+layout.DirCopyOffset(0)+layout.FooterOffset()))

	dirCopy, err = stripe.newestDirCopy(&volumeUUID)
	require.NoError(err)
	require.NotNil(dirCopy)
	assert.Equal(1, dirCopy.copyIndex)
	assert.Equal(uint64(1), dirCopy.header.SyncSerial)
}

func TestSignalSyncs(t *testing.T) {
	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	serialBefore := Inspect()[1].SyncSerial

	require.NoError(t, Signal(confMap))

	assert.Equal(t, serialBefore+1, Inspect()[1].SyncSerial)
}

func TestDirSyncDaemon(t *testing.T) {
	confMap := testSetup(t, []string{
		"OCache.DirSyncInterval=10ms",
		"OCache.DirSyncRateLimit=64MiB",
	})
	defer testTeardown(t, confMap)

	assert.Eventually(t, func() bool {
		return Inspect()[0].SyncSerial >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDirSyncFailure(t *testing.T) {
	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	halter.ArmError("ocachepkg.DirSync", 1)
	err := SyncDirectories()
	halter.Disarm("ocachepkg.DirSync")

	assert.True(t, blunder.Is(err, blunder.StorageIOError))
	assert.True(t, Inspect()[0].Degraded)
	assert.Equal(t, uint64(1), Inspect()[0].SyncSerial)

	ClearDegraded()

	assert.NoError(t, SyncDirectories())
	assert.False(t, Inspect()[0].Degraded)
}

func TestRestart(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	volumeConf := []string{"OCache.VolumePath=" + filepath.Join(t.TempDir(), "volume")}

	url := "http://example.com/survivor"
	body := testBody(9000, "survivor")

	confMap := testSetup(t, volumeConf)

	require.NoError(testWrite(url, nil, testResponseHeader("Content-Type", "text/html"), body))
	volumeUUID := globals.volumeUUID

	testTeardown(t, confMap)

	confMap = testSetup(t, volumeConf)
	defer testTeardown(t, confMap)

	assert.Equal(volumeUUID, globals.volumeUUID)
	assert.Equal(0, Inspect()[stripeForKey(cachekey.FromURL(url)).index].CachedVectors)

	readBody, alternate, err := testRead(url, nil)
	require.NoError(err)
	assert.Equal(body, readBody)
	assert.Equal("text/html", alternate.ResponseHeader.Get("Content-Type"))

	// Now cached again
	assert.Equal(1, Inspect()[stripeForKey(cachekey.FromURL(url)).index].CachedVectors)
}

func TestRecoverUnsyncedWrites(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	volumeConf := []string{"OCache.VolumePath=" + filepath.Join(t.TempDir(), "volume")}

	urlSynced := "http://example.com/synced"
	urlUnsynced := "http://example.com/unsynced"
	body := testBody(9000, "crash")

	confMap := testSetup(t, volumeConf)

	require.NoError(testWrite(urlSynced, nil, nil, body))
	require.NoError(SyncDirectories())
	require.NoError(testWrite(urlUnsynced, nil, nil, body))

	stripeIndex := stripeForKey(cachekey.FromURL(urlUnsynced)).index
	reportBefore := Inspect()[stripeIndex]

	// The final sync of Down() never reaches the volume
	halter.ArmError("ocachepkg.DirSync", 1)
	testTeardown(t, confMap)

	confMap = testSetup(t, volumeConf)
	defer testTeardown(t, confMap)

	reportAfter := Inspect()[stripeIndex]

	// The cursor moved past everything written since the last sync
	assert.Equal(reportBefore.WritePos, reportAfter.WritePos)
	assert.Equal(reportBefore.WriteWraps, reportAfter.WriteWraps)
	assert.Equal(reportBefore.SyncSerial+1, reportAfter.SyncSerial)
	assert.False(reportAfter.Degraded)

	readBody, _, err := testRead(urlSynced, nil)
	require.NoError(err)
	assert.Equal(body, readBody)

	_, _, err = testRead(urlUnsynced, nil)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	truncated, leaked := CheckDirectories()
	assert.Equal(0, truncated)
	assert.Equal(0, leaked)
}

func TestReformat(t *testing.T) {
	volumeConf := []string{"OCache.VolumePath=" + filepath.Join(t.TempDir(), "volume")}

	confMap := testSetup(t, volumeConf)
	require.NoError(t, testWrite("http://example.com/gone", nil, nil, []byte("soon gone")))
	volumeUUID := globals.volumeUUID
	testTeardown(t, confMap)

	confMap = testSetup(t, append(volumeConf, "OCache.Reformat=true"))
	defer testTeardown(t, confMap)

	assert.NotEqual(t, volumeUUID, globals.volumeUUID)

	_, _, err := testRead("http://example.com/gone", nil)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
}

func TestVolumeUUID(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	volumeConf := []string{"OCache.VolumePath=" + filepath.Join(t.TempDir(), "volume")}
	volumeUUID := uuid.New()

	confMap := testSetup(t, append(volumeConf, "OCache.VolumeUUID="+volumeUUID.String()))
	assert.Equal(volumeUUID, globals.volumeUUID)
	require.NoError(testWrite("http://example.com/kept", nil, nil, []byte("kept")))
	testTeardown(t, confMap)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"OCache.VolumeSize=8MiB",
		"OCache.StripeCount=2",
		"OCache.AverageObjectSize=8KiB",
		"OCache.MaxFragmentSize=4KiB",
		"OCache.DirSyncInterval=0s",
		volumeConf[0],
		"OCache.VolumeUUID=" + uuid.New().String(),
	})
	require.NoError(err)
	err = transitions.Up(confMap)
	require.Error(err)
	assert.Contains(err.Error(), "VolumeUUID")

	// Refused, not reformatted
	confMap = testSetup(t, append(volumeConf, "OCache.VolumeUUID="+volumeUUID.String()))
	defer testTeardown(t, confMap)

	readBody, _, err := testRead("http://example.com/kept", nil)
	require.NoError(err)
	assert.Equal([]byte("kept"), readBody)

	_, err = parseConfMap(conf.ConfMap{"OCache": {"VolumeSize": {"8MiB"}, "VolumeUUID": {"not-a-uuid"}}})
	assert.Error(err)
}

func TestRingWrap(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	const (
		objects    = 120
		objectSize = 100000
	)

	confMap := testSetup(t, []string{
		"OCache.StripeCount=1",
		"OCache.MaxFragmentSize=64KiB",
	})
	defer testTeardown(t, confMap)

	for i := 0; i < objects; i++ {
		require.NoError(testWrite(fmt.Sprintf("http://example.com/wrap/%d", i), nil, nil, testBody(objectSize, fmt.Sprint(i))))
	}

	assert.True(Inspect()[0].WriteWraps >= 1)

	_, _, err := testRead("http://example.com/wrap/0", nil)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	for i := 0; i < objects; i++ {
		readBody, _, err := testRead(fmt.Sprintf("http://example.com/wrap/%d", i), nil)
		if nil == err {
			assert.Equal(testBody(objectSize, fmt.Sprint(i)), readBody)
		} else {
			assert.True(blunder.Is(err, blunder.NotFoundError) || blunder.Is(err, blunder.ReadFailedError), "object %d: %v", i, err)
		}
	}

	readBody, _, err := testRead(fmt.Sprintf("http://example.com/wrap/%d", objects-1), nil)
	require.NoError(err)
	assert.Equal(testBody(objectSize, fmt.Sprint(objects-1)), readBody)

	truncated, leaked := CheckDirectories()
	assert.Equal(0, truncated)
	assert.Equal(0, leaked)
}
