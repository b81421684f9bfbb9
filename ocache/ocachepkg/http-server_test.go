// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServeHTTP(method string, target string) (recorder *httptest.ResponseRecorder) {
	recorder = httptest.NewRecorder()
	globals.ServeHTTP(recorder, httptest.NewRequest(method, target, nil))
	return
}

func TestHTTPHandlers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	require.NoError(testWrite("http://example.com/over/http", nil, nil, []byte("served")))

	recorder := testServeHTTP(http.MethodGet, "/config")
	require.Equal(http.StatusOK, recorder.Code)
	assert.Equal("application/json", recorder.Header().Get("Content-Type"))

	config := configStruct{}
	require.NoError(json.Unmarshal(recorder.Body.Bytes(), &config))
	assert.Equal(uint32(2), config.StripeCount)
	assert.Equal(uint64(4096), config.MaxFragmentSize)

	recorder = testServeHTTP(http.MethodGet, "/stripes/")
	require.Equal(http.StatusOK, recorder.Code)

	stripeReports := []StripeReport{}
	require.NoError(json.Unmarshal(recorder.Body.Bytes(), &stripeReports))
	require.Len(stripeReports, 2)
	assert.Equal(uint64(2), stripeReports[0].LiveEntries+stripeReports[1].LiveEntries)

	recorder = testServeHTTP(http.MethodGet, "/metrics")
	require.Equal(http.StatusOK, recorder.Code)
	assert.Contains(recorder.Body.String(), "ocache_written_bytes_total")
	assert.Contains(recorder.Body.String(), "ocache_dir_entries")

	recorder = testServeHTTP(http.MethodGet, "/nowhere")
	assert.Equal(http.StatusNotFound, recorder.Code)

	recorder = testServeHTTP(http.MethodPut, "/config")
	assert.Equal(http.StatusMethodNotAllowed, recorder.Code)

	recorder = testServeHTTP(http.MethodPost, "/sync")
	assert.Equal(http.StatusNoContent, recorder.Code)
	assert.Equal(uint64(2), Inspect()[0].SyncSerial)

	recorder = testServeHTTP(http.MethodPost, "/check")
	require.Equal(http.StatusOK, recorder.Code)
	assert.JSONEq(`{"Truncated":0,"Leaked":0}`, recorder.Body.String())

	recorder = testServeHTTP(http.MethodPost, "/clear-degraded")
	assert.Equal(http.StatusNoContent, recorder.Code)

	recorder = testServeHTTP(http.MethodDelete, "/object")
	assert.Equal(http.StatusBadRequest, recorder.Code)

	recorder = testServeHTTP(http.MethodDelete, "/object?url=http%3A%2F%2Fexample.com%2Fover%2Fhttp")
	assert.Equal(http.StatusNoContent, recorder.Code)

	recorder = testServeHTTP(http.MethodDelete, "/object?url=http%3A%2F%2Fexample.com%2Fover%2Fhttp")
	assert.Equal(http.StatusNotFound, recorder.Code)
}

func TestHTTPServer(t *testing.T) {
	confMap := testSetup(t, []string{
		"OCache.HTTPServerIPAddr=127.0.0.1",
		"OCache.HTTPServerPort=53617",
	})
	defer testTeardown(t, confMap)

	response, err := http.Get("http://127.0.0.1:53617/stripes")
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, http.StatusOK, response.StatusCode)

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "\"StripeLen\"")
}
