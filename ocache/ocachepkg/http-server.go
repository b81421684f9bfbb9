// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/logger"
)

func startHTTPServer() (err error) {
	var (
		ipAddrTCPPort string
		listener      net.Listener
	)

	if 0 == globals.config.HTTPServerPort {
		return
	}

	ipAddrTCPPort = net.JoinHostPort(globals.config.HTTPServerIPAddr, strconv.Itoa(int(globals.config.HTTPServerPort)))

	listener, err = net.Listen("tcp", ipAddrTCPPort)
	if nil != err {
		return
	}

	globals.httpServer = &http.Server{
		Addr:    ipAddrTCPPort,
		Handler: &globals,
	}

	globals.httpServerWG.Add(1)

	go func() {
		var (
			err error
		)

		err = globals.httpServer.Serve(listener)
		if http.ErrServerClosed != err {
			logger.Fatalf("httpServer.Serve() exited unexpectedly: %v", err)
		}

		globals.httpServerWG.Done()
	}()

	return
}

func stopHTTPServer() (err error) {
	if nil == globals.httpServer {
		return
	}

	err = globals.httpServer.Shutdown(context.TODO())
	if nil == err {
		globals.httpServerWG.Wait()
	}

	globals.httpServer = nil

	return
}

func (dummy *globalsStruct) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodDelete:
		serveHTTPDelete(responseWriter, request)
	case http.MethodGet:
		serveHTTPGet(responseWriter, request)
	case http.MethodPost:
		serveHTTPPost(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func serveHTTPDelete(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		path string
	)

	path = strings.TrimRight(request.URL.Path, "/")

	switch {
	case "/object" == path:
		serveHTTPDeleteOfObject(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

// serveHTTPDeleteOfObject removes the URL given by the "url" query parameter.
func serveHTTPDeleteOfObject(responseWriter http.ResponseWriter, request *http.Request) {
	url := request.URL.Query().Get("url")
	if "" == url {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	err := RemoveObject(url)

	switch {
	case nil == err:
		responseWriter.WriteHeader(http.StatusNoContent)
	case blunder.Is(err, blunder.NotFoundError):
		responseWriter.WriteHeader(http.StatusNotFound)
	case blunder.Is(err, blunder.BusyError):
		responseWriter.WriteHeader(http.StatusConflict)
	default:
		responseWriter.WriteHeader(http.StatusInternalServerError)
	}
}

func serveHTTPGet(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		path string
	)

	path = strings.TrimRight(request.URL.Path, "/")

	switch {
	case "/config" == path:
		serveHTTPGetOfConfig(responseWriter, request)
	case "/metrics" == path:
		promhttp.HandlerFor(globals.stats.registry, promhttp.HandlerOpts{}).ServeHTTP(responseWriter, request)
	case "/stripes" == path:
		serveHTTPGetOfStripes(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func serveHTTPGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		confMapJSON []byte
		err         error
	)

	confMapJSON, err = json.Marshal(globals.config)
	if nil != err {
		logger.Fatalf("json.Marshal(globals.config) failed: %v", err)
	}

	serveJSON(responseWriter, confMapJSON)
}

func serveHTTPGetOfStripes(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		err             error
		stripesJSON     []byte
		stripeReportSet []StripeReport
	)

	stripeReportSet = Inspect()

	stripesJSON, err = json.Marshal(stripeReportSet)
	if nil != err {
		logger.Fatalf("json.Marshal(stripeReportSet) failed: %v", err)
	}

	serveJSON(responseWriter, stripesJSON)
}

func serveJSON(responseWriter http.ResponseWriter, body []byte) {
	responseWriter.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(http.StatusOK)

	_, err := responseWriter.Write(body)
	if nil != err {
		logger.Warnf("responseWriter.Write(body) failed: %v", err)
	}
}

func serveHTTPPost(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		err  error
		path string
	)

	path = strings.TrimRight(request.URL.Path, "/")

	switch {
	case "/sync" == path:
		err = SyncDirectories()
		if nil == err {
			responseWriter.WriteHeader(http.StatusNoContent)
		} else {
			responseWriter.WriteHeader(http.StatusInternalServerError)
		}
	case "/check" == path:
		truncated, leaked := CheckDirectories()
		serveJSON(responseWriter, []byte(fmt.Sprintf("{\"Truncated\":%d,\"Leaked\":%d}", truncated, leaked)))
	case "/clear-degraded" == path:
		ClearDegraded()
		responseWriter.WriteHeader(http.StatusNoContent)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}
