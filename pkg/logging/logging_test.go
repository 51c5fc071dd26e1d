// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestInitSlogFormats(t *testing.T) {
	for _, format := range LogFormats {
		require.NoError(t, InitSlog("INFO", format), format)
	}
	require.Error(t, InitSlog("INFO", "yaml"))
	require.Error(t, InitSlog("LOUD", LogText))
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, InitSlog("INFO", LogDiscard))
	require.NoError(t, SetLogLevel("DEBUG"))
	require.Equal(t, "DEBUG", LogLevel())
	require.NoError(t, SetLogLevel("warn"))
	require.Equal(t, "WARN", LogLevel())
	require.Error(t, SetLogLevel("LOUD"))
}

func TestLogLevelEndpoints(t *testing.T) {
	require.NoError(t, InitSlog("INFO", LogDiscard))
	r := chi.NewRouter()
	for _, route := range LogRoutes {
		r.MethodFunc(route.Method, route.Path, route.Handler)
	}
	server := httptest.NewServer(r)
	defer server.Close()

	resp, err := http.Get(server.URL + "/loglevel")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "INFO\n", string(body))

	form := fmt.Sprintf("--ZZZ\r\nContent-Disposition: form-data; name=\"level\"\r\n\r\n%s\r\n--ZZZ--\r\n", "debug")
	req, err := http.NewRequest("POST", server.URL+"/loglevel", strings.NewReader(form))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=ZZZ")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DEBUG", LogLevel())
}
