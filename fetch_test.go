// fetch_test.go: tests for the network fetcher
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pluginhost/1", r.Header.Get("User-Agent"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	fetcher, err := NewHTTPFetcher(FetchConfig{RetryMax: 2}, NewTestLogger())
	require.NoError(t, err)

	resp, err := fetcher.Open(t.Context(), srv.URL+"/artifact.hpi")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, int64(7), resp.ContentLength)
	assert.Equal(t, int64(2), hits.Load())
}

func TestHTTPFetcher_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	fetcher, err := NewHTTPFetcher(FetchConfig{UserAgent: "ci-test"}, nil)
	require.NoError(t, err)
	_, err = fetcher.Open(t.Context(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPFetcher_FileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-center.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	fetcher, err := NewHTTPFetcher(FetchConfig{}, nil)
	require.NoError(t, err)
	resp, err := fetcher.Open(t.Context(), "file://"+filepath.ToSlash(path))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int64(2), resp.ContentLength)

	_, err = fetcher.Open(t.Context(), "file:///does/not/exist")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHTTPFetcher_InvalidProxy(t *testing.T) {
	_, err := NewHTTPFetcher(FetchConfig{Proxy: ProxyConfig{URL: "http://[::1"}}, nil)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
}

func TestProxySelection(t *testing.T) {
	proxy, err := proxyFunc(ProxyConfig{URL: "http://proxy.local:3128", NoProxy: []string{".internal", "LocalHost", " "}})
	require.NoError(t, err)

	tests := []struct {
		target string
		direct bool
	}{
		{"https://updates.example.org/update-center.json", false},
		{"http://mirror.corp.internal/p.hpi", true},
		{"http://localhost:8080/p.hpi", true},
		{"http://internal/p.hpi", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			target, err := url.Parse(tt.target)
			require.NoError(t, err)
			got, err := proxy(&http.Request{URL: target})
			require.NoError(t, err)
			if tt.direct {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, "proxy.local:3128", got.Host)
			}
		})
	}

	assert.True(t, bypassProxy("anything", []string{"*"}))
	assert.False(t, bypassProxy("anything", nil))
}
