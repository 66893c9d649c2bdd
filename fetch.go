// fetch.go: Proxy-aware network fetcher used by the catalog and installer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultFetchTimeout bounds a single fetch, body included.
const DefaultFetchTimeout = 60 * time.Second

// FetchResponse is an open byte stream.
type FetchResponse struct {
	Body io.ReadCloser
	// ContentLength is -1 when the source does not report it.
	ContentLength int64
}

// Fetcher opens remote resources. Implementations must apply a bounded timeout.
type Fetcher interface {
	Open(ctx context.Context, rawURL string) (*FetchResponse, error)
}

// ProxyConfig configures an HTTP proxy.
type ProxyConfig struct {
	// URL of the proxy, e.g. "http://proxy.local:3128". Empty means the
	// HTTP_PROXY/HTTPS_PROXY/NO_PROXY environment is used.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// NoProxy lists hosts (or ".domain" suffixes) reached directly.
	NoProxy []string `json:"no_proxy,omitempty" yaml:"no_proxy,omitempty"`
}

// FetchConfig configures an HTTPFetcher.
type FetchConfig struct {
	Timeout   time.Duration
	Proxy     ProxyConfig
	RetryMax  int
	UserAgent string
}

// HTTPFetcher fetches http(s) URLs with retries and file URLs from disk.
type HTTPFetcher struct {
	client    *retryablehttp.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPFetcher builds a fetcher. Retries apply to connection errors and
// 5xx responses only.
func NewHTTPFetcher(config FetchConfig, logger Logger) (*HTTPFetcher, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultFetchTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = "pluginhost/1"
	}

	transport := cleanhttp.DefaultPooledTransport()
	proxy, err := proxyFunc(config.Proxy)
	if err != nil {
		return nil, err
	}
	transport.Proxy = proxy

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport, Timeout: config.Timeout}
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = retryablehttp.LeveledLogger(NewLogger(logger))

	return &HTTPFetcher{client: client, timeout: config.Timeout, userAgent: config.UserAgent}, nil
}

// Open implements Fetcher.
func (f *HTTPFetcher) Open(ctx context.Context, rawURL string) (*FetchResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "file" {
		return openFile(u.Path)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)
	}
	return &FetchResponse{Body: resp.Body, ContentLength: resp.ContentLength}, nil
}

func openFile(path string) (*FetchResponse, error) {
	f, err := os.Open(path) // #nosec G304 -- file URLs are configured by the administrator
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FetchResponse{Body: f, ContentLength: info.Size()}, nil
}

func proxyFunc(config ProxyConfig) (func(*http.Request) (*url.URL, error), error) {
	if config.URL == "" {
		return http.ProxyFromEnvironment, nil
	}
	proxyURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, NewConfigValidationError("invalid proxy url "+config.URL, err)
	}
	return func(req *http.Request) (*url.URL, error) {
		if bypassProxy(req.URL.Hostname(), config.NoProxy) {
			return nil, nil
		}
		return proxyURL, nil
	}, nil
}

func bypassProxy(host string, noProxy []string) bool {
	host = strings.ToLower(host)
	for _, entry := range noProxy {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case entry == "*", entry == host:
			return true
		case strings.HasPrefix(entry, ".") && strings.HasSuffix(host, entry):
			return true
		}
	}
	return false
}
