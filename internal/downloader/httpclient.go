package downloader

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"rangeproxy/internal/config"
)

// newHTTPClient builds a client tuned for short, redirect-free origin
// requests: HEAD probes and ranged chunk GETs. Redirects are never followed
// automatically — callers that care inspect the 3xx response themselves,
// since the range downloader must resolve redirects once at probe time and
// treat any 3xx seen afterward as an error (spec's chunk-fetch rule).
func newHTTPClient(cfg *config.Config, dialTimeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// userAgent returns the configured User-Agent, or a sensible default.
func userAgent(cfg *config.Config) string {
	if cfg != nil && cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}
	return fmt.Sprintf("rangeproxy (%s/%s)", runtime.GOOS, runtime.GOARCH)
}
