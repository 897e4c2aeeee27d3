package downloader

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rangeproxy/internal/config"
	"rangeproxy/internal/httpcodec"
)

// ProbeResult is the outcome of the synchronous HEAD the connection state
// machine issues before deciding whether to intercept a GET.
type ProbeResult struct {
	Status        int
	Reason        string
	ContentLength int64 // -1 if absent
	FullLength    int64 // from Content-Range total, or == ContentLength
	AcceptRanges  bool
	Headers       *httpcodec.Headers
}

// Head issues a HEAD request against rawURL with the client's own headers
// forwarded verbatim, a 10s timeout, and no redirect following, per
// spec.md §4.4. A 3xx or network failure both surface as an error so the
// caller can degrade to Pass.
func Head(ctx context.Context, cfg *config.Config, rawURL string, clientHeaders *httpcodec.Headers) (ProbeResult, error) {
	timeout := time.Duration(cfg.Network.HeadTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cl := newHTTPClient(cfg, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	req.Header.Set("User-Agent", userAgent(cfg))
	if clientHeaders != nil {
		clientHeaders.Each(func(name, value string) {
			if strings.EqualFold(name, "Host") {
				return
			}
			req.Header.Set(name, value)
		})
	}

	resp, err := cl.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 3 {
		return ProbeResult{}, fmt.Errorf("HEAD %s returned redirect status %d", rawURL, resp.StatusCode)
	}

	result := ProbeResult{
		Status:        resp.StatusCode,
		Reason:        strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "),
		ContentLength: -1,
		Headers:       httpcodec.NewHeaders(),
	}
	for name, values := range resp.Header {
		for _, v := range values {
			result.Headers.Set(name, v)
		}
	}
	if clh := resp.Header.Get("Content-Length"); clh != "" {
		if n, err := strconv.ParseInt(clh, 10, 64); err == nil && n >= 0 {
			result.ContentLength = n
		}
	}
	result.FullLength = result.ContentLength
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if total, ok := httpcodec.ParseContentRangeTotal(cr); ok {
			result.FullLength = total
		}
	}
	result.AcceptRanges = strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
	return result, nil
}
