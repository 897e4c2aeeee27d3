package downloader

import (
	stdhttp "net/http"
	"strconv"
	"strings"
	"time"
)

// parseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP-date, returning 0 if it cannot be interpreted.
func parseRetryAfter(raw string) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(stdhttp.TimeFormat, s); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// friendlyStatusMessage renders a short explanation for statuses a chunk
// fetch or HEAD probe commonly hits against an origin, without inventing
// vendor-specific guidance the proxy has no way to know is correct.
func friendlyStatusMessage(statusCode int, status string) string {
	switch statusCode {
	case 429:
		return "429 Too Many Requests: origin is rate limiting"
	case 401:
		return "401 Unauthorized: origin rejected the forwarded credentials"
	case 403:
		return "403 Forbidden: origin denied the request"
	case 404:
		return "404 Not Found"
	default:
		return status
	}
}
