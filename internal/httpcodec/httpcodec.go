// Package httpcodec parses and serializes the subset of HTTP/1.1 the
// connection state machine needs: request lines, headers, Range headers,
// and framed responses. It never transforms bodies.
package httpcodec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"rangeproxy/internal/errkind"
)

// Headers is a case-insensitive map that preserves the caller's original
// capitalization for output, as spec.md's header-parsing rule requires.
type Headers struct {
	order []string          // canonical lowercase keys, insertion order
	value map[string]string // lowercase key -> value
	disp  map[string]string // lowercase key -> original-case name
}

func NewHeaders() *Headers {
	return &Headers{value: map[string]string{}, disp: map[string]string{}}
}

func (h *Headers) Set(name, value string) {
	key := strings.ToLower(name)
	if _, exists := h.value[key]; !exists {
		h.order = append(h.order, key)
	}
	h.value[key] = value
	h.disp[key] = name
}

func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.value[strings.ToLower(name)]
	return v, ok
}

func (h *Headers) Del(name string) {
	key := strings.ToLower(name)
	if _, ok := h.value[key]; !ok {
		return
	}
	delete(h.value, key)
	delete(h.disp, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Keys returns the lowercase keys in insertion order.
func (h *Headers) Keys() []string { return append([]string{}, h.order...) }

// Each calls fn once per header in insertion order with the display name.
func (h *Headers) Each(fn func(name, value string)) {
	for _, key := range h.order {
		fn(h.disp[key], h.value[key])
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	h.Each(func(name, value string) { c.Set(name, value) })
	return c
}

// RequestLine is the parsed first line of an HTTP request.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// Request is a fully parsed request header (no body).
type Request struct {
	Line    RequestLine
	Headers *Headers
	TLS     bool
	// Raw is the exact bytes of the header block as read from the socket,
	// including the trailing blank line, for re-sniffing inside a tunnel.
	Raw []byte
}

var methodTokens = map[string]bool{
	"GET": true, "POST": true, "HEAD": true, "PUT": true,
	"DELETE": true, "OPTIONS": true, "PATCH": true, "CONNECT": true, "TRACE": true,
}

// LooksLikeRequestStart reports whether buf begins with a recognized method
// token (followed by a space) or "HTTP/".
func LooksLikeRequestStart(buf []byte) bool {
	s := string(buf)
	if strings.HasPrefix(s, "HTTP/") {
		return true
	}
	sp := strings.IndexByte(s, ' ')
	if sp <= 0 {
		return false
	}
	return methodTokens[s[:sp]]
}

// decodeHeaderBlock decodes raw header bytes as UTF-8, falling back to
// ISO-8859-1 (each byte maps directly to the same-numbered code point) if
// the bytes are not valid UTF-8.
func decodeHeaderBlock(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// ParseRequest parses a raw header block (everything up to and including
// the blank line) into a Request. isTLS selects "https" or "http" as the
// scheme used when the target has to be rebuilt from the Host header.
func ParseRequest(raw []byte, isTLS bool) (*Request, error) {
	text := decodeHeaderBlock(raw)
	text = strings.TrimRight(text, "\r\n")
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, errkind.Wrap(errkind.Protocol, fmt.Errorf("empty request header"))
	}
	line, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	headers := NewHeaders()
	for _, l := range lines[1:] {
		if l == "" {
			continue
		}
		name, value, err := parseHeaderLine(l)
		if err != nil {
			return nil, err
		}
		headers.Set(name, value)
	}

	req := &Request{Line: line, Headers: headers, TLS: isTLS, Raw: raw}
	if err := resolveAbsoluteTarget(req); err != nil {
		return nil, err
	}
	return req, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

func parseRequestLine(l string) (RequestLine, error) {
	parts := strings.SplitN(l, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, errkind.Wrap(errkind.Protocol, fmt.Errorf("malformed request line: %q", l))
	}
	return RequestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, nil
}

func parseHeaderLine(l string) (name, value string, err error) {
	idx := strings.IndexByte(l, ':')
	if idx < 0 {
		return "", "", errkind.Wrap(errkind.Protocol, fmt.Errorf("malformed header line: %q", l))
	}
	name = l[:idx]
	value = strings.TrimLeft(l[idx+1:], " \t")
	return name, value, nil
}

// resolveAbsoluteTarget builds an absolute URL on req.Line.Target when the
// client sent an origin-form target (the common case outside CONNECT).
func resolveAbsoluteTarget(req *Request) error {
	if req.Line.Method == "CONNECT" {
		return nil
	}
	if strings.Contains(req.Line.Target, "://") {
		return nil
	}
	host, ok := findHost(req.Headers)
	if !ok {
		return errkind.Wrap(errkind.Protocol, fmt.Errorf("no Host header and target is not absolute"))
	}
	scheme := "http"
	if req.TLS {
		scheme = "https"
	}
	req.Line.Target = scheme + "://" + host + req.Line.Target
	return nil
}

func findHost(h *Headers) (string, bool) {
	for _, name := range []string{"Host", "X-Forwarded-Host", "X-Host"} {
		if v, ok := h.Get(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// FilterTransferHeaders returns a clone of h with Transfer-Encoding and
// Content-Encoding removed, since the proxy re-derives both.
func FilterTransferHeaders(h *Headers) *Headers {
	out := h.Clone()
	out.Del("Transfer-Encoding")
	out.Del("Content-Encoding")
	return out
}

// Range is a parsed client Range request, inclusive on both ends.
type Range struct {
	Start int64
	End   int64 // -1 means "to end of resource", resolved by the caller
}

// ParseRangeHeader parses a single-range "bytes=L-R?" header. Multi-range
// headers (containing a comma) are rejected with ok=false per spec.
func ParseRangeHeader(value string) (Range, bool) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, ",") {
		return Range{}, false
	}
	const prefix = "bytes="
	if !strings.HasPrefix(value, prefix) {
		return Range{}, false
	}
	spec := strings.TrimPrefix(value, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Range{}, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return Range{}, false
	}
	if parts[1] == "" {
		return Range{Start: start, End: -1}, true
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// ParseContentRangeTotal extracts the full resource length from a
// Content-Range response header's "bytes start-end/total" suffix.
func ParseContentRangeTotal(value string) (int64, bool) {
	idx := strings.LastIndexByte(value, '/')
	if idx < 0 || idx == len(value)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// CanonicalHeaderKey canonicalizes the admission cache key's header
// rendering: sorted lowercase names, Range omitted, "name:value" joined by
// newlines, per spec.md's Open Questions resolution.
func CanonicalHeaderKey(h *Headers) string {
	keys := h.Keys()
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		if k == "range" {
			continue
		}
		v, _ := h.Get(k)
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteStatusLine renders "HTTP/1.1 <status> <reason>\r\n".
func WriteStatusLine(status int, reason string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, reason))
}

// WriteHeaders renders headers as "Name: value\r\n" pairs followed by a
// blank line, matching response synthesis in spec.md §4.4.
func WriteHeaders(h *Headers) []byte {
	var b strings.Builder
	h.Each(func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	})
	b.WriteString("\r\n")
	return []byte(b.String())
}
