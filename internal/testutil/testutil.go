// Package testutil collects small test doubles shared across internal
// packages: a canned-response HTTP server, a range-aware origin double for
// the downloader, an in-memory state database, and a few path helpers.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"rangeproxy/internal/state"
)

// MockHTTPServer creates a test HTTP server that serves canned responses
// keyed by request path.
type MockHTTPServer struct {
	*httptest.Server
	Responses map[string]MockResponse
}

type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

func NewMockHTTPServer() *MockHTTPServer {
	ms := &MockHTTPServer{Responses: make(map[string]MockResponse)}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}
		resp, ok := ms.Responses[key]
		if !ok {
			resp, ok = ms.Responses[r.URL.Path]
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, "no mock response configured for %s", key)
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		fmt.Fprint(w, resp.Body)
	}))

	return ms
}

func (ms *MockHTTPServer) AddResponse(path string, response MockResponse) {
	ms.Responses[path] = response
}

func (ms *MockHTTPServer) AddJSONResponse(path string, statusCode int, body string) {
	ms.Responses[path] = MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// RangeOriginServer serves a fixed payload and honors single-range Range
// headers the way a real origin would, for downloader and tunnel tests.
// FailNextAt lets a test force a number of 500s at a given byte offset
// before the server starts succeeding, to exercise retry/backoff paths.
type RangeOriginServer struct {
	*httptest.Server

	mu        sync.Mutex
	payload   []byte
	failUntil map[int64]int
	headCalls int
	getCalls  int
}

func NewRangeOriginServer(payload []byte) *RangeOriginServer {
	rs := &RangeOriginServer{payload: payload, failUntil: map[int64]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/", rs.handle)
	rs.Server = httptest.NewServer(mux)
	return rs
}

func (rs *RangeOriginServer) FailNextAt(start int64, n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failUntil[start] = n
}

func (rs *RangeOriginServer) Calls() (head, get int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.headCalls, rs.getCalls
}

func (rs *RangeOriginServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		rs.mu.Lock()
		rs.headCalls++
		rs.mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(len(rs.payload)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return
	}

	rs.mu.Lock()
	rs.getCalls++
	rs.mu.Unlock()

	start, end, ok := parseRangeHeader(r.Header.Get("Range"), int64(len(rs.payload)))
	if !ok {
		start, end = 0, int64(len(rs.payload))-1
	}

	rs.mu.Lock()
	remaining := rs.failUntil[start]
	if remaining > 0 {
		rs.failUntil[start] = remaining - 1
		rs.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	rs.mu.Unlock()

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(rs.payload)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(rs.payload[start : end+1])
}

func parseRangeHeader(hdr string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(hdr, prefix) {
		return 0, 0, false
	}
	lo, hi, found := strings.Cut(hdr[len(prefix):], "-")
	if !found {
		return 0, 0, false
	}
	a, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	b := size - 1
	if hi != "" {
		if parsed, err := strconv.ParseInt(hi, 10, 64); err == nil {
			b = parsed
		}
	}
	return a, b, true
}

// TestDB opens an in-memory state database and closes it on test cleanup.
func TestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to create in-memory state db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return db
}

func LoadFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", "fixtures", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture %s: %v", name, err)
	}
	return string(data)
}

func TryLoadFixture(name string) string {
	path := filepath.Join("testdata", "fixtures", name)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rangeproxy-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := TempDir(t)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// MockRoundTripper implements http.RoundTripper for tests that need to
// inspect outgoing requests without a real listener.
type MockRoundTripper struct {
	Responses map[string]*http.Response
	Requests  []*http.Request
}

func NewMockRoundTripper() *MockRoundTripper {
	return &MockRoundTripper{
		Responses: make(map[string]*http.Response),
		Requests:  make([]*http.Request, 0),
	}
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.Requests = append(m.Requests, req)
	resp, ok := m.Responses[req.URL.String()]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("not found")),
			Request:    req,
		}, nil
	}
	return resp, nil
}

func (m *MockRoundTripper) AddStringResponse(url string, statusCode int, body string) {
	m.Responses[url] = &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func (m *MockRoundTripper) AssertRequestMade(t *testing.T, url string) {
	t.Helper()
	for _, req := range m.Requests {
		if req.URL.String() == url {
			return
		}
	}
	t.Errorf("expected request to %s, but none was made", url)
}
