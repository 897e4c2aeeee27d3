package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"rangeproxy/internal/cache"
	"rangeproxy/internal/config"
	"rangeproxy/internal/httpcodec"
	"rangeproxy/internal/logging"
	"rangeproxy/internal/metrics"
	"rangeproxy/internal/testutil"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.General.CacheRoot = t.TempDir()
	store, err := cache.Open(cfg.General.CacheRoot, logging.New("error", false), cache.Options{})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	return &Engine{
		Config:     cfg,
		Cache:      store,
		Log:        logging.New("error", false),
		Metrics:    metrics.New(cfg),
		DrainSleep: time.Millisecond,
	}
}

func TestBaseDomainKeepsLastTwoLabels(t *testing.T) {
	cases := map[string]string{
		"www.example.com":     "example.com",
		"example.com":         "example.com",
		"localhost":           "localhost",
		"a.b.c.example.co.uk": "co.uk",
	}
	for in, want := range cases {
		if got := baseDomain(in); got != want {
			t.Errorf("baseDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBaseDomainStripsPort(t *testing.T) {
	if got := baseDomain("example.com:8443"); got != "example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestReadHeaderBlockStopsAtCRLFCRLF(t *testing.T) {
	src := "GET / HTTP/1.1\r\nHost: x\r\n\r\nBODY-NOT-READ"
	br := bufio.NewReader(strings.NewReader(src))
	block, err := readHeaderBlock(br)
	if err != nil {
		t.Fatalf("readHeaderBlock: %v", err)
	}
	if string(block) != "GET / HTTP/1.1\r\nHost: x\r\n\r\n" {
		t.Fatalf("unexpected block: %q", block)
	}
}

func TestOnHeaderPassesNonGET(t *testing.T) {
	e := testEngine(t)
	req := mustParseRequest(t, "POST http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	d, err := e.onHeader(context.Background(), req)
	if err != nil {
		t.Fatalf("onHeader: %v", err)
	}
	if d.kind != decidePass {
		t.Fatalf("expected decidePass, got %v", d.kind)
	}
}

func TestOnHeaderPassesMultiRange(t *testing.T) {
	e := testEngine(t)
	req := mustParseRequest(t, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nRange: bytes=0-10,20-30\r\n\r\n")
	d, err := e.onHeader(context.Background(), req)
	if err != nil {
		t.Fatalf("onHeader: %v", err)
	}
	if d.kind != decidePass {
		t.Fatalf("expected decidePass for multi-range, got %v", d.kind)
	}
}

func TestOnHeaderStreamsLargeRangeableFile(t *testing.T) {
	e := testEngine(t)
	payload := bytes.Repeat([]byte("x"), 2<<20)
	origin := testutil.NewRangeOriginServer(payload)
	defer origin.Close()

	req := mustParseRequest(t, "GET "+origin.URL+"/ HTTP/1.1\r\nHost: origin\r\n\r\n")
	d, err := e.onHeader(context.Background(), req)
	if err != nil {
		t.Fatalf("onHeader: %v", err)
	}
	if d.kind != decideStream {
		t.Fatalf("expected decideStream, got %v", d.kind)
	}
	if d.probe.FullLength != int64(len(payload)) {
		t.Fatalf("FullLength = %d, want %d", d.probe.FullLength, len(payload))
	}
}

func TestServeFileWritesRequestedRange(t *testing.T) {
	e := testEngine(t)
	path := testutil.TempFile(t, "staged.bin", "0123456789")

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = e.serveFile(server, path, 2, 5, 10, true)
		server.Close()
	}()

	br := bufio.NewReader(client)
	statusLine, _ := br.ReadString('\n')
	if !strings.Contains(statusLine, "206") {
		t.Fatalf("expected 206 status line, got %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			break
		}
	}
	body := make([]byte, 4)
	if _, err := br.Read(body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "2345" {
		t.Fatalf("body = %q, want %q", body, "2345")
	}
}

func mustParseRequest(t *testing.T, raw string) *httpcodec.Request {
	t.Helper()
	req, err := httpcodec.ParseRequest([]byte(raw), false)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return req
}
