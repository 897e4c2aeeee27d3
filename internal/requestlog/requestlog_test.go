package requestlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOnDataSplitsHeaderFromBody(t *testing.T) {
	tr := New(t.TempDir())
	tr.OnClientBytes("c1", []byte("GET /x HTTP/1.1\r\nHost: example.com\r\n\r\nbody-bytes"))

	tr.mu.Lock()
	cs := tr.byConn["c1"]
	tr.mu.Unlock()
	if cs == nil {
		t.Fatal("expected connection to be tracked")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.spans) != 2 {
		t.Fatalf("expected 2 spans (header + body), got %d", len(cs.spans))
	}
	if cs.spans[0].kind != kindHeader || cs.spans[0].dir != fromClient {
		t.Fatalf("expected first span to be a client header, got %+v", cs.spans[0])
	}
	if cs.spans[1].kind != kindData || cs.spans[1].length != len("body-bytes") {
		t.Fatalf("expected second span to be %d bytes of data, got %+v", len("body-bytes"), cs.spans[1])
	}
	if cs.url != "/x" {
		t.Fatalf("expected url /x, got %q", cs.url)
	}
}

func TestOnDataReopensHeaderOnNewRequestMarker(t *testing.T) {
	tr := New(t.TempDir())
	tr.OnClientBytes("c1", []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	tr.OnClientBytes("c1", []byte("raw-data-before"))
	tr.OnClientBytes("c1", []byte("GET /y HTTP/1.1\r\nHost: b\r\n\r\n"))

	tr.mu.Lock()
	cs := tr.byConn["c1"]
	tr.mu.Unlock()
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var kinds []spanKind
	for _, s := range cs.spans {
		kinds = append(kinds, s.kind)
	}
	if len(kinds) != 3 {
		t.Fatalf("expected 3 spans (header, data, header), got %d: %v", len(kinds), kinds)
	}
	if kinds[0] != kindHeader || kinds[1] != kindData || kinds[2] != kindHeader {
		t.Fatalf("expected header/data/header sequence, got %v", kinds)
	}
}

func TestDumpWritesBothSortOrders(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir)
	tr.OnClientBytes("c1", []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	tr.OnClientBytes("c2", []byte("GET /y HTTP/1.1\r\nHost: b\r\n\r\nextra-bytes-here"))

	now := time.Unix(1700000000, 0)
	if err := tr.Dump(now); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	byTime, err := os.ReadFile(filepath.Join(dir, "1700000000_sort_by_time.log"))
	if err != nil {
		t.Fatalf("reading sort_by_time dump: %v", err)
	}
	if !strings.Contains(string(byTime), "Request c1") || !strings.Contains(string(byTime), "Request c2") {
		t.Fatalf("expected both connections in dump, got:\n%s", byTime)
	}
	if !strings.Contains(string(byTime), dividerH1) || !strings.Contains(string(byTime), dividerH2) {
		t.Fatalf("expected both dividers present, got:\n%s", byTime)
	}

	if _, err := os.Stat(filepath.Join(dir, "1700000000_sort_by_size.log")); err != nil {
		t.Fatalf("expected sort_by_size dump to exist: %v", err)
	}
}

func TestRunDumpsOnceMoreAfterContextCancel(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir)
	tr.OnClientBytes("c1", []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly 2 dump files, got %d", len(entries))
	}
}

func TestNilTrackerObserverMethodsAreNoops(t *testing.T) {
	var tr *Tracker
	tr.OnClientBytes("c1", []byte("anything"))
	tr.OnServerBytes("c1", []byte("anything"))
	tr.Init("c1", "http://example.com")
	if err := tr.Dump(time.Now()); err != nil {
		t.Fatalf("expected nil Tracker Dump to be a no-op, got %v", err)
	}
}
