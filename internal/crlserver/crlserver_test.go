package crlserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rangeproxy/internal/logging"
)

// tryListen grabs an OS-assigned free port and returns the open listener;
// callers close it so the server under test can bind the same address
// (acceptable test-only TOCTOU).
func tryListen() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestServeReturnsCRLBytesWithExpectedContentType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crl.pem")
	if err := os.WriteFile(path, []byte("PEM-BYTES"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New("127.0.0.1:0", path, logging.New("error", false))
	ln, err := tryListen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + s.addr + "/crl.pem")
	if err != nil {
		t.Fatalf("GET /crl.pem: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-pem-file" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "PEM-BYTES" {
		t.Fatalf("body = %q", body)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHandleCRLMissingFileReturns503(t *testing.T) {
	s := New("127.0.0.1:0", filepath.Join(t.TempDir(), "missing.pem"), logging.New("error", false))
	ln, err := tryListen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + s.addr + "/crl.pem")
	if err != nil {
		t.Fatalf("GET /crl.pem: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
