package dispatcher

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"rangeproxy/internal/logging"
	"rangeproxy/internal/tunnel"
)

func TestServeStopsAcceptingOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var handled int32
	engine := &tunnel.Engine{DrainSleep: time.Millisecond}
	d := &Dispatcher{
		Listener:    ln,
		Handler:     engine.HandleConnection,
		Log:         logging.New("error", false),
		GracePeriod: 200 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	// Establish and immediately close one connection so the accept loop has
	// run at least once before shutdown.
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err == nil {
		conn.Close()
		atomic.AddInt32(&handled, 1)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}

	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("expected dial to fail after listener closed")
	}
}

func TestNewConnIDProducesDistinctHexIDs(t *testing.T) {
	a, err := newConnID()
	if err != nil {
		t.Fatalf("newConnID: %v", err)
	}
	b, err := newConnID()
	if err != nil {
		t.Fatalf("newConnID: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}
