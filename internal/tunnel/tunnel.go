// Package tunnel implements the per-connection state machine: read a
// header, decide whether to intercept it, and either serve bytes directly
// (cached range download, pre-staged file) or fall back to a raw
// bidirectional tunnel to the origin, re-sniffing buffered client bytes for
// a later interception opportunity.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"rangeproxy/internal/ca"
	"rangeproxy/internal/cache"
	"rangeproxy/internal/config"
	"rangeproxy/internal/errkind"
	"rangeproxy/internal/httpcodec"
	"rangeproxy/internal/logging"
	"rangeproxy/internal/metrics"
	"rangeproxy/internal/mfc"
	"rangeproxy/internal/state"
)

const (
	drainSleep          = 10 * time.Second
	defaultSocketTimeout = 30 * time.Second
)

// Observer receives byte-level events purely for the request logger
// (SPEC_FULL.md §4.10); the tunnel never blocks on it or treats it as
// load-bearing.
type Observer interface {
	OnClientBytes(connID string, data []byte)
	OnServerBytes(connID string, data []byte)
}

// Engine is the shared, read-mostly state every connection's state machine
// consults: config, CA, cache, mfc config, and optional introspection
// collaborators.
type Engine struct {
	Config  *config.Config
	CA      *ca.Authority
	Cache   *cache.Store
	MFC     *mfc.Config
	Log     *logging.Logger
	Metrics *metrics.Manager
	State   *state.DB // nil-safe: introspection only
	Observer Observer // nil-safe

	// DrainSleep overrides the close-time drain delay; zero means the
	// spec's default of 10s. Tests set this to keep connection-level cases
	// fast.
	DrainSleep time.Duration
}

// HandleConnection runs the full state machine for one accepted client
// connection until it closes, per spec.md §4.4's
// Reading → Decide → {IssueCert → TLS → Reading | Serve | RawTunnel} → Closed.
func (e *Engine) HandleConnection(ctx context.Context, connID string, conn net.Conn) {
	defer conn.Close()
	e.Metrics.ConnectionOpened()
	defer e.Metrics.ConnectionClosed()
	e.handleClient(ctx, connID, conn, false, nil)
}

// HandlePlainHandoff runs the same state machine on a connection a second
// front door (the SOCKS5 listener) has already classified as carrying
// cleartext HTTP, reusing br so bytes already buffered during
// classification aren't lost.
func (e *Engine) HandlePlainHandoff(ctx context.Context, connID string, conn net.Conn, br *bufio.Reader) {
	e.handleClient(ctx, connID, conn, false, br)
}

// HandleTLSHandoff issues a leaf certificate for hostPort's base domain,
// completes a server-side TLS handshake on conn, and runs the state
// machine on the decrypted stream — the SOCKS5 listener's equivalent of
// the HTTP CONNECT path.
func (e *Engine) HandleTLSHandoff(ctx context.Context, connID string, conn net.Conn, hostPort string) error {
	tlsConn, err := e.wrapTLS(ctx, hostPort, conn)
	if err != nil {
		return err
	}
	e.handleClient(ctx, connID, tlsConn, true, nil)
	return nil
}

func (e *Engine) handleClient(ctx context.Context, connID string, conn net.Conn, isTLS bool, br *bufio.Reader) {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(e.socketTimeout()))
		raw, err := readHeaderBlock(br)
		if err != nil {
			return
		}
		if e.Observer != nil {
			e.Observer.OnClientBytes(connID, raw)
		}

		req, err := httpcodec.ParseRequest(raw, isTLS)
		if err != nil {
			e.Log.WarnfThrottled("malformed-request", 5*time.Second, "malformed request on %s: %v", connID, err)
			return
		}

		if strings.EqualFold(req.Line.Method, "CONNECT") {
			e.handleConnect(ctx, connID, conn, br, req)
			return
		}

		d, err := e.onHeader(ctx, req)
		if err != nil {
			e.Log.WarnfThrottled("on-header", 5*time.Second, "on_header error for %s: %v", req.Line.Target, err)
			d = decision{}
		}

		switch d.kind {
		case decideServeFile, decideStream:
			if err := e.serve(ctx, connID, conn, req, d); err != nil {
				e.Log.Debugf("serve failed for %s: %v", req.Line.Target, err)
			}
			e.closeConnection(conn, isTLS)
			return
		default:
			e.runTunnel(ctx, connID, conn, br, raw, isTLS)
			return
		}
	}
}

func (e *Engine) socketTimeout() time.Duration {
	if e.Config != nil && e.Config.Network.SocketTimeoutSeconds > 0 {
		return time.Duration(e.Config.Network.SocketTimeoutSeconds) * time.Second
	}
	return defaultSocketTimeout
}

// readHeaderBlock reads from br until it has seen "\r\n\r\n" or "\n\n",
// returning every byte read including the terminator.
func readHeaderBlock(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if hasHeaderTerminator(buf) {
			return buf, nil
		}
		if len(buf) > 1<<20 {
			return nil, errkind.Wrap(errkind.Protocol, fmt.Errorf("header block exceeds 1MiB without terminator"))
		}
	}
}

func hasHeaderTerminator(buf []byte) bool {
	n := len(buf)
	if n >= 4 && buf[n-4] == '\r' && buf[n-3] == '\n' && buf[n-2] == '\r' && buf[n-1] == '\n' {
		return true
	}
	if n >= 2 && buf[n-2] == '\n' && buf[n-1] == '\n' {
		return true
	}
	return false
}

// closeConnection implements spec.md §4.4's close behavior: sleep to let
// the client drain, then unwrap TLS (errors swallowed) and close.
func (e *Engine) closeConnection(conn net.Conn, isTLS bool) {
	sleep := e.DrainSleep
	if sleep == 0 {
		sleep = drainSleep
	}
	time.Sleep(sleep)
	if isTLS {
		if tc, ok := conn.(*tls.Conn); ok {
			_ = tc.Close()
			return
		}
	}
}

// baseDomain returns the last two DNS labels, lowercased, unless fewer are
// present (e.g. "localhost" stays "localhost").
func baseDomain(host string) string {
	host = strings.ToLower(host)
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
