package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"rangeproxy/internal/httpcodec"
)

// handleConnect implements the CONNECT leg of spec.md §4.4: issue a leaf
// certificate for the requested host, acknowledge the tunnel, wrap the
// client connection in TLS, and recurse into handleClient to decode the
// now-decrypted traffic.
func (e *Engine) handleConnect(ctx context.Context, connID string, conn net.Conn, br *bufio.Reader, req *httpcodec.Request) {
	cert, domain, err := e.leafCertFor(req.Line.Target)
	if err != nil {
		e.Log.Warnf("CONNECT %s: %v", req.Line.Target, err)
		_ = e.writeStatus(conn, 502, "Bad Gateway", nil)
		return
	}

	if _, err := conn.Write([]byte(fmt.Sprintf("%s 200 Connection Established\r\n\r\n", req.Line.Version))); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		e.Log.Debugf("TLS handshake failed for %s: %v", domain, err)
		return
	}

	e.handleClient(ctx, connID, tlsConn, true, nil)
}

// leafCertFor issues (or fetches from memo) a leaf certificate for
// hostPort's base domain. Shared by the HTTP CONNECT path and the SOCKS5
// front door's TLS handoff.
func (e *Engine) leafCertFor(hostPort string) (tls.Certificate, string, error) {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
	}
	domain := baseDomain(host)

	certPEM, keyPEM, err := e.CA.IssueLeaf(domain, []string{domain, "*." + domain})
	if err != nil {
		return tls.Certificate{}, domain, fmt.Errorf("issuing leaf for %s: %w", domain, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, domain, fmt.Errorf("loading leaf keypair for %s: %w", domain, err)
	}
	return cert, domain, nil
}

// wrapTLS issues a leaf certificate for hostPort and completes a
// server-side TLS handshake on conn, used by the SOCKS5 front door after
// it has already sent its own success reply (so no status line can be
// written here on failure — the caller just drops the connection).
func (e *Engine) wrapTLS(ctx context.Context, hostPort string, conn net.Conn) (*tls.Conn, error) {
	cert, domain, err := e.leafCertFor(hostPort)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake for %s: %w", domain, err)
	}
	return tlsConn, nil
}
