package socks5

import (
	"bufio"
	"context"
	"net"
)

const peekSize = 16

// handleConnect dials nothing itself — it sends the SOCKS5 success reply,
// peeks the client's first bytes to tell a TLS ClientHello from cleartext
// HTTP, and hands the connection to the same tunnel engine the HTTP
// listener uses, per SPEC_FULL.md §4.8: this is a second front door onto
// one engine, not a second proxy implementation.
func (h *Handler) handleConnect(ctx context.Context, connID string, conn net.Conn, br *bufio.Reader, hostPort string) {
	h.sendReply(conn, replySuccess)

	peeked, err := br.Peek(peekSize)
	if err != nil && len(peeked) == 0 {
		return
	}

	if looksLikeTLSClientHello(peeked) {
		if err := h.Engine.HandleTLSHandoff(ctx, connID, conn, hostPort); err != nil {
			h.Log.Debugf("socks5 TLS handoff for %s: %v", hostPort, err)
		}
		return
	}

	h.Engine.HandlePlainHandoff(ctx, connID, conn, br)
}

// looksLikeTLSClientHello checks for a TLS record header: content type
// 0x16 (handshake), version major byte 0x03.
func looksLikeTLSClientHello(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x16 && b[1] == 0x03
}
