package socks5

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"rangeproxy/internal/logging"
	"rangeproxy/internal/tunnel"
)

func TestNegotiateAcceptsNoAuthMethod(t *testing.T) {
	h := &Handler{Engine: &tunnel.Engine{}, Log: logging.New("error", false)}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{version5, 1, methodNoAuth})
	}()

	br := bufio.NewReader(server)
	done := make(chan error, 1)
	go func() { done <- h.negotiate(br, server) }()

	reply := make([]byte, 2)
	if _, err := readFullFromConn(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != version5 || reply[1] != methodNoAuth {
		t.Fatalf("reply = %v, want [5 0]", reply)
	}
	if err := <-done; err != nil {
		t.Fatalf("negotiate: %v", err)
	}
}

func TestNegotiateRejectsMissingNoAuth(t *testing.T) {
	h := &Handler{Engine: &tunnel.Engine{}, Log: logging.New("error", false)}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{version5, 1, 0x02}) // username/password only
	}()

	br := bufio.NewReader(server)
	done := make(chan error, 1)
	go func() { done <- h.negotiate(br, server) }()

	reply := make([]byte, 2)
	_, _ = readFullFromConn(client, reply)
	if reply[1] != methodNone {
		t.Fatalf("expected methodNone reply, got %v", reply)
	}
	if err := <-done; err == nil {
		t.Fatal("expected negotiate error")
	}
}

func TestReadRequestParsesDomainAddress(t *testing.T) {
	h := &Handler{Engine: &tunnel.Engine{}, Log: logging.New("error", false)}
	domain := "example.com"
	var buf bytes.Buffer
	buf.Write([]byte{version5, cmdConnect, 0x00, atypDomain})
	buf.WriteByte(byte(len(domain)))
	buf.WriteString(domain)
	buf.Write([]byte{0x01, 0xBB}) // port 443

	br := bufio.NewReader(&buf)
	cmd, addr, port, err := h.readRequest(br)
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if cmd != cmdConnect || addr != domain || port != 443 {
		t.Fatalf("got cmd=%d addr=%s port=%d", cmd, addr, port)
	}
}

func TestReadRequestParsesIPv4Address(t *testing.T) {
	h := &Handler{Engine: &tunnel.Engine{}, Log: logging.New("error", false)}
	var buf bytes.Buffer
	buf.Write([]byte{version5, cmdConnect, 0x00, atypIPv4})
	buf.Write([]byte{127, 0, 0, 1})
	buf.Write([]byte{0x00, 0x50}) // port 80

	br := bufio.NewReader(&buf)
	_, addr, port, err := h.readRequest(br)
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if addr != "127.0.0.1" || port != 80 {
		t.Fatalf("got addr=%s port=%d", addr, port)
	}
}

func TestLooksLikeTLSClientHello(t *testing.T) {
	if !looksLikeTLSClientHello([]byte{0x16, 0x03, 0x01, 0x00}) {
		t.Fatal("expected TLS record header to be detected")
	}
	if looksLikeTLSClientHello([]byte("GET / HTTP/1.1")) {
		t.Fatal("expected plain HTTP not to be classified as TLS")
	}
}

func readFullFromConn(conn net.Conn, buf []byte) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
