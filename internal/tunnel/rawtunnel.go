package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/url"

	"rangeproxy/internal/httpcodec"
)

// reqStartMarkers are the method tokens spec.md §4.4's Tunnel mode
// recognizes as the start of a fresh request inside an otherwise-opaque
// tunneled byte stream.
var reqStartMarkers = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "),
}

// sniffOutcome is a complete header isolated out of a tunneled client
// stream, pending a fresh on_header decision.
type sniffOutcome struct {
	raw []byte
	req *httpcodec.Request
}

// runTunnel falls back to a raw bidirectional copy between the client and
// the origin for a request on_header declined to intercept. It replays the
// already-read header bytes to the origin first, then keeps inspecting
// client-originated bytes for a later request that on_header should get a
// chance at: when one is isolated, the SM re-runs on_header on it and
// either forwards it untouched (Pass) or tears down this origin connection
// and serves the new request directly (ServeFile/Stream), per spec.md
// §4.4's Tunnel mode.
func (e *Engine) runTunnel(ctx context.Context, connID string, client net.Conn, br *bufio.Reader, firstHeader []byte, isTLS bool) {
	header := firstHeader
	for {
		req, err := httpcodec.ParseRequest(header, isTLS)
		if err != nil {
			return
		}
		target, err := url.Parse(req.Line.Target)
		if err != nil || target.Host == "" {
			return
		}
		addr := target.Host
		if target.Port() == "" {
			if isTLS {
				addr = net.JoinHostPort(target.Hostname(), "443")
			} else {
				addr = net.JoinHostPort(target.Hostname(), "80")
			}
		}

		origin, err := net.DialTimeout("tcp", addr, e.socketTimeout())
		if err != nil {
			_ = e.writeStatus(client, 502, "Bad Gateway", nil)
			return
		}

		if _, err := origin.Write(header); err != nil {
			origin.Close()
			return
		}
		if e.Observer != nil {
			e.Observer.OnClientBytes(connID, header)
		}

		anyDone := make(chan struct{}, 2)
		outcomeCh := make(chan *sniffOutcome, 1)
		go func() {
			outcomeCh <- e.copyClientAndSniff(connID, origin, br, isTLS)
			anyDone <- struct{}{}
		}()
		go func() {
			e.copyServer(connID, client, bufio.NewReader(origin))
			anyDone <- struct{}{}
		}()

		select {
		case <-anyDone:
		case <-ctx.Done():
		}
		origin.Close()

		var outcome *sniffOutcome
		select {
		case outcome = <-outcomeCh:
		default:
		}
		if outcome == nil {
			return
		}

		d, derr := e.onHeader(ctx, outcome.req)
		if derr != nil {
			d = decision{}
		}
		if d.kind == decidePass {
			header = outcome.raw
			continue
		}

		if err := e.serve(ctx, connID, client, outcome.req, d); err != nil {
			e.Log.Debugf("serve failed for %s: %v", outcome.req.Line.Target, err)
		}
		e.closeConnection(client, isTLS)
		return
	}
}

// copyClientAndSniff forwards client bytes to origin, holding back a chunk
// as soon as it starts with a recognized method token until a complete
// header ("\r\n\r\n" or "\n\n") has been buffered. If that header parses as
// a request, forwarding stops and the header (plus whatever else was
// buffered alongside it) is returned for the caller to re-run on_header on;
// otherwise the buffered bytes never looked like a real request start and
// are flushed straight through, per spec.md §4.4. Returns nil on EOF, a
// write error, or when the other direction ends the tunnel first.
func (e *Engine) copyClientAndSniff(connID string, origin net.Conn, br *bufio.Reader, isTLS bool) *sniffOutcome {
	buf := make([]byte, 32*1024)
	var pending []byte
	buffering := false

	for {
		n, err := br.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if e.Observer != nil {
				e.Observer.OnClientBytes(connID, chunk)
			}

			if !buffering {
				if pos := startMarkerIndex(chunk); pos == -1 {
					if _, werr := origin.Write(chunk); werr != nil {
						return nil
					}
				} else {
					if pos > 0 {
						if _, werr := origin.Write(chunk[:pos]); werr != nil {
							return nil
						}
					}
					pending = append(pending, chunk[pos:]...)
					buffering = true
				}
			} else {
				pending = append(pending, chunk...)
			}

			if buffering {
				end := headerTerminatorEnd(pending)
				switch {
				case end != -1:
					header := pending[:end]
					if req, perr := httpcodec.ParseRequest(header, isTLS); perr == nil {
						return &sniffOutcome{raw: append([]byte(nil), pending...), req: req}
					}
					if _, werr := origin.Write(pending); werr != nil {
						return nil
					}
					pending, buffering = nil, false
				case len(pending) > 1<<20:
					// Never looked like a real request start; stop waiting.
					if _, werr := origin.Write(pending); werr != nil {
						return nil
					}
					pending, buffering = nil, false
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				_, _ = origin.Write(pending)
			}
			return nil
		}
	}
}

// copyServer relays origin bytes to the client, reporting every chunk to
// the Observer and counting tunneled bytes in Metrics.
func (e *Engine) copyServer(connID string, client net.Conn, origin *bufio.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := origin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if e.Observer != nil {
				e.Observer.OnServerBytes(connID, chunk)
			}
			if _, werr := client.Write(chunk); werr != nil {
				return
			}
			e.Metrics.AddBytesTunneled(int64(n))
		}
		if err != nil {
			return
		}
	}
}

func startMarkerIndex(data []byte) int {
	pos := -1
	for _, marker := range reqStartMarkers {
		if i := bytes.Index(data, marker); i != -1 && (pos == -1 || i < pos) {
			pos = i
		}
	}
	return pos
}

// headerTerminatorEnd returns the index just past the earliest header
// terminator in buf, or -1 if none is present yet.
func headerTerminatorEnd(buf []byte) int {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		return idx + 4
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		return idx + 2
	}
	return -1
}
