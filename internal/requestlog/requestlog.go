// Package requestlog implements the tunnel engine's Observer capability: it
// tracks, per connection, the sequence of header and data spans seen in
// both directions and periodically dumps them to disk for offline
// inspection. It is entirely optional — a nil *Tracker observes nothing.
package requestlog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	dividerH1 = "##=============##"
	dividerH2 = "==========="
)

// direction distinguishes which side of a connection produced a span.
type direction int

const (
	fromClient direction = iota
	fromServer
)

func (d direction) String() string {
	if d == fromClient {
		return "FROM_CLIENT"
	}
	return "FROM_SERVER"
}

// spanKind distinguishes a buffered header span from a raw data span.
type spanKind int

const (
	kindHeader spanKind = iota
	kindData
)

func (k spanKind) String() string {
	if k == kindHeader {
		return "HEADER"
	}
	return "DATA"
}

// span is one recorded conversation entry.
type span struct {
	kind   spanKind
	dir    direction
	data   []byte // only populated for kindHeader
	length int
	at     time.Time
}

// connState tracks the in-progress header buffer for one direction of one
// connection. Once a connection's first header for a direction completes,
// that direction switches to recording raw data spans until a byte
// sequence that looks like the start of a new request reopens buffering —
// mirroring the tunnel engine's own re-sniffing rule.
type connState struct {
	id        string
	url       string
	startedAt time.Time
	mu        sync.Mutex
	spans     []span

	clientBuf      []byte
	serverBuf      []byte
	clientInData   bool
	serverInData   bool
}

func (c *connState) totalBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.spans {
		n += s.length
	}
	return n
}

var startMarkers = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("TRACE "), []byte("CONNECT "),
	[]byte("PATCH "), []byte("HTTP/"),
}

func (c *connState) onData(data []byte, dir direction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bufp, inData := &c.clientBuf, &c.clientInData
	if dir == fromServer {
		bufp, inData = &c.serverBuf, &c.serverInData
	}

	if *inData {
		pos := -1
		for _, marker := range startMarkers {
			if i := bytes.Index(data, marker); i != -1 && (pos == -1 || i < pos) {
				pos = i
			}
		}
		if pos == -1 {
			c.spans = append(c.spans, span{kind: kindData, dir: dir, length: len(data), at: time.Now()})
			return
		}
		if pos > 0 {
			c.spans = append(c.spans, span{kind: kindData, dir: dir, length: pos, at: time.Now()})
		}
		// Reopen header buffering with the rest of this span, so a header
		// that completes inside it is recorded right away.
		data = data[pos:]
		*inData = false
	}

	*bufp = append(*bufp, data...)
	idx := bytes.Index(*bufp, []byte("\r\n\r\n"))
	if idx == -1 {
		return
	}
	headerEnd := idx + 4
	header := append([]byte(nil), (*bufp)[:headerEnd]...)
	remainder := (*bufp)[headerEnd:]
	if dir == fromClient && c.url == "" {
		c.url = requestLineTarget(header)
	}
	c.spans = append(c.spans, span{kind: kindHeader, dir: dir, data: header, length: len(header), at: time.Now()})
	if len(remainder) > 0 {
		c.spans = append(c.spans, span{kind: kindData, dir: dir, length: len(remainder), at: time.Now()})
	}
	*bufp = nil
	*inData = true
}

// Tracker records conversation spans for every connection it observes and
// periodically dumps them to disk. The zero value is not usable; construct
// with New.
type Tracker struct {
	dir    string
	mu     sync.Mutex
	byConn map[string]*connState
	order  []*connState
}

// New creates a Tracker that writes dumps under dir.
func New(dir string) *Tracker {
	return &Tracker{dir: dir, byConn: make(map[string]*connState)}
}

// Init registers a new connection under connID with its target URL,
// returning once it is tracked. Safe to call once per connection; a
// second call for the same connID is a no-op.
func (t *Tracker) Init(connID, url string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byConn[connID]; ok {
		return
	}
	cs := &connState{id: connID, url: url, startedAt: time.Now()}
	t.byConn[connID] = cs
	t.order = append(t.order, cs)
}

// OnClientBytes implements tunnel.Observer.
func (t *Tracker) OnClientBytes(connID string, data []byte) { t.onData(connID, data, fromClient) }

// OnServerBytes implements tunnel.Observer.
func (t *Tracker) OnServerBytes(connID string, data []byte) { t.onData(connID, data, fromServer) }

func (t *Tracker) onData(connID string, data []byte, dir direction) {
	if t == nil || len(data) == 0 {
		return
	}
	t.mu.Lock()
	cs, ok := t.byConn[connID]
	if !ok {
		cs = &connState{id: connID, startedAt: time.Now()}
		t.byConn[connID] = cs
		t.order = append(t.order, cs)
	}
	t.mu.Unlock()
	cs.onData(data, dir)
}

// Run dumps the tracked history on DumpIntervalSecs ticks until ctx is
// canceled, then performs one final dump before returning.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Dump(time.Now()); err != nil {
				return err
			}
		case <-ctx.Done():
			return t.Dump(time.Now())
		}
	}
}

// Dump writes two snapshot files under dir: one sorted by connection start
// time, one sorted by total bytes exchanged, both stamped with now's unix
// seconds.
func (t *Tracker) Dump(now time.Time) error {
	if t == nil {
		return nil
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", t.dir, err)
	}
	t.mu.Lock()
	conns := append([]*connState(nil), t.order...)
	t.mu.Unlock()

	ts := now.Unix()
	byTime := append([]*connState(nil), conns...)
	sort.Slice(byTime, func(i, j int) bool { return byTime[i].startedAt.Before(byTime[j].startedAt) })
	if err := writeDump(filepath.Join(t.dir, fmt.Sprintf("%d_sort_by_time.log", ts)), byTime); err != nil {
		return err
	}

	bySize := append([]*connState(nil), conns...)
	sort.Slice(bySize, func(i, j int) bool { return bySize[i].totalBytes() > bySize[j].totalBytes() })
	return writeDump(filepath.Join(t.dir, fmt.Sprintf("%d_sort_by_size.log", ts)), bySize)
}

func writeDump(path string, conns []*connState) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	for _, c := range conns {
		c.mu.Lock()
		totalMB := float64(c.totalBytesLocked()) / 1024 / 1024
		fmt.Fprintf(f, "Request %s - %s - %d - %.2f MB\n", c.id, c.url, c.startedAt.Unix(), totalMB)
		for _, s := range c.spans {
			fmt.Fprintf(f, "%s - %s - %d - %d\n", s.dir, s.kind, s.length, s.at.Unix())
			fmt.Fprintln(f, dividerH2)
			if s.kind == kindHeader {
				f.Write(s.data)
			}
		}
		fmt.Fprintln(f, dividerH1)
		c.mu.Unlock()
	}
	return nil
}

// requestLineTarget extracts the request target from a raw header's first
// line ("GET http://example.com/x HTTP/1.1" -> "http://example.com/x"),
// returning "" if the line doesn't look like a request line.
func requestLineTarget(header []byte) string {
	nl := bytes.IndexByte(header, '\n')
	if nl == -1 {
		nl = len(header)
	}
	line := bytes.TrimRight(header[:nl], "\r\n")
	parts := bytes.Fields(line)
	if len(parts) != 3 {
		return ""
	}
	return string(parts[1])
}

func (c *connState) totalBytesLocked() int {
	n := 0
	for _, s := range c.spans {
		n += s.length
	}
	return n
}
