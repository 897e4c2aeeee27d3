package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"rangeproxy/internal/downloader"
	"rangeproxy/internal/httpcodec"
	"rangeproxy/internal/state"
)

// serve dispatches an intercepted GET to either the pre-staged file path
// or the parallel streaming downloader, writing a synthesized response
// header followed by the body straight to the client socket.
func (e *Engine) serve(ctx context.Context, connID string, conn net.Conn, req *httpcodec.Request, d decision) error {
	l, r := int64(0), d.probe.FullLength-1
	if d.hasRange {
		l = d.rng.Start
		if d.rng.End >= 0 {
			r = d.rng.End
		}
	}
	if l < 0 || r < l || r >= d.probe.FullLength {
		return e.writeStatus(conn, 416, "Range Not Satisfiable", nil)
	}

	switch d.kind {
	case decideServeFile:
		return e.serveFile(conn, d.servePath, l, r, d.probe.FullLength, d.hasRange)
	case decideStream:
		return e.streamChunks(ctx, connID, conn, req, d, l, r)
	default:
		return fmt.Errorf("serve called with non-serving decision kind %d", d.kind)
	}
}

func (e *Engine) writeStatus(conn net.Conn, status int, reason string, headers *httpcodec.Headers) error {
	if headers == nil {
		headers = httpcodec.NewHeaders()
	}
	headers.Set("Connection", "close")
	if _, err := conn.Write(httpcodec.WriteStatusLine(status, reason)); err != nil {
		return err
	}
	_, err := conn.Write(httpcodec.WriteHeaders(headers))
	return err
}

// synthesizeResponseHeaders builds the response header block the tunnel
// sends ahead of a served or streamed body.
func synthesizeResponseHeaders(fullLength, l, r int64, partial bool) (int, string, *httpcodec.Headers) {
	h := httpcodec.NewHeaders()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Connection", "keep-alive")
	h.Set("Content-Length", fmt.Sprintf("%d", r-l+1))
	if partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", l, r, fullLength))
		return 206, "Partial Content", h
	}
	return 200, "OK", h
}

func (e *Engine) serveFile(conn net.Conn, path string, l, r, fullLength int64, partial bool) error {
	f, err := os.Open(path)
	if err != nil {
		return e.writeStatus(conn, 404, "Not Found", nil)
	}
	defer f.Close()

	status, reason, headers := synthesizeResponseHeaders(fullLength, l, r, partial)
	if _, err := conn.Write(httpcodec.WriteStatusLine(status, reason)); err != nil {
		return err
	}
	if _, err := conn.Write(httpcodec.WriteHeaders(headers)); err != nil {
		return err
	}
	if _, err := f.Seek(l, io.SeekStart); err != nil {
		return err
	}
	_, err = io.CopyN(conn, f, r-l+1)
	return err
}

// streamChunks drives the parallel range downloader straight onto the
// client connection, consuming chunks strictly in order.
func (e *Engine) streamChunks(ctx context.Context, connID string, conn net.Conn, req *httpcodec.Request, d decision, l, r int64) error {
	status, reason, headers := synthesizeResponseHeaders(d.probe.FullLength, l, r, d.hasRange)
	if _, err := conn.Write(httpcodec.WriteStatusLine(status, reason)); err != nil {
		return err
	}
	if _, err := conn.Write(httpcodec.WriteHeaders(headers)); err != nil {
		return err
	}

	cacheKey := downloader.CacheKey(req.Line.Target, req.Headers, d.probe.FullLength)
	started := time.Now()

	if e.State != nil {
		host, _ := req.Headers.Get("Host")
		_ = e.State.UpsertDownload(state.DownloadRow{
			CacheKey:  cacheKey,
			URL:       req.Line.Target,
			Host:      host,
			TotalSize: d.probe.FullLength,
			ChunkCount: len(downloader.PlanChunks(l, r, e.Config.Concurrency.MaxThreads,
				int64(e.Config.Concurrency.MaxChunkMB)<<20)),
			Status: state.StatusActive,
		})
	}

	opts := downloader.Options{
		Config:        e.Config,
		URL:           req.Line.Target,
		Headers:       httpcodec.FilterTransferHeaders(req.Headers),
		MaxThreads:    e.Config.Concurrency.MaxThreads,
		MaxChunkBytes: int64(e.Config.Concurrency.MaxChunkMB) << 20,
		MaxRetries:    e.Config.Concurrency.MaxRetries,
		Consume: func(chunkIndex int, data []byte) error {
			n, err := conn.Write(data)
			if err == nil {
				e.Metrics.AddBytesTunneled(int64(n))
				if e.Observer != nil {
					e.Observer.OnServerBytes(connID, data)
				}
			}
			return err
		},
		OnChunkComplete: func(chunkIndex int, size int64) {
			if e.State == nil {
				return
			}
			_ = e.State.UpsertChunk(state.ChunkRow{
				CacheKey: cacheKey,
				Index:    chunkIndex,
				Size:     size,
				Status:   state.ChunkComplete,
			})
		},
	}
	opts.ChunkTimeout.Connect = time.Duration(e.Config.Network.ChunkConnectSeconds) * time.Second
	opts.ChunkTimeout.Read = time.Duration(e.Config.Network.ChunkReadSeconds) * time.Second

	// Cache admission is keyed by full resource size only, so only a
	// whole-file download is offered to it.
	if l == 0 && r == d.probe.FullLength-1 {
		opts.Cache = e.Cache
		opts.CacheKey = cacheKey
	}

	err := downloader.Download(ctx, l, r, opts)
	e.Metrics.ObserveDownloadSeconds(time.Since(started).Seconds())
	if e.State != nil {
		status := "complete"
		if err != nil {
			status = "failed"
		}
		_ = e.State.SetDownloadStatus(cacheKey, status)
	}
	return err
}
