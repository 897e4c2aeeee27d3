// Package downloader implements the parallel range downloader: it splits
// [L,R] into chunks, fetches them concurrently with retry, and streams the
// results back to a consumer in strict ascending order without buffering
// the whole file in memory.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"rangeproxy/internal/cache"
	"rangeproxy/internal/config"
	"rangeproxy/internal/errkind"
	"rangeproxy/internal/httpcodec"
)

const (
	tenMiB      = 10 << 20
	fiveHundred = 500 << 20
)

// chunkDescriptor is one entry of the ChunkSchedule.
type chunkDescriptor struct {
	id         int
	start, end int64 // inclusive
	data       []byte
	downloaded bool
	consumed   bool
	err        error
}

func (c *chunkDescriptor) size() int64 { return c.end - c.start + 1 }

// PlanChunks implements the spec's scheduling policy: pick a chunk size
// from the file-size tier, then partition [l,r] into contiguous,
// non-overlapping descriptors that cover it exactly.
func PlanChunks(l, r int64, maxThreads int, maxChunkBytes int64) []chunkDescriptor {
	fileSize := r - l + 1
	var chunkSize int64
	switch {
	case fileSize <= tenMiB:
		chunkSize = fileSize / int64(maxThreads)
	case fileSize <= fiveHundred:
		chunkSize = fileSize / int64(3*maxThreads)
	default:
		chunkSize = maxChunkBytes
	}
	if chunkSize <= 0 {
		chunkSize = fileSize
	}
	if chunkSize > maxChunkBytes {
		chunkSize = maxChunkBytes
	}

	var chunks []chunkDescriptor
	id := 0
	for start := l; start <= r; start += chunkSize {
		end := start + chunkSize - 1
		if end > r {
			end = r
		}
		chunks = append(chunks, chunkDescriptor{id: id, start: start, end: end})
		id++
	}
	return chunks
}

// Options configures a single Download call.
type Options struct {
	Config        *config.Config
	URL           string
	Headers       *httpcodec.Headers // client-forwarded headers, replayed on each chunk GET
	MaxThreads    int
	MaxChunkBytes int64
	MaxRetries    int
	ChunkTimeout  struct {
		Connect time.Duration
		Read    time.Duration
	}
	// Consume is called once per chunk, strictly in ascending chunk-id
	// order, with the chunk's bytes. It must not retain the slice past
	// the call.
	Consume func(chunkIndex int, data []byte) error
	// OnChunkComplete, if set, is invoked after each chunk is consumed —
	// used by the progress-state introspection layer. It runs synchronously
	// in the orchestrator loop and returns nothing, so its failures cannot
	// fail the download.
	OnChunkComplete func(chunkIndex int, size int64)

	// Cache and CacheKey enable the cache-integration clause: before
	// scheduling, the downloader consults Cache for CacheKey under
	// cache.KindWebFile; a hit short-circuits to a single in-memory
	// delivery via Consume. On a successful full download the concatenated
	// bytes are offered back to the cache. Both may be nil/empty to skip
	// caching entirely.
	Cache    *cache.Store
	CacheKey string
}

// Download fetches [l,r] of Options.URL in parallel chunks and streams them
// to Options.Consume in order. It returns the first worker error
// encountered, if any — by the time it returns, all workers have either
// finished or been told to stop via ctx cancellation.
func Download(ctx context.Context, l, r int64, opts Options) error {
	if opts.Cache != nil && opts.Cache.Enabled() && opts.CacheKey != "" {
		if data, ok := opts.Cache.LookupBytes(cache.KindWebFile, opts.CacheKey); ok {
			return opts.Consume(0, data)
		}
	}

	chunks := PlanChunks(l, r, opts.MaxThreads, opts.MaxChunkBytes)
	if len(chunks) == 0 {
		return nil
	}

	var mu sync.Mutex
	schedule := chunks

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	var firstErrOnce sync.Once
	recordErr := func(err error) {
		firstErrOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	sem := make(chan struct{}, opts.MaxThreads)
	var wg sync.WaitGroup
	wg.Add(len(schedule))
	// Workers are launched from their own goroutine so the orchestrator
	// below drains chunks while later ones still wait for a free slot.
	go func() {
		for i := range schedule {
			i := i
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				data, err := fetchChunkWithRetry(ctx, opts, schedule[i].start, schedule[i].end)
				mu.Lock()
				if err != nil {
					schedule[i].err = err
				} else {
					schedule[i].data = data
					schedule[i].downloaded = true
				}
				mu.Unlock()
				if err != nil {
					recordErr(err)
				}
			}()
		}
	}()

	cacheEligible := opts.Cache != nil && opts.Cache.Enabled() && opts.CacheKey != ""
	var wholeFile []byte
	if cacheEligible {
		wholeFile = make([]byte, 0, r-l+1)
	}

	// Orchestrator: walk the schedule in order, waiting for each descriptor
	// to become ready, and drain it to the consumer before moving on. Chunk
	// memory is released immediately after consumption unless the result is
	// being accumulated for the cache.
	consumeErr := func() error {
		for i := range schedule {
			for {
				mu.Lock()
				d := schedule[i]
				mu.Unlock()
				if d.downloaded {
					if err := opts.Consume(d.id, d.data); err != nil {
						return err
					}
					if cacheEligible {
						wholeFile = append(wholeFile, d.data...)
					}
					mu.Lock()
					schedule[i].consumed = true
					schedule[i].data = nil
					mu.Unlock()
					if opts.OnChunkComplete != nil {
						opts.OnChunkComplete(d.id, d.size())
					}
					break
				}
				if d.err != nil {
					return d.err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Millisecond):
				}
			}
		}
		return nil
	}()

	wg.Wait()
	if consumeErr != nil {
		return consumeErr
	}
	if firstErr != nil {
		return firstErr
	}
	if cacheEligible {
		// fail-soft: a cache write failure must never fail the download itself.
		_, _ = opts.Cache.Store(cache.KindWebFile, opts.CacheKey, wholeFile)
	}
	return nil
}

// fetchChunkWithRetry issues a single ranged GET for [start,end], retrying
// up to opts.MaxRetries times with exact 2^attempt second backoff.
func fetchChunkWithRetry(ctx context.Context, opts Options, start, end int64) ([]byte, error) {
	var lastErr error
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		data, err := fetchChunkOnce(ctx, opts, start, end)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, errkind.Wrap(errkind.Network, fmt.Errorf("chunk [%d-%d] failed after %d attempts: %w", start, end, maxRetries+1, lastErr))
}

func fetchChunkOnce(ctx context.Context, opts Options, start, end int64) ([]byte, error) {
	connectTimeout := opts.ChunkTimeout.Connect
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	readTimeout := opts.ChunkTimeout.Read
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	cl := newHTTPClient(opts.Config, connectTimeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent(opts.Config))
	if opts.Headers != nil {
		opts.Headers.Each(func(name, value string) {
			if eqFold(name, "Host") || eqFold(name, "Range") {
				return
			}
			req.Header.Set(name, value)
		})
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := cl.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 3 {
		return nil, errkind.Wrap(errkind.Network, fmt.Errorf("unexpected redirect status %d fetching chunk", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		return nil, errkind.Wrap(errkind.Network, fmt.Errorf("%s", friendlyStatusMessage(resp.StatusCode, resp.Status)))
	}

	want := end - start + 1
	data := make([]byte, 0, want)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errkind.Wrap(errkind.Network, rerr)
		}
	}
	if int64(len(data)) != want {
		return nil, errkind.Wrap(errkind.Protocol, fmt.Errorf("chunk [%d-%d]: expected %d bytes, got %d", start, end, want, len(data)))
	}
	return data, nil
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 32
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// CacheKey builds the admission cache key for a downloaded range, per
// spec.md's §4.3 cache integration clause.
func CacheKey(url string, headers *httpcodec.Headers, totalSize int64) string {
	return fmt.Sprintf("%s#%s#%d", url, httpcodec.CanonicalHeaderKey(headers), totalSize)
}
