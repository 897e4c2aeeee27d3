package tunnel

import (
	"context"
	"os"
	"strings"

	"rangeproxy/internal/downloader"
	"rangeproxy/internal/httpcodec"
	"rangeproxy/internal/mfc"
)

type decisionKind int

const (
	decidePass decisionKind = iota
	decideServeFile
	decideStream
)

// decision is the outcome of on_header for a single GET: either let it
// fall through to a raw tunnel, serve bytes from a pre-staged file, or
// stream a parallel range download.
type decision struct {
	kind      decisionKind
	probe     downloader.ProbeResult
	rng       httpcodec.Range
	hasRange  bool
	servePath string
}

// onHeader implements spec.md §4.4's GET interception decision: skip
// non-GET, multi-range, and MFC-disabled requests outright; otherwise
// probe the origin with HEAD and decide between serving a pre-staged file,
// streaming a parallel download, or falling back to a raw tunnel.
func (e *Engine) onHeader(ctx context.Context, req *httpcodec.Request) (decision, error) {
	if !strings.EqualFold(req.Line.Method, "GET") {
		return decision{kind: decidePass}, nil
	}

	if rangeHdr, ok := req.Headers.Get("Range"); ok {
		if _, ok := httpcodec.ParseRangeHeader(rangeHdr); !ok {
			return decision{kind: decidePass}, nil
		}
	}

	var mfcDecision mfc.Decision
	var mfcPath string
	if e.MFC != nil {
		mfcDecision, mfcPath = e.MFC.Lookup(req.Line.Target)
	}
	if mfcDecision == mfc.CacheDisabled {
		return decision{kind: decidePass}, nil
	}

	probe, err := downloader.Head(ctx, e.Config, req.Line.Target, req.Headers)
	if err != nil {
		return decision{kind: decidePass}, nil
	}

	if mfcDecision == mfc.ServeFile {
		if info, statErr := os.Stat(mfcPath); statErr == nil && probe.FullLength > 0 && info.Size() == probe.FullLength {
			return decision{kind: decideServeFile, probe: probe, servePath: mfcPath}, nil
		}
	}

	if !probe.AcceptRanges || probe.FullLength <= 0 {
		return decision{kind: decidePass}, nil
	}

	thresholdMB := e.Config.Concurrency.MultipartMB
	if thresholdMB <= 0 {
		thresholdMB = 1
	}
	if probe.FullLength < int64(thresholdMB)<<20 {
		return decision{kind: decidePass}, nil
	}

	rng, hasRange := httpcodec.Range{}, false
	if rangeHdr, ok := req.Headers.Get("Range"); ok {
		if r, ok := httpcodec.ParseRangeHeader(rangeHdr); ok {
			rng, hasRange = r, true
		}
	}

	return decision{kind: decideStream, probe: probe, rng: rng, hasRange: hasRange}, nil
}
