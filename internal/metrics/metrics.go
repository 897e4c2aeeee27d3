// Package metrics writes a Prometheus textfile-collector snapshot of proxy
// counters. It is entirely optional: nil Manager methods are no-ops so
// callers never have to guard every call site with a nil check.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rangeproxy/internal/config"
)

type Manager struct {
	path string
	mu   sync.Mutex

	bytesTunneledTotal  int64
	chunkRetriesTotal   int64
	cacheHitsTotal      int64
	cacheMissesTotal    int64
	connectionsTotal    int64
	activeConnections   int64
	lastDownloadSeconds float64
}

// New returns nil when textfile metrics are disabled, so callers can
// hold the zero value and call methods on it unconditionally.
func New(cfg *config.Config) *Manager {
	if cfg == nil || !cfg.Metrics.PrometheusTextfile.Enabled || cfg.Metrics.PrometheusTextfile.Path == "" {
		return nil
	}
	p := cfg.Metrics.PrometheusTextfile.Path
	_ = os.MkdirAll(filepath.Dir(p), 0o755)
	return &Manager{path: p}
}

func (m *Manager) AddBytesTunneled(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.bytesTunneledTotal += n
	m.mu.Unlock()
}

func (m *Manager) IncChunkRetries(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.chunkRetriesTotal += n
	m.mu.Unlock()
}

func (m *Manager) IncCacheHit() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cacheHitsTotal++
	m.mu.Unlock()
}

func (m *Manager) IncCacheMiss() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cacheMissesTotal++
	m.mu.Unlock()
}

func (m *Manager) ConnectionOpened() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.connectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

func (m *Manager) ConnectionClosed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.activeConnections > 0 {
		m.activeConnections--
	}
	m.mu.Unlock()
}

func (m *Manager) ObserveDownloadSeconds(sec float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lastDownloadSeconds = sec
	m.mu.Unlock()
}

// Write renders the current counters to the configured textfile path,
// atomically replacing any previous snapshot.
func (m *Manager) Write() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.CreateTemp(filepath.Dir(m.path), ".metrics.tmp.*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	metric := func(name, help, typ string, value interface{}) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s %s\n", name, typ)
		fmt.Fprintf(f, "%s %v\n", name, value)
	}

	metric("rangeproxy_bytes_tunneled_total", "Total bytes relayed through the tunnel engine.", "counter", m.bytesTunneledTotal)
	metric("rangeproxy_chunk_retries_total", "Total chunk fetch retries.", "counter", m.chunkRetriesTotal)
	metric("rangeproxy_cache_hits_total", "Total cache lookups that hit.", "counter", m.cacheHitsTotal)
	metric("rangeproxy_cache_misses_total", "Total cache lookups that missed.", "counter", m.cacheMissesTotal)
	metric("rangeproxy_connections_total", "Total client connections accepted.", "counter", m.connectionsTotal)
	metric("rangeproxy_active_connections", "Client connections currently open.", "gauge", m.activeConnections)
	metric("rangeproxy_last_download_seconds", "Duration of the last completed chunked download.", "gauge", fmt.Sprintf("%.6f", m.lastDownloadSeconds))
	metric("rangeproxy_metrics_timestamp_seconds", "UNIX timestamp when this file was written.", "gauge", time.Now().Unix())

	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), m.path)
}
