package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rangeproxy/internal/config"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.PrometheusTextfile.Enabled = false
	if m := New(cfg); m != nil {
		t.Fatal("expected nil Manager when textfile metrics disabled")
	}
}

func TestNilManagerMethodsAreNoOps(t *testing.T) {
	var m *Manager
	m.AddBytesTunneled(10)
	m.IncChunkRetries(1)
	m.IncCacheHit()
	m.IncCacheMiss()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveDownloadSeconds(1.5)
	if err := m.Write(); err != nil {
		t.Fatalf("Write on nil manager: %v", err)
	}
}

func TestWriteProducesPrometheusTextfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rangeproxy.prom")

	cfg := config.Default()
	cfg.Metrics.PrometheusTextfile.Enabled = true
	cfg.Metrics.PrometheusTextfile.Path = path

	m := New(cfg)
	if m == nil {
		t.Fatal("expected non-nil Manager")
	}
	m.AddBytesTunneled(2048)
	m.IncChunkRetries(3)
	m.IncCacheHit()
	m.ConnectionOpened()

	if err := m.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"rangeproxy_bytes_tunneled_total 2048",
		"rangeproxy_chunk_retries_total 3",
		"rangeproxy_cache_hits_total 1",
		"rangeproxy_active_connections 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}
}
