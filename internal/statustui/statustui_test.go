package statustui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rangeproxy/internal/cache"
	"rangeproxy/internal/state"
)

func TestUpdateAppliesSnapshot(t *testing.T) {
	m := New(nil, nil, time.Second)
	next, cmd := m.Update(snapshotMsg{
		downloads: []state.DownloadSummary{
			{URL: "https://example.com/file.bin", TotalSize: 1024, ChunkCount: 4, CompletedChunks: 2},
		},
		cacheStat: cache.Stat{Shards: 1, Entries: 1, TotalBytes: 1024},
	})
	if cmd != nil {
		t.Fatal("expected no follow-up command from a snapshot update")
	}
	nm := next.(Model)
	if len(nm.downloads) != 1 || nm.downloads[0].URL != "https://example.com/file.bin" {
		t.Fatalf("expected downloads applied, got %+v", nm.downloads)
	}
	if nm.cacheStat.Entries != 1 {
		t.Fatalf("expected cache stat applied, got %+v", nm.cacheStat)
	}
}

func TestViewRendersActiveDownloadAndCacheLine(t *testing.T) {
	m := New(nil, nil, time.Second)
	next, _ := m.Update(snapshotMsg{
		downloads: []state.DownloadSummary{
			{URL: "https://example.com/file.bin", TotalSize: 2048, ChunkCount: 4, CompletedChunks: 1},
		},
		cacheStat: cache.Stat{Shards: 2, Entries: 5, TotalBytes: 4096},
	})
	out := next.(Model).View()
	if !strings.Contains(out, "file.bin") {
		t.Fatalf("expected download URL in view, got:\n%s", out)
	}
	if !strings.Contains(out, "cache: 2 shards, 5 entries") {
		t.Fatalf("expected cache summary in view, got:\n%s", out)
	}
}

func TestUpdateQuitsOnQKey(t *testing.T) {
	m := New(nil, nil, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
}

func TestViewShowsNoActiveDownloads(t *testing.T) {
	m := New(nil, nil, time.Second)
	out := m.View()
	if !strings.Contains(out, "no active downloads") {
		t.Fatalf("expected empty-state message, got:\n%s", out)
	}
}
