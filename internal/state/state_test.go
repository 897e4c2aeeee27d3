package state

import "testing"

func TestUpsertDownloadAndListActive(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer db.Close()

	row := DownloadRow{
		CacheKey:   "https://example.com/file.bin#accept:*/*\n#1048576",
		URL:        "https://example.com/file.bin",
		Host:       "example.com",
		TotalSize:  1048576,
		ChunkCount: 4,
		Status:     StatusActive,
	}
	if err := db.UpsertDownload(row); err != nil {
		t.Fatalf("UpsertDownload: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.UpsertChunk(ChunkRow{
			CacheKey: row.CacheKey,
			Index:    i,
			Start:    int64(i) * 262144,
			End:      int64(i+1)*262144 - 1,
			Size:     262144,
			Status:   ChunkComplete,
		}); err != nil {
			t.Fatalf("UpsertChunk: %v", err)
		}
	}

	summaries, err := db.ListActiveDownloads()
	if err != nil {
		t.Fatalf("ListActiveDownloads: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 active download, got %d", len(summaries))
	}
	if summaries[0].CompletedChunks != 2 {
		t.Fatalf("expected 2 completed chunks, got %d", summaries[0].CompletedChunks)
	}
	if summaries[0].ChunkCount != 4 {
		t.Fatalf("expected chunk_count 4, got %d", summaries[0].ChunkCount)
	}
}

func TestSetDownloadStatusExcludesFromActiveList(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer db.Close()

	key := "https://example.com/a#\n#10"
	if err := db.UpsertDownload(DownloadRow{CacheKey: key, URL: "https://example.com/a", Host: "example.com", TotalSize: 10, ChunkCount: 1, Status: StatusActive}); err != nil {
		t.Fatalf("UpsertDownload: %v", err)
	}
	if err := db.SetDownloadStatus(key, StatusComplete); err != nil {
		t.Fatalf("SetDownloadStatus: %v", err)
	}
	summaries, err := db.ListActiveDownloads()
	if err != nil {
		t.Fatalf("ListActiveDownloads: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("expected no active downloads after completion, got %d", len(summaries))
	}
}

func TestListChunksOrderedByIndex(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer db.Close()

	key := "k"
	for _, i := range []int{2, 0, 1} {
		if err := db.UpsertChunk(ChunkRow{CacheKey: key, Index: i, Start: 0, End: 1, Size: 2, Status: ChunkPending}); err != nil {
			t.Fatalf("UpsertChunk: %v", err)
		}
	}
	chunks, err := db.ListChunks(key)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunks not ordered by index: %+v", chunks)
		}
	}
}
