package state

import "time"

// ChunkRow is one descriptor's progress row, keyed by the same cache key
// the downloader uses for admission, so the tui/status view can join a
// download to its chunks without tracking a separate id.
type ChunkRow struct {
	CacheKey string
	Index    int
	Start    int64
	End      int64
	Size     int64
	Status   string // pending | downloading | complete | failed
}

const (
	ChunkPending     = "pending"
	ChunkDownloading = "downloading"
	ChunkComplete    = "complete"
	ChunkFailed      = "failed"
)

// UpsertChunk records a chunk descriptor's current status, inserting the
// row if it does not exist yet. The tunnel calls it once per chunk, after
// the chunk has been consumed.
func (db *DB) UpsertChunk(c ChunkRow) error {
	_, err := db.SQL.Exec(`INSERT INTO chunks(cache_key,idx,start,end,size,status,updated_at) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(cache_key,idx) DO UPDATE SET start=excluded.start,end=excluded.end,size=excluded.size,
			status=excluded.status,updated_at=excluded.updated_at`,
		c.CacheKey, c.Index, c.Start, c.End, c.Size, c.Status, time.Now().Unix())
	return err
}

// ListChunks returns all chunk rows for a download, ordered by index.
func (db *DB) ListChunks(cacheKey string) ([]ChunkRow, error) {
	rows, err := db.SQL.Query(`SELECT cache_key,idx,start,end,size,status FROM chunks WHERE cache_key=? ORDER BY idx`, cacheKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRow
	for rows.Next() {
		var c ChunkRow
		if err := rows.Scan(&c.CacheKey, &c.Index, &c.Start, &c.End, &c.Size, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChunkStatus transitions a single chunk's status without touching
// its size/range fields.
func (db *DB) UpdateChunkStatus(cacheKey string, idx int, status string) error {
	_, err := db.SQL.Exec(`UPDATE chunks SET status=?, updated_at=? WHERE cache_key=? AND idx=?`,
		status, time.Now().Unix(), cacheKey, idx)
	return err
}

// DeleteChunks removes a download's chunk rows. Nothing in the proxy or
// rangeproxyctl calls it, so rows stay until removed by hand.
func (db *DB) DeleteChunks(cacheKey string) error {
	_, err := db.SQL.Exec(`DELETE FROM chunks WHERE cache_key=?`, cacheKey)
	return err
}
