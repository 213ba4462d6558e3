package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const cursorFile = "replay.cursor"

// Cursor is the replay position: the next unreplayed record is entry Entry
// of the block at Offset in segment SegmentID. Segments with a lower id have
// been replayed.
type Cursor struct {
	SegmentID uint64 `json:"segment_id"`
	Offset    int64  `json:"offset"`
	Entry     int    `json:"entry"`
}

// Before reports whether c is strictly behind o.
func (c Cursor) Before(o Cursor) bool {
	if c.SegmentID != o.SegmentID {
		return c.SegmentID < o.SegmentID
	}
	if c.Offset != o.Offset {
		return c.Offset < o.Offset
	}
	return c.Entry < o.Entry
}

func loadCursor(dir string) (Cursor, error) {
	var c Cursor
	data, err := os.ReadFile(filepath.Join(dir, cursorFile))
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse replay cursor: %w", err)
	}
	return c, nil
}

// saveCursor replaces the cursor file atomically.
func saveCursor(dir string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, cursorFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write replay cursor: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write replay cursor: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync replay cursor: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename replay cursor: %w", err)
	}
	return syncDir(dir)
}
