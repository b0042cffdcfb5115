package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// RecoverySummary counts what Recover did, logged once at startup so an
// operator can see whether the prior shutdown was clean.
type RecoverySummary struct {
	Recovered      int // streams whose index entry matched the segment file as-is
	Reconciled     int // streams whose index offset was corrected from the segment
	Dropped        int // index entries whose segment file was missing, deleted
	OrphansRemoved int // segment directories with no index entry, deleted
}

// Recover reconciles the metadata index in dataDir against the segment
// files actually on disk. The segment file is ground truth: a crash
// between a frame write and the matching index update leaves the index
// stale, never the other way around, because UpdateOffset always runs
// after the frame is fsynced. Recover must run before a FileStore
// starts serving traffic.
func Recover(dataDir string) (RecoverySummary, error) {
	var summary RecoverySummary

	metaDir := filepath.Join(dataDir, "metadata")
	if _, err := os.Stat(metaDir); os.IsNotExist(err) {
		return summary, nil
	}

	metaStore, err := NewBboltMetadataStore(metaDir)
	if err != nil {
		return summary, fmt.Errorf("open metadata store: %w", err)
	}
	defer metaStore.Close()

	streamsDir := filepath.Join(dataDir, "streams")
	indexed := make(map[string]bool)

	// ForEach holds the metadata store's read lock for the whole
	// iteration, and Delete/UpdateOffset take its write lock, so the
	// fixes below can only be collected here and applied once ForEach
	// has returned and released the lock.
	var toDrop []string
	var toReconcile []struct {
		path   string
		offset Offset
	}

	err = metaStore.ForEach(func(meta *StreamMetadata, dirName string) error {
		indexed[dirName] = true
		segPath := filepath.Join(streamsDir, dirName, SegmentFileName)

		if _, err := os.Stat(segPath); os.IsNotExist(err) {
			toDrop = append(toDrop, meta.Path)
			return nil
		}

		trueOffset, err := ScanSegment(segPath)
		if err != nil {
			return fmt.Errorf("scan segment for %s: %w", meta.Path, err)
		}

		if meta.CurrentOffset.Equal(trueOffset) {
			summary.Recovered++
			return nil
		}

		toReconcile = append(toReconcile, struct {
			path   string
			offset Offset
		}{meta.Path, trueOffset})
		return nil
	})
	if err != nil {
		return summary, err
	}

	for _, path := range toDrop {
		if err := metaStore.Delete(path); err != nil {
			return summary, fmt.Errorf("drop %s: %w", path, err)
		}
		summary.Dropped++
	}
	for _, r := range toReconcile {
		if err := metaStore.UpdateOffset(r.path, r.offset, ""); err != nil {
			return summary, fmt.Errorf("reconcile %s: %w", r.path, err)
		}
		summary.Reconciled++
	}

	entries, err := os.ReadDir(streamsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return summary, fmt.Errorf("list streams directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || indexed[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(streamsDir, entry.Name())); err == nil {
			summary.OrphansRemoved++
		}
	}

	return summary, nil
}
