package cache

import (
	"os"
	"sort"
	"time"

	"github.com/cargobay/cargobay/core"
)

// SweepResult reports the outcome of one bounds-enforcement pass.
type SweepResult struct {
	EntriesRemoved   int
	BytesRemoved     int64
	EntriesRemaining int
	BytesRemaining   int64
}

type keyedEntry struct {
	key   core.BlobKey
	entry *entryRecord
}

// Sweep enforces the age bound (any entry with age > max_age is removed)
// and then the size bound (oldest first, ties broken by larger size
// first, until total size is at or under max_size_bytes).
//
// Index entries are dropped before their backing files are unlinked. On
// Unix, a reader with an already-open file descriptor keeps seeing its
// bytes after unlink; no refcount is needed to make eviction safe for
// concurrent readers.
func (c *Cache) Sweep(now time.Time) (SweepResult, error) {
	c.mu.Lock()
	all := make([]keyedEntry, 0, len(c.index))
	for k, e := range c.index {
		all = append(all, keyedEntry{k, e})
	}

	var toRemove []keyedEntry
	kept := all[:0:0]

	if c.maxAge > 0 {
		for _, ke := range all {
			if now.Sub(ke.entry.CreatedAt) > c.maxAge {
				toRemove = append(toRemove, ke)
			} else {
				kept = append(kept, ke)
			}
		}
	} else {
		kept = append(kept, all...)
	}

	if c.maxSizeBytes > 0 {
		var size int64
		for _, ke := range kept {
			size += ke.entry.Size
		}
		if size > c.maxSizeBytes {
			sort.Slice(kept, func(i, j int) bool {
				ci, cj := kept[i].entry.CreatedAt, kept[j].entry.CreatedAt
				if !ci.Equal(cj) {
					return ci.Before(cj)
				}
				return kept[i].entry.Size > kept[j].entry.Size
			})
			i := 0
			for size > c.maxSizeBytes && i < len(kept) {
				toRemove = append(toRemove, kept[i])
				size -= kept[i].entry.Size
				i++
			}
			kept = kept[i:]
		}
	}

	var bytesRemoved int64
	for _, ke := range toRemove {
		delete(c.index, ke.key)
		c.totalSize -= ke.entry.Size
		bytesRemoved += ke.entry.Size
	}
	remainingBytes := c.totalSize
	remainingCount := len(c.index)
	c.mu.Unlock()

	for _, ke := range toRemove {
		blobPath := c.blobPath(ke.key.RegistryID, ke.key.Digest)
		os.Remove(blobPath)
		os.Remove(c.sidecarPath(blobPath))
	}

	return SweepResult{
		EntriesRemoved:   len(toRemove),
		BytesRemoved:     bytesRemoved,
		EntriesRemaining: remainingCount,
		BytesRemaining:   remainingBytes,
	}, nil
}
