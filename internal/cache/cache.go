// Package cache implements Cargo Bay's content-addressed blob store: a
// size- and age-bounded on-disk cache keyed by (registry_id, digest) with
// single-writer/many-reader fan-out for concurrent misses.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	digest "github.com/opencontainers/go-digest"

	"github.com/cargobay/cargobay/core"
)

// Cache is a content-addressed, size- and age-bounded blob store. At most
// one upstream fetch is ever in flight per (registry_id, digest) key;
// concurrent callers of GetOrFetch for the same key observe byte-identical
// streams drawn from that single fetch.
type Cache struct {
	dir    string
	logger *slog.Logger

	maxSizeBytes int64
	maxAge       time.Duration

	mu        sync.RWMutex
	index     map[core.BlobKey]*entryRecord
	totalSize int64
	inflight  map[core.BlobKey]*inflightFetch

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// FetchFunc retrieves a blob's bytes from upstream on a cache miss. It is
// invoked at most once per key even when many callers race on the same
// miss. contentLength is -1 when the origin did not report one.
type FetchFunc func(ctx context.Context) (body io.ReadCloser, contentLength int64, contentType string, err error)

// New opens or creates a cache rooted at dir, reconciling any blobs left
// behind by a previous run. maxAge of zero disables the age bound;
// maxSizeBytes of zero disables the size bound.
func New(dir string, maxSizeBytes int64, maxAge time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o700); err != nil {
		return nil, fmt.Errorf("create cache tmp directory: %w", err)
	}

	c := &Cache{
		dir:          dir,
		logger:       logger,
		maxSizeBytes: maxSizeBytes,
		maxAge:       maxAge,
		index:        make(map[core.BlobKey]*entryRecord),
		inflight:     make(map[core.BlobKey]*inflightFetch),
		stopSweep:    make(chan struct{}),
	}

	if err := c.reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile cache: %w", err)
	}

	return c, nil
}

// StartSweeper runs the age/size bounds sweep on interval until Close is called.
func (c *Cache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopSweep:
				return
			case now := <-ticker.C:
				result, err := c.Sweep(now)
				if err != nil {
					c.logger.Warn("cache sweep failed", "error", err)
					continue
				}
				if result.EntriesRemoved > 0 {
					c.logger.Info("cache sweep evicted entries",
						"removed", result.EntriesRemoved,
						"bytes_removed", humanize.Bytes(uint64(result.BytesRemoved)),
						"bytes_remaining", humanize.Bytes(uint64(result.BytesRemaining)))
				}
			}
		}
	}()
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// Has reports whether a complete, indexed entry exists for the key.
func (c *Cache) Has(registryID string, dgst digest.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[core.BlobKey{RegistryID: registryID, Digest: dgst}]
	return ok
}

// Size returns the blob's length if a complete entry is indexed.
func (c *Cache) Size(registryID string, dgst digest.Digest) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index[core.BlobKey{RegistryID: registryID, Digest: dgst}]
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// GetOrFetch returns a stream of the blob's bytes, its length, its content
// type, and whether it was already resident (a hit) or required joining an
// upstream fetch (a miss). A cache hit streams from disk. A cache miss joins
// (or starts) the single in-flight fetch for the key; fetch is called at
// most once regardless of how many callers race here for the same key.
//
// The returned stream must be closed by the caller. Digest verification,
// atomic publication into the cache, and eviction of corrupt entries are
// all handled internally.
func (c *Cache) GetOrFetch(ctx context.Context, registryID string, dgst digest.Digest, contentTypeHint string, fetch FetchFunc) (rc io.ReadCloser, size int64, contentType string, hit bool, err error) {
	key := core.BlobKey{RegistryID: registryID, Digest: dgst}

	c.mu.Lock()
	if e, ok := c.index[key]; ok {
		c.mu.Unlock()
		rc, size, contentType, err := c.openEntry(key, e)
		if err == nil {
			return rc, size, contentType, true, nil
		}
		c.logger.Debug("cache hit but blob unreadable, evicting", "registry_id", registryID, "digest", dgst, "error", err)
		c.evictKey(key)
		c.mu.Lock()
	}

	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		rc, size, contentType, err := f.join()
		return rc, size, contentType, false, err
	}

	f := newInflightFetch(c, key, contentTypeHint)
	c.inflight[key] = f
	c.mu.Unlock()

	// The shared fetch is deliberately detached from the caller's request
	// context: per-request cancellation must never abort an ingest that
	// other, still-connected readers depend on.
	go f.run(context.Background(), fetch)

	rc, size, contentType, err = f.join()
	return rc, size, contentType, false, err
}

func (c *Cache) openEntry(key core.BlobKey, e *entryRecord) (io.ReadCloser, int64, string, error) {
	blobPath := c.blobPath(key.RegistryID, key.Digest)
	if err := ensureCacheFile(blobPath); err != nil {
		return nil, 0, "", err
	}
	//nolint:gosec // G304: blobPath is derived from digest, not user input
	f, err := os.Open(blobPath)
	if err != nil {
		return nil, 0, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", err
	}
	if info.Size() != e.Size {
		f.Close()
		return nil, 0, "", fmt.Errorf("cached blob size mismatch: expected %d, got %d", e.Size, info.Size())
	}
	c.touch(key, e)
	return f, e.Size, e.ContentType, nil
}

func (c *Cache) touch(key core.BlobKey, e *entryRecord) {
	now := time.Now()
	c.mu.Lock()
	e.LastAccessed = now
	snapshot := *e
	c.mu.Unlock()

	blobPath := c.blobPath(key.RegistryID, key.Digest)
	if err := saveEntry(c.sidecarPath(blobPath), &snapshot); err != nil {
		c.logger.Debug("failed to touch cache entry", "error", err)
	}
}

func (c *Cache) evictKey(key core.BlobKey) {
	c.mu.Lock()
	e, ok := c.index[key]
	if ok {
		delete(c.index, key)
		c.totalSize -= e.Size
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	blobPath := c.blobPath(key.RegistryID, key.Digest)
	os.Remove(blobPath)
	os.Remove(c.sidecarPath(blobPath))
}

// publish records a freshly ingested blob into the index. Called by
// inflightFetch once the temp file has been verified and renamed.
func (c *Cache) publish(key core.BlobKey, e *entryRecord) {
	c.mu.Lock()
	c.index[key] = e
	c.totalSize += e.Size
	delete(c.inflight, key)
	c.mu.Unlock()
}

// dropInflight removes a failed fetch from the in-flight table.
func (c *Cache) dropInflight(key core.BlobKey) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// blobPath returns the on-disk location of a complete blob:
// <dir>/<registry_id>/<algorithm>/<hex[0:2]>/<hex>.
func (c *Cache) blobPath(registryID string, dgst digest.Digest) string {
	hex := dgst.Encoded()
	return filepath.Join(c.dir, registryID, dgst.Algorithm().String(), hex[:2], hex)
}

func (c *Cache) sidecarPath(blobPath string) string {
	return blobPath + ".json"
}

// TotalSize reports the sum of all indexed blob sizes.
func (c *Cache) TotalSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSize
}

// EntryCount reports the number of complete, indexed blobs.
func (c *Cache) EntryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}
