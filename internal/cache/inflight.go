package cache

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"

	"github.com/cargobay/cargobay/core"
)

// inflightFetch coordinates a single upstream fetch shared by every caller
// that asks for the same (registry_id, digest) key while it is in
// progress. Readers observe the growing temporary file directly; a
// condition variable wakes them as bytes are appended and once more when
// the fetch finishes, successfully or not. This is strategy (i) from the
// design notes: a growing file plus wake-on-append, rather than a buffered
// tee with backpressure.
type inflightFetch struct {
	cache   *Cache
	key     core.BlobKey
	tmpPath string

	mu          sync.Mutex
	cond        *sync.Cond
	ready       bool // fetch() returned; length/contentType are settled
	written     int64
	done        bool
	err         error
	length      int64
	contentType string
}

func newInflightFetch(c *Cache, key core.BlobKey, contentTypeHint string) *inflightFetch {
	f := &inflightFetch{
		cache:       c,
		key:         key,
		tmpPath:     filepath.Join(c.dir, "tmp", uuid.NewString()+".tmp"),
		length:      -1,
		contentType: contentTypeHint,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// join waits for the fetch to report its headers (or fail outright) and
// returns a reader positioned at offset 0 of the shared byte stream.
func (f *inflightFetch) join() (io.ReadCloser, int64, string, error) {
	f.mu.Lock()
	for !f.ready {
		f.cond.Wait()
	}
	err := f.err
	length := f.length
	contentType := f.contentType
	f.mu.Unlock()

	if err != nil {
		return nil, 0, "", err
	}

	//nolint:gosec // G304: tmpPath is generated internally, not user input
	file, oerr := os.Open(f.tmpPath)
	if oerr != nil {
		if !os.IsNotExist(oerr) {
			return nil, 0, "", fmt.Errorf("%w: %v", core.ErrCacheIO, oerr)
		}
		// The fetch has already renamed the temp file into its final
		// location (verified and complete) but may not have published
		// to the index yet. Read the finished blob directly rather than
		// the now-vanished temp path.
		blobPath := f.cache.blobPath(f.key.RegistryID, f.key.Digest)
		//nolint:gosec // G304: blobPath is derived from digest, not user input
		blobFile, berr := os.Open(blobPath)
		if berr != nil {
			return nil, 0, "", fmt.Errorf("%w: %v", core.ErrCacheIO, berr)
		}
		if info, statErr := blobFile.Stat(); statErr == nil {
			length = info.Size()
		}
		return blobFile, length, contentType, nil
	}
	return &inflightReader{fetch: f, file: file}, length, contentType, nil
}

// run performs the fetch and ingest. It must be called from its own
// goroutine, exactly once, with a context detached from any individual
// requester's lifetime.
func (f *inflightFetch) run(ctx context.Context, fetch FetchFunc) {
	//nolint:gosec // G304: tmpPath is generated internally, not user input
	file, err := os.OpenFile(f.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		f.fail(fmt.Errorf("%w: %v", core.ErrCacheIO, err))
		return
	}

	body, length, contentType, err := fetch(ctx)
	if err != nil {
		file.Close()
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err))
		return
	}
	defer body.Close()

	f.mu.Lock()
	if contentType != "" {
		f.contentType = contentType
	}
	f.length = length
	f.ready = true
	f.cond.Broadcast()
	f.mu.Unlock()

	hasher := digestHasher(f.key.Digest.Algorithm())
	written, werr := copyAndHash(file, body, hasher, f)
	if werr != nil {
		file.Close()
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, werr))
		return
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: %v", core.ErrCacheIO, err))
		return
	}
	if err := file.Close(); err != nil {
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: %v", core.ErrCacheIO, err))
		return
	}

	computed := digest.NewDigest(f.key.Digest.Algorithm(), hasher)
	if computed != f.key.Digest {
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: expected %s, got %s", core.ErrDigestMismatch, f.key.Digest, computed))
		return
	}

	blobPath := f.cache.blobPath(f.key.RegistryID, f.key.Digest)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o700); err != nil {
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: %v", core.ErrCacheIO, err))
		return
	}
	if err := os.Rename(f.tmpPath, blobPath); err != nil {
		os.Remove(f.tmpPath)
		f.fail(fmt.Errorf("%w: %v", core.ErrCacheIO, err))
		return
	}

	now := time.Now()
	rec := &entryRecord{
		RegistryID:   f.key.RegistryID,
		Digest:       f.key.Digest,
		Size:         written,
		ContentType:  f.contentType,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := saveEntry(f.cache.sidecarPath(blobPath), rec); err != nil {
		f.cache.logger.Warn("failed to save cache entry", "error", err)
	}

	f.cache.publish(f.key, rec)

	f.mu.Lock()
	f.done = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// copyAndHash streams body into file while hashing it, publishing progress
// to f after every chunk so waiting readers can be woken.
func copyAndHash(file *os.File, body io.Reader, hasher hash.Hash, f *inflightFetch) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return written, werr
			}
			hasher.Write(buf[:n])
			written += int64(n)

			f.mu.Lock()
			f.written = written
			f.cond.Broadcast()
			f.mu.Unlock()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

func (f *inflightFetch) fail(err error) {
	// Clear the in-flight slot before waking readers, so a caller that has
	// seen the error and retries starts a fresh fetch.
	f.cache.dropInflight(f.key)

	f.mu.Lock()
	f.err = err
	f.done = true
	f.ready = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

func digestHasher(algo digest.Algorithm) hash.Hash {
	if algo.Available() {
		return algo.Hash()
	}
	return digest.SHA256.Hash()
}

// inflightReader streams the shared temp file from offset 0, blocking on
// bytes not yet written and surfacing the fetch's terminal error, if any,
// to every reader that reaches the end of the stream.
type inflightReader struct {
	fetch  *inflightFetch
	file   *os.File
	offset int64
}

func (r *inflightReader) Read(p []byte) (int, error) {
	for {
		r.fetch.mu.Lock()
		avail := r.fetch.written - r.offset
		done := r.fetch.done
		ferr := r.fetch.err
		r.fetch.mu.Unlock()

		if avail > 0 {
			n, err := r.file.ReadAt(p, r.offset)
			if n > 0 {
				r.offset += int64(n)
				return n, nil
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, err
			}
			continue
		}

		if done {
			if ferr != nil {
				return 0, ferr
			}
			return 0, io.EOF
		}

		r.fetch.mu.Lock()
		for r.fetch.written == r.offset && !r.fetch.done {
			r.fetch.cond.Wait()
		}
		r.fetch.mu.Unlock()
	}
}

func (r *inflightReader) Close() error {
	return r.file.Close()
}
