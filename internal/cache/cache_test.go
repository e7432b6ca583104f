package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDigest(t *testing.T, data []byte) digest.Digest {
	t.Helper()
	sum := sha256.Sum256(data)
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
}

func staticFetch(data []byte, contentType string) FetchFunc {
	return func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), contentType, nil
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), 0, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetOrFetch_MissThenHit(t *testing.T) {
	c := newTestCache(t)
	data := []byte("hello cargo bay")
	dgst := testDigest(t, data)

	var fetchCount int32
	fetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		atomic.AddInt32(&fetchCount, 1)
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), "application/octet-stream", nil
	}

	rc, size, ct, hit, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
	require.NoError(t, err)
	assert.False(t, hit, "a fresh fetch is a miss")
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, "application/octet-stream", ct)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetchCount))

	assert.True(t, c.Has("dockerhub", dgst))
	sz, ok := c.Size("dockerhub", dgst)
	assert.True(t, ok)
	assert.Equal(t, int64(len(data)), sz)

	rc2, _, _, hit2, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
	require.NoError(t, err)
	assert.True(t, hit2, "a resident blob is a hit")
	got2, err := io.ReadAll(rc2)
	require.NoError(t, err)
	require.NoError(t, rc2.Close())
	assert.Equal(t, data, got2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetchCount), "second GetOrFetch must not contact upstream")
}

func TestGetOrFetch_DigestMismatchLeavesNoResidue(t *testing.T) {
	c := newTestCache(t)
	wrongData := []byte("this is not what you expect")
	wantDigest := testDigest(t, []byte("something else entirely"))

	rc, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", wantDigest, "", staticFetch(wrongData, ""))
	if err == nil {
		_, err = io.Copy(io.Discard, rc)
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
	}
	require.Error(t, err)
	assert.False(t, c.Has("dockerhub", wantDigest))
}

func TestGetOrFetch_UpstreamErrorClearsInflight(t *testing.T) {
	c := newTestCache(t)
	dgst := testDigest(t, []byte("irrelevant"))
	boom := fmt.Errorf("connection refused")

	failFetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		return nil, 0, "", boom
	}

	_, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", failFetch)
	require.Error(t, err)
	assert.Zero(t, len(c.inflight), "a failed fetch must not leave a stuck in-flight entry")

	data := []byte("irrelevant")
	rc, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", staticFetch(data, ""))
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)
}

func TestGetOrFetch_RegistryNamespaceIsolation(t *testing.T) {
	c := newTestCache(t)
	data := []byte("same bytes, different origin")
	dgst := testDigest(t, data)

	rc, _, _, _, err := c.GetOrFetch(context.Background(), "registry-a", dgst, "", staticFetch(data, ""))
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	assert.True(t, c.Has("registry-a", dgst))
	assert.False(t, c.Has("registry-b", dgst))
}

func TestGetOrFetch_ConcurrentMissFanOut(t *testing.T) {
	c := newTestCache(t)
	data := bytes.Repeat([]byte("x"), 4096)
	dgst := testDigest(t, data)

	var fetchCount int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		atomic.AddInt32(&fetchCount, 1)
		<-release
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), "", nil
	}

	const n = 50
	results := make([][]byte, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			rc, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = io.ReadAll(rc)
			rc.Close()
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&fetchCount), "exactly one upstream fetch for a fan-out miss")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, data, results[i])
	}
}
