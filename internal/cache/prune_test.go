package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPut(t *testing.T, c *Cache, registryID string, data []byte) digest.Digest {
	t.Helper()
	sum := sha256.Sum256(data)
	dgst := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
	rc, _, _, _, err := c.GetOrFetch(context.Background(), registryID, dgst, "", staticFetch(data, ""))
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	return dgst
}

func TestSweep_AgeBoundEvictsOverAgeEntries(t *testing.T) {
	c, err := New(t.TempDir(), 0, time.Minute, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	dgst := mustPut(t, c, "dockerhub", []byte("stale blob"))
	require.True(t, c.Has("dockerhub", dgst))

	result, err := c.Sweep(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesRemoved)
	assert.False(t, c.Has("dockerhub", dgst))

	result, err = c.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, result.EntriesRemoved, "no entry should survive a second sweep past its age bound")
}

func TestSweep_SizeBoundEvictsOldestFirst(t *testing.T) {
	c, err := New(t.TempDir(), 100, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	oldest := mustPut(t, c, "dockerhub", bytes.Repeat([]byte("a"), 40))
	time.Sleep(2 * time.Millisecond)
	middle := mustPut(t, c, "dockerhub", bytes.Repeat([]byte("b"), 40))
	time.Sleep(2 * time.Millisecond)
	newest := mustPut(t, c, "dockerhub", bytes.Repeat([]byte("c"), 40))

	require.Equal(t, int64(120), c.TotalSize())

	result, err := c.Sweep(time.Now())
	require.NoError(t, err)
	assert.LessOrEqual(t, result.BytesRemaining, int64(100))
	assert.False(t, c.Has("dockerhub", oldest), "oldest entry must be evicted first")
	assert.True(t, c.Has("dockerhub", newest), "newest entry must survive")
	_ = middle
}

func TestSweep_SizeBoundTieBreaksLargerFirst(t *testing.T) {
	c, err := New(t.TempDir(), 50, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	small := mustPut(t, c, "dockerhub", bytes.Repeat([]byte("s"), 20))
	large := mustPut(t, c, "dockerhub", bytes.Repeat([]byte("l"), 60))

	c.mu.Lock()
	for _, e := range c.index {
		e.CreatedAt = time.Unix(0, 0)
	}
	c.mu.Unlock()

	result, err := c.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesRemoved)
	assert.False(t, c.Has("dockerhub", large), "equal-age entries break ties toward evicting the larger one first")
	assert.True(t, c.Has("dockerhub", small))
}

func TestSweep_RespectsBoundAfterEveryIngest(t *testing.T) {
	c, err := New(t.TempDir(), 64, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 5; i++ {
		mustPut(t, c, "dockerhub", bytes.Repeat([]byte{byte('a' + i)}, 32))
		result, err := c.Sweep(time.Now())
		require.NoError(t, err)
		assert.LessOrEqual(t, result.BytesRemaining, int64(64))
	}
}
