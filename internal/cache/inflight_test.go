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

// slowReader trickles bytes so tests can observe partial-write states.
type slowReader struct {
	data  []byte
	pos   int
	delay time.Duration
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	time.Sleep(r.delay)
	n := copy(p, r.data[r.pos:r.pos+1])
	r.pos += n
	return n, nil
}

func TestInflightReader_DisconnectDoesNotAbortIngestForOthers(t *testing.T) {
	c, err := New(t.TempDir(), 0, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("z"), 64)
	sum := sha256.Sum256(data)
	dgst := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))

	fetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		return io.NopCloser(&slowReader{data: data, delay: time.Millisecond}), int64(len(data)), "", nil
	}

	rcAbandoned, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, _ = rcAbandoned.Read(buf)
	require.NoError(t, rcAbandoned.Close()) // reader disconnects mid-stream

	rcPatient, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
	require.NoError(t, err)
	got, err := io.ReadAll(rcPatient)
	require.NoError(t, err)
	require.NoError(t, rcPatient.Close())
	assert.Equal(t, data, got, "an ongoing ingest must not be aborted by another reader's disconnect")
}

func TestInflightReader_LateJoinerSeesFullStreamFromOffsetZero(t *testing.T) {
	c, err := New(t.TempDir(), 0, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("q"), 128)
	sum := sha256.Sum256(data)
	dgst := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))

	started := make(chan struct{})
	fetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		close(started)
		return io.NopCloser(&slowReader{data: data, delay: time.Millisecond}), int64(len(data)), "", nil
	}

	rcEarly, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
	require.NoError(t, err)

	<-started
	time.Sleep(20 * time.Millisecond) // let a few bytes accumulate before the late joiner arrives

	rcLate, _, _, _, err := c.GetOrFetch(context.Background(), "dockerhub", dgst, "", fetch)
	require.NoError(t, err)

	gotEarly, err := io.ReadAll(rcEarly)
	require.NoError(t, err)
	require.NoError(t, rcEarly.Close())

	gotLate, err := io.ReadAll(rcLate)
	require.NoError(t, err)
	require.NoError(t, rcLate.Close())

	assert.Equal(t, data, gotEarly)
	assert.Equal(t, data, gotLate, "a late joiner must see the entire stream from offset 0, not just new bytes")
}
