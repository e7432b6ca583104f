package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// entryRecord is the metadata sidecar stored next to a completed blob, at
// <blob path>.json. It exists so content type and creation time survive a
// restart. Digest and size are also written here, but on startup they are
// taken from the blob file's name and size, not from the sidecar.
type entryRecord struct {
	RegistryID   string        `json:"registry_id"`
	Digest       digest.Digest `json:"digest"`
	Size         int64         `json:"size"`
	ContentType  string        `json:"content_type"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
}

func loadEntry(path string) (*entryRecord, error) {
	if err := ensureCacheFile(path); err != nil {
		return nil, err
	}
	//nolint:gosec // G304: path is derived from digest hash, not user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &rec, nil
}

// saveEntry writes rec to path atomically: write-temp, fsync, rename.
func saveEntry(path string, rec *entryRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	tmpPath := path + ".sidecar-tmp"
	//nolint:gosec // G304: tmpPath is derived from digest hash, not user input
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp entry file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync cache entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}
