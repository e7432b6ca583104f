package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/cargobay/cargobay/core"
)

// reconcile scans the cache directory on startup, accepting files whose
// path encodes a valid (registry_id, algorithm, hex) and populating the
// in-memory index from filesystem size and mtime. A matching sidecar
// supplies content type and the original creation/access times when
// present; entries with no sidecar fall back to mtime for both.
func (c *Cache) reconcile() error {
	registryDirs, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, registryDir := range registryDirs {
		if !registryDir.IsDir() || registryDir.Name() == "tmp" {
			continue
		}
		registryID := registryDir.Name()
		registryPath := filepath.Join(c.dir, registryID)

		algoDirs, err := os.ReadDir(registryPath)
		if err != nil {
			c.logger.Warn("skipping unreadable registry cache directory", "registry_id", registryID, "error", err)
			continue
		}
		for _, algoDir := range algoDirs {
			if !algoDir.IsDir() {
				continue
			}
			algo := digest.Algorithm(algoDir.Name())
			if !algo.Available() {
				continue
			}
			c.reconcileAlgorithm(registryID, filepath.Join(registryPath, algoDir.Name()), algo)
		}
	}
	return nil
}

func (c *Cache) reconcileAlgorithm(registryID, algoDir string, algo digest.Algorithm) {
	_ = filepath.WalkDir(algoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".sidecar-tmp") {
			return nil
		}

		dgst := digest.NewDigestFromEncoded(algo, d.Name())
		if err := dgst.Validate(); err != nil {
			c.logger.Warn("ignoring cache file with invalid digest name", "path", path)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		rec := &entryRecord{
			RegistryID:   registryID,
			Digest:       dgst,
			Size:         info.Size(),
			ContentType:  "application/octet-stream",
			CreatedAt:    info.ModTime(),
			LastAccessed: info.ModTime(),
		}
		if sidecar, serr := loadEntry(path + ".json"); serr == nil {
			if sidecar.ContentType != "" {
				rec.ContentType = sidecar.ContentType
			}
			if !sidecar.CreatedAt.IsZero() {
				rec.CreatedAt = sidecar.CreatedAt
			}
			if !sidecar.LastAccessed.IsZero() {
				rec.LastAccessed = sidecar.LastAccessed
			}
		}

		c.index[core.BlobKey{RegistryID: registryID, Digest: dgst}] = rec
		c.totalSize += rec.Size
		return nil
	})
}
