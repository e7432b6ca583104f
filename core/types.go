// Package core provides the shared types used across Cargo Bay's
// internal packages, breaking import cycles between the cache, upstream
// client, and HTTP surface.
package core

import (
	"errors"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// Sentinel errors for common failure conditions. Internal packages wrap
// these with additional context; the HTTP surface matches on them with
// errors.Is to select a status code and v2 error code.
var (
	// ErrNotFound indicates a repository, manifest, or blob does not exist.
	ErrNotFound = errors.New("cargobay: not found")

	// ErrForbidden indicates the caller's token does not permit the operation.
	ErrForbidden = errors.New("cargobay: forbidden")

	// ErrAuthMissing indicates no bearer token was presented.
	ErrAuthMissing = errors.New("cargobay: authorization missing")

	// ErrAuthInvalid indicates the bearer token failed verification.
	ErrAuthInvalid = errors.New("cargobay: authorization invalid")

	// ErrUpstreamAuthFailed indicates the proxy could not authenticate to
	// the upstream registry (a proxy-side credential problem).
	ErrUpstreamAuthFailed = errors.New("cargobay: upstream authentication failed")

	// ErrUpstreamUnavailable indicates a connect failure, timeout, or 5xx
	// from the upstream registry.
	ErrUpstreamUnavailable = errors.New("cargobay: upstream unavailable")

	// ErrDigestMismatch indicates an ingested blob's computed digest did
	// not match the requested digest.
	ErrDigestMismatch = errors.New("cargobay: digest mismatch")

	// ErrCacheIO indicates a filesystem error while reading or writing
	// the cache (disk full, permission denied, etc).
	ErrCacheIO = errors.New("cargobay: cache I/O error")

	// ErrMethodNotAllowed indicates an unrecognized HTTP verb on a /v2/ path.
	ErrMethodNotAllowed = errors.New("cargobay: method not allowed")
)

// BlobKey identifies a cached blob by the registry it was fetched from and
// its content digest. Two registries may happen to serve blobs with the
// same digest without colliding in the cache.
type BlobKey struct {
	RegistryID string
	Digest     digest.Digest
}

// BlobEntry describes a complete, hash-verified cache entry.
type BlobEntry struct {
	RegistryID   string
	Digest       digest.Digest
	Size         int64
	ContentType  string
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Age reports how long ago the entry was created, relative to now.
func (e BlobEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// ManifestObject is a manifest fetched fresh from upstream. Manifests are
// mutable per tag and are never written to the blob cache.
type ManifestObject struct {
	Data          []byte
	ContentType   string
	ContentDigest digest.Digest
}

// RepositoryMapping is one entry of the configured `repositories[]` table:
// a locally-exposed name bound to an upstream registry and path.
type RepositoryMapping struct {
	LocalName    string
	RegistryID   string
	UpstreamName string
}

// RegistryCredentials holds optional Basic/Bearer-source credentials for a
// registry descriptor.
type RegistryCredentials struct {
	Username string
	Password string
}

// RegistryDescriptor is one entry of the configured `registries[]` table.
type RegistryDescriptor struct {
	ID          string
	BaseURL     string
	Credentials *RegistryCredentials
}

// ResolvedRepository is the result of resolving a local repository name:
// the upstream registry it lives on plus its path on that registry.
type ResolvedRepository struct {
	RegistryID   string
	UpstreamName string
}

// AllRepositories is the sentinel value of Claims.Repositories meaning the
// token is not restricted to any subset of repositories.
var AllRepositories = allRepositoriesSet{}

type allRepositoriesSet struct{}

// RepositorySet represents the `repositories` claim of a bearer token:
// either every repository (AllRepositories) or an explicit allow-list.
type RepositorySet interface {
	// Allows reports whether localName is permitted by this set.
	Allows(localName string) bool
}

func (allRepositoriesSet) Allows(string) bool { return true }

// NamedRepositorySet is an explicit allow-list of local repository names.
type NamedRepositorySet []string

// Allows reports whether localName is present in the set.
func (s NamedRepositorySet) Allows(localName string) bool {
	for _, name := range s {
		if name == localName {
			return true
		}
	}
	return false
}

// Claims is the verified content of a client bearer token.
type Claims struct {
	Subject      string
	Repositories RepositorySet
	Expiry       time.Time
}
