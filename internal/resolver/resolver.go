// Package resolver maps locally-exposed repository names to an upstream
// registry and path, and extracts a local name from a /v2/ request path.
package resolver

import (
	"strings"

	"github.com/cargobay/cargobay/core"
)

// protocolKeywords are the v2 path segments that mark the boundary
// between a (possibly slash-containing) repository name and the
// operation that follows it.
var protocolKeywords = map[string]bool{
	"manifests": true,
	"blobs":     true,
	"tags":      true,
}

// Resolver is a pure lookup over a static repository mapping table.
type Resolver struct {
	byName map[string]core.RepositoryMapping
}

// New builds a Resolver from the configured repository mappings.
func New(mappings []core.RepositoryMapping) *Resolver {
	r := &Resolver{byName: make(map[string]core.RepositoryMapping, len(mappings))}
	for _, m := range mappings {
		r.byName[m.LocalName] = m
	}
	return r
}

// Resolve looks up localName, returning core.ErrNotFound if unmapped.
func (r *Resolver) Resolve(localName string) (core.ResolvedRepository, error) {
	m, ok := r.byName[localName]
	if !ok {
		return core.ResolvedRepository{}, core.ErrNotFound
	}
	return core.ResolvedRepository{RegistryID: m.RegistryID, UpstreamName: m.UpstreamName}, nil
}

// SplitPath extracts the local repository name and the trailing
// "<keyword>/<reference>" segment from a path following "/v2/", e.g.
// "library/alpine/manifests/latest" -> ("library/alpine", "manifests/latest").
// ok is false if no known protocol keyword segment is found.
func SplitPath(path string) (localName, rest string, ok bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if protocolKeywords[seg] {
			if i == 0 {
				return "", "", false
			}
			return strings.Join(segments[:i], "/"), strings.Join(segments[i:], "/"), true
		}
	}
	return "", "", false
}
