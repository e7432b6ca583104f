// Package proxy implements the Distribution Registry API v2 HTTP surface:
// routing, method filtering, auth enforcement, and error-to-response
// mapping over the cache, upstream, resolver, and token verifier layers.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cargobay/cargobay/core"
	"github.com/cargobay/cargobay/internal/cache"
	"github.com/cargobay/cargobay/internal/resolver"
	"github.com/cargobay/cargobay/internal/upstream"
)

var manifestAcceptTypes = []string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}

// Verifier validates a client-presented bearer token.
type Verifier interface {
	Verify(token string) (core.Claims, error)
}

// Resolver maps a local repository name to its upstream location.
type Resolver interface {
	Resolve(localName string) (core.ResolvedRepository, error)
}

// Handler serves the Distribution Registry API v2 surface backed by a
// content-addressed cache and a set of per-registry upstream sessions.
type Handler struct {
	cache    *cache.Cache
	clients  map[string]*upstream.Client
	verifier Verifier
	resolver Resolver
	logger   *slog.Logger
	selfURL  string
	metrics  *Metrics
}

// New builds a Handler. clients must be keyed by registry_id and cover
// every registry named by the resolver's configured mappings.
func New(c *cache.Cache, clients map[string]*upstream.Client, verifier Verifier, r Resolver, selfURL string, logger *slog.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		cache:    c,
		clients:  clients,
		verifier: verifier,
		resolver: r,
		logger:   logger,
		selfURL:  strings.TrimRight(selfURL, "/"),
		metrics:  metrics,
	}
}

func (h *Handler) bearerChallengeHeader() string {
	return fmt.Sprintf(`Bearer realm="%s/token",service="docker-registry-proxy"`, h.selfURL)
}

// ServeHTTP dispatches every request under /v2/.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	if !strings.HasPrefix(r.URL.Path, "/v2/") && r.URL.Path != "/v2" {
		http.NotFound(w, r)
		return
	}

	// Write gate: the proxy is read-only regardless of authentication.
	// Recognized write verbs are denied outright; anything else the v2
	// contract doesn't define here is unsupported, not denied.
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		h.logger.Warn("rejected write method", "method", r.Method, "path", r.URL.Path)
		writeDenied(w, "cargobay is a read-only proxy")
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "denied", http.StatusForbidden)
		}
		return
	default:
		writeMethodNotAllowed(w)
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "unsupported", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.URL.Path == "/v2/" || r.URL.Path == "/v2" {
		h.handleBase(w, r)
		return
	}

	claims, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, err, "")
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "auth", http.StatusUnauthorized)
		}
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v2/")
	localName, rest, ok := resolver.SplitPath(path)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: unrecognized v2 path", core.ErrNotFound), "NAME_UNKNOWN")
		return
	}

	if !claims.Repositories.Allows(localName) {
		writeDenied(w, "token does not permit this repository")
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "denied", http.StatusForbidden)
		}
		return
	}

	repo, err := h.resolver.Resolve(localName)
	if err != nil {
		h.writeError(w, err, "NAME_UNKNOWN")
		return
	}

	client, ok := h.clients[repo.RegistryID]
	if !ok {
		h.logger.Error("no upstream client configured for registry", "registry_id", repo.RegistryID)
		h.writeError(w, fmt.Errorf("%w: registry %q not configured", core.ErrUpstreamUnavailable, repo.RegistryID), "")
		return
	}

	switch {
	case strings.HasPrefix(rest, "manifests/"):
		h.handleManifest(w, r, client, repo, strings.TrimPrefix(rest, "manifests/"))
	case strings.HasPrefix(rest, "blobs/"):
		h.handleBlob(w, r, client, repo, strings.TrimPrefix(rest, "blobs/"))
	case rest == "tags/list":
		h.handleTagsList(w, r, client, repo)
	default:
		h.writeError(w, fmt.Errorf("%w: unrecognized v2 operation", core.ErrNotFound), "NAME_UNKNOWN")
	}
}

func (h *Handler) handleBase(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		h.writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// authenticate extracts and verifies the client's bearer token.
func (h *Handler) authenticate(r *http.Request) (core.Claims, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return core.Claims{}, core.ErrAuthMissing
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return core.Claims{}, core.ErrAuthInvalid
	}
	return h.verifier.Verify(strings.TrimPrefix(authz, prefix))
}

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request, client *upstream.Client, repo core.ResolvedRepository, reference string) {
	if h.metrics != nil {
		defer h.metrics.Timer("manifest")()
	}

	path := fmt.Sprintf("/v2/%s/manifests/%s", repo.UpstreamName, reference)
	resp, err := client.Request(r.Context(), r.Method, path, repo.UpstreamName, manifestAcceptTypes)
	if err != nil {
		h.logger.Warn("upstream manifest request failed", "upstream_name", repo.UpstreamName, "reference", reference, "error", err)
		h.writeError(w, err, "MANIFEST_UNKNOWN")
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "manifest", http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.writeError(w, mapUpstreamStatus(resp.StatusCode), "MANIFEST_UNKNOWN")
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "manifest", resp.StatusCode)
		}
		return
	}

	forwardHeaders(w, resp, "Content-Type", "Docker-Content-Digest", "Content-Length")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		streamBody(w, resp.Body, h.logger)
	}
	if h.metrics != nil {
		h.metrics.observeRequest(r.Method, "manifest", http.StatusOK)
	}
}

func (h *Handler) handleBlob(w http.ResponseWriter, r *http.Request, client *upstream.Client, repo core.ResolvedRepository, digestStr string) {
	if h.metrics != nil {
		defer h.metrics.Timer("blob")()
	}

	dgst, err := digest.Parse(digestStr)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: malformed digest %q", core.ErrNotFound, digestStr), "BLOB_UNKNOWN")
		return
	}

	if r.Method == http.MethodHead {
		if size, ok := h.cache.Size(repo.RegistryID, dgst); ok {
			if h.metrics != nil {
				h.metrics.observeCacheResult(true)
			}
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.Header().Set("Docker-Content-Digest", dgst.String())
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			return
		}
		h.headBlobUpstream(w, r, client, repo, dgst)
		return
	}

	fetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		return client.FetchBlob(ctx, repo.UpstreamName, dgst.String())
	}

	body, size, contentType, hit, err := h.cache.GetOrFetch(r.Context(), repo.RegistryID, dgst, "application/octet-stream", fetch)
	if h.metrics != nil {
		h.metrics.observeCacheResult(hit)
	}
	if err != nil {
		h.logger.Warn("blob fetch failed", "upstream_name", repo.UpstreamName, "digest", dgst, "error", err)
		h.writeError(w, err, "BLOB_UNKNOWN")
		if h.metrics != nil {
			h.metrics.observeRequest(r.Method, "blob", http.StatusBadGateway)
		}
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
	streamBody(w, body, h.logger)
	if h.metrics != nil {
		h.metrics.observeRequest(r.Method, "blob", http.StatusOK)
	}
}

// headBlobUpstream handles a HEAD for a blob absent from the cache. Per
// the v2 contract, HEAD never triggers an ingest.
func (h *Handler) headBlobUpstream(w http.ResponseWriter, r *http.Request, client *upstream.Client, repo core.ResolvedRepository, dgst digest.Digest) {
	path := fmt.Sprintf("/v2/%s/blobs/%s", repo.UpstreamName, dgst.String())
	resp, err := client.Request(r.Context(), http.MethodHead, path, repo.UpstreamName, []string{"application/octet-stream"})
	if err != nil {
		h.writeError(w, err, "BLOB_UNKNOWN")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.writeError(w, mapUpstreamStatus(resp.StatusCode), "BLOB_UNKNOWN")
		return
	}
	forwardHeaders(w, resp, "Content-Type", "Content-Length")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTagsList(w http.ResponseWriter, r *http.Request, client *upstream.Client, repo core.ResolvedRepository) {
	if h.metrics != nil {
		defer h.metrics.Timer("tags")()
	}

	path := fmt.Sprintf("/v2/%s/tags/list", repo.UpstreamName)
	if q := r.URL.RawQuery; q != "" {
		path += "?" + q
	}
	resp, err := client.Request(r.Context(), http.MethodGet, path, repo.UpstreamName, []string{"application/json"})
	if err != nil {
		h.writeError(w, err, "NAME_UNKNOWN")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.writeError(w, mapUpstreamStatus(resp.StatusCode), "NAME_UNKNOWN")
		return
	}
	forwardHeaders(w, resp, "Content-Type", "Content-Length")
	w.WriteHeader(http.StatusOK)
	streamBody(w, resp.Body, h.logger)
}

// mapUpstreamStatus turns a non-200 upstream status observed after the
// initial auth retry into a core sentinel error for the client response.
func mapUpstreamStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.ErrUpstreamAuthFailed
	default:
		return fmt.Errorf("%w: upstream returned %d", core.ErrUpstreamUnavailable, status)
	}
}

func forwardHeaders(w http.ResponseWriter, resp *upstream.Response, names ...string) {
	for _, name := range names {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
}

func streamBody(w http.ResponseWriter, body io.Reader, logger *slog.Logger) {
	if _, err := io.Copy(w, body); err != nil {
		logger.Debug("client disconnected mid-stream", "error", err)
	}
}
