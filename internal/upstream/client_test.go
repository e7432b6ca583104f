package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargobay/cargobay/core"
)

func TestClient_BearerChallengeThenRetry(t *testing.T) {
	var tokenRequests int32

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		assert.Equal(t, "repository:library/alpine:pull", r.URL.Query().Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"tok-123","expires_in":300}`)
	}))
	defer tokenServer.Close()

	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer tok-123" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="registry",scope="repository:library/alpine:pull"`, tokenServer.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer registryServer.Close()

	c := New(core.RegistryDescriptor{ID: "dockerhub", BaseURL: registryServer.URL})

	resp, err := c.Request(context.Background(), http.MethodGet, "/v2/library/alpine/blobs/sha256:x", "library/alpine", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenRequests))

	// A second request should reuse the cached token, not hit the token server again.
	resp2, err := c.Request(context.Background(), http.MethodGet, "/v2/library/alpine/blobs/sha256:x", "library/alpine", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenRequests), "cached token must be reused")
}

func TestClient_ConcurrentTokenAcquisitionCoalesces(t *testing.T) {
	var tokenRequests int32
	release := make(chan struct{})

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"tok-xyz","expires_in":300}`)
	}))
	defer tokenServer.Close()

	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-xyz" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="registry",scope="repository:library/alpine:pull"`, tokenServer.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer registryServer.Close()

	c := New(core.RegistryDescriptor{ID: "dockerhub", BaseURL: registryServer.URL})

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			resp, err := c.Request(context.Background(), http.MethodGet, "/v2/library/alpine/manifests/latest", "library/alpine", nil)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenRequests), "concurrent acquisitions for the same scope must coalesce")
}

func TestClient_RedirectStripsCredentials(t *testing.T) {
	var sawAuthHeader bool

	blobStorage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuthHeader = r.Header.Get("Authorization") != ""
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("blob-bytes"))
	}))
	defer blobStorage.Close()

	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, blobStorage.URL+"/blob", http.StatusFound)
	}))
	defer registryServer.Close()

	c := New(core.RegistryDescriptor{
		ID:      "dockerhub",
		BaseURL: registryServer.URL,
		Credentials: &core.RegistryCredentials{Username: "u", Password: "p"},
	})

	resp, err := c.Request(context.Background(), http.MethodGet, "/v2/library/alpine/blobs/sha256:x", "library/alpine", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.False(t, sawAuthHeader, "redirected request must not carry registry credentials")
}
