package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargobay/cargobay/core"
)

func TestResolve(t *testing.T) {
	r := New([]core.RepositoryMapping{
		{LocalName: "alpine", RegistryID: "dockerhub", UpstreamName: "library/alpine"},
	})

	got, err := r.Resolve("alpine")
	require.NoError(t, err)
	assert.Equal(t, core.ResolvedRepository{RegistryID: "dockerhub", UpstreamName: "library/alpine"}, got)

	_, err = r.Resolve("nginx")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		path       string
		localName  string
		rest       string
		ok         bool
	}{
		{"alpine/manifests/latest", "alpine", "manifests/latest", true},
		{"library/alpine/manifests/latest", "library/alpine", "manifests/latest", true},
		{"team/proj/sub/blobs/sha256:abc", "team/proj/sub", "blobs/sha256:abc", true},
		{"alpine/tags/list", "alpine", "tags/list", true},
		{"", "", "", false},
		{"manifests/latest", "", "", false},
	}

	for _, c := range cases {
		localName, rest, ok := SplitPath(c.path)
		assert.Equal(t, c.ok, ok, c.path)
		if c.ok {
			assert.Equal(t, c.localName, localName, c.path)
			assert.Equal(t, c.rest, rest, c.path)
		}
	}
}
