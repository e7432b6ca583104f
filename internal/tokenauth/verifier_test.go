package tokenauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargobay/cargobay/core"
)

func TestVerify_ValidUnrestrictedToken(t *testing.T) {
	token, err := Issue("s3cr3t", "ci-bot", nil, time.Hour)
	require.NoError(t, err)

	v := New("s3cr3t")
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", claims.Subject)
	assert.True(t, claims.Repositories.Allows("anything"))
}

func TestVerify_RestrictedToken(t *testing.T) {
	token, err := Issue("s3cr3t", "ci-bot", []string{"alpine", "nginx"}, time.Hour)
	require.NoError(t, err)

	v := New("s3cr3t")
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.Repositories.Allows("alpine"))
	assert.False(t, claims.Repositories.Allows("redis"))
}

func TestVerify_ExpiredToken(t *testing.T) {
	token, err := Issue("s3cr3t", "ci-bot", nil, -time.Minute)
	require.NoError(t, err)

	v := New("s3cr3t")
	_, err = v.Verify(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuthInvalid)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := Issue("s3cr3t", "ci-bot", nil, time.Hour)
	require.NoError(t, err)

	v := New("different-secret")
	_, err = v.Verify(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuthInvalid)
}

func TestVerify_EmptyToken(t *testing.T) {
	v := New("s3cr3t")
	_, err := v.Verify("")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuthInvalid)
}
