// Package tokenauth verifies the bearer tokens that Cargo Bay clients
// present, independent of the Bearer tokens Cargo Bay itself acquires
// from upstream registries (see internal/upstream).
package tokenauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cargobay/cargobay/core"
)

// claims is the JWT payload shape signed by cmd/cargobay-token and
// verified here.
type claims struct {
	jwt.RegisteredClaims
	Repositories string `json:"repositories,omitempty"`
}

// Verifier validates client-presented bearer tokens against a shared HMAC
// secret.
type Verifier struct {
	secret []byte
}

// New builds a Verifier for the given shared secret.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the extracted claims.
// Missing header handling is the caller's responsibility (this function
// only handles the token itself, once extracted); a zero-value token
// string is treated as malformed, not missing.
func (v *Verifier) Verify(token string) (core.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return core.Claims{}, fmt.Errorf("%w: empty token", core.ErrAuthInvalid)
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return core.Claims{}, fmt.Errorf("%w: %v", core.ErrAuthInvalid, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return core.Claims{}, fmt.Errorf("%w: unparseable claims", core.ErrAuthInvalid)
	}

	subject, err := c.GetSubject()
	if err != nil || subject == "" {
		return core.Claims{}, fmt.Errorf("%w: missing subject", core.ErrAuthInvalid)
	}

	var expiry time.Time
	if exp, err := c.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}

	repos := core.RepositorySet(core.AllRepositories)
	if c.Repositories != "" {
		names := strings.Split(c.Repositories, ",")
		for i, n := range names {
			names[i] = strings.TrimSpace(n)
		}
		repos = core.NamedRepositorySet(names)
	}

	return core.Claims{
		Subject:      subject,
		Repositories: repos,
		Expiry:       expiry,
	}, nil
}
