package tokenauth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issue mints a signed bearer token for subject, valid for ttl, optionally
// restricted to repositories. An empty repositories list yields an
// unrestricted (core.AllRepositories) token. Used by cmd/cargobay-token.
func Issue(secret, subject string, repositories []string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if len(repositories) > 0 {
		c.Repositories = strings.Join(repositories, ",")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}
