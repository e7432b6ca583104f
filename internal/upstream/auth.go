package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cargobay/cargobay/core"
)

// tokenSafetyMargin is subtracted from a token's reported lifetime so
// expiry is detected before the upstream actually rejects the token.
const tokenSafetyMargin = 5 * time.Second

const defaultTokenTTL = 60 * time.Second

// challenge is a parsed WWW-Authenticate: Bearer header.
type challenge struct {
	realm   string
	service string
	scope   string
}

// parseBearerChallenge parses `Bearer realm="...",service="...",scope="..."`.
// Returns ok=false if the header is not a Bearer challenge.
func parseBearerChallenge(header string) (challenge, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return challenge{}, false
	}
	var c challenge
	for _, part := range splitChallengeParams(header[len(prefix):]) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.realm = val
		case "service":
			c.service = val
		case "scope":
			c.scope = val
		}
	}
	if c.realm == "" {
		return challenge{}, false
	}
	return c, true
}

// splitChallengeParams splits comma-separated key=value pairs, respecting
// commas embedded inside quoted values.
func splitChallengeParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

type cachedToken struct {
	value   string
	expires time.Time
}

func (t cachedToken) valid(now time.Time) bool {
	return now.Before(t.expires)
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenSource acquires and caches Bearer tokens per (registry_id, scope),
// coalescing concurrent acquisitions for the same key into one HTTP call.
type tokenSource struct {
	httpClient *http.Client

	mu     sync.RWMutex
	tokens map[string]cachedToken

	flight singleflight.Group
}

func newTokenSource(httpClient *http.Client) *tokenSource {
	return &tokenSource{
		httpClient: httpClient,
		tokens:     make(map[string]cachedToken),
	}
}

func tokenKey(registryID, scope string) string {
	return registryID + "\x00" + scope
}

// get returns a cached, unexpired token for the key, if any.
func (ts *tokenSource) get(registryID, scope string) (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tok, ok := ts.tokens[tokenKey(registryID, scope)]
	if !ok || !tok.valid(time.Now()) {
		return "", false
	}
	return tok.value, true
}

// acquire fetches a new token from the challenge's realm, coalescing
// concurrent callers for the same (registry_id, scope).
func (ts *tokenSource) acquire(ctx context.Context, registryID string, ch challenge, creds *core.RegistryCredentials) (string, error) {
	if tok, ok := ts.get(registryID, ch.scope); ok {
		return tok, nil
	}

	key := tokenKey(registryID, ch.scope)

	v, err, _ := ts.flight.Do(key, func() (interface{}, error) {
		token, ttl, err := ts.fetchToken(ctx, ch, creds)
		if err != nil {
			return "", err
		}
		ts.mu.Lock()
		ts.tokens[key] = cachedToken{value: token, expires: time.Now().Add(ttl)}
		ts.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *tokenSource) fetchToken(ctx context.Context, ch challenge, creds *core.RegistryCredentials) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.realm, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	q := req.URL.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}
	req.URL.RawQuery = q.Encode()

	if creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: token endpoint returned %d", core.ErrUpstreamAuthFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("%w: decode token response: %v", core.ErrUpstreamAuthFailed, err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", 0, fmt.Errorf("%w: token response had no token", core.ErrUpstreamAuthFailed)
	}

	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	if ttl > tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}

	return token, ttl, nil
}

func basicAuthHeader(creds *core.RegistryCredentials) string {
	if creds == nil || creds.Username == "" {
		return ""
	}
	raw := creds.Username + ":" + creds.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// scopeForPath derives the pull scope for a repository path, e.g.
// "repository:library/alpine:pull".
func scopeForPath(upstreamName string) string {
	return fmt.Sprintf("repository:%s:pull", upstreamName)
}
