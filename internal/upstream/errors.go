package upstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/cargobay/cargobay/core"
)

type errorEnvelope struct {
	Errors errcode.Errors `json:"errors"`
}

// mapStatus turns a non-2xx upstream response into one of core's sentinel
// errors, parsing the distribution v2 JSON error envelope for a more
// precise code when the body carries one.
func mapStatus(status int, body io.Reader) error {
	var code string
	var message string

	if body != nil {
		data, _ := io.ReadAll(io.LimitReader(body, 8192))
		var env errorEnvelope
		if len(data) > 0 && json.Unmarshal(data, &env) == nil && len(env.Errors) > 0 {
			code = env.Errors[0].Code
			message = env.Errors[0].Message
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", core.ErrUpstreamAuthFailed, message)
	case status == http.StatusForbidden || code == errcode.ErrorCodeDenied:
		return fmt.Errorf("%w: %s", core.ErrForbidden, message)
	case status == http.StatusNotFound ||
		code == errcode.ErrorCodeNameUnknown ||
		code == errcode.ErrorCodeManifestUnknown ||
		code == errcode.ErrorCodeBlobUnknown:
		return fmt.Errorf("%w: %s", core.ErrNotFound, message)
	default:
		return fmt.Errorf("%w: upstream status %d: %s", core.ErrUpstreamUnavailable, status, message)
	}
}
