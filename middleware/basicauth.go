package middleware

import (
	"context"
	"encoding/base64"
	"strings"
)

// BasicAuth returns a Middleware that prepends a Basic Authorization
// header to every request that does not already carry one. The header
// value is computed once, at construction.
func BasicAuth(username, password string) Middleware {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	value := []byte("Basic " + token)

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			for _, h := range req.Headers {
				if strings.EqualFold(string(h.Name), "authorization") {
					return next(ctx, req)
				}
			}
			clone := *req
			clone.Headers = append([]Header{{Name: []byte("authorization"), Value: value}}, req.Headers...)
			return next(ctx, &clone)
		}
	}
}
