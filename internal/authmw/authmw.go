// Package authmw provides HTTP middleware for operator bearer token
// authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// DefaultOperator names a token configured without an explicit operator.
const DefaultOperator = "operator"

type operatorKey struct{}

// Operator returns the operator name attached by BearerToken.
func Operator(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(operatorKey{}).(string)
	return name, ok
}

// ParseTokens parses a comma-separated list of name:token pairs. A bare
// token is assigned to DefaultOperator.
func ParseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, ":")
		if !ok {
			name, token = DefaultOperator, part
		}
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if name == "" || token == "" {
			return nil, fmt.Errorf("invalid token entry %q", part)
		}
		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("token for %q is configured twice", name)
		}
		tokens[token] = name
	}
	return tokens, nil
}

// BearerToken returns middleware that requires an Authorization header
// carrying one of the given tokens (token to operator name). Every token
// is compared in constant time. The matching operator name is stored in
// the request context.
func BearerToken(tokens map[string]string) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		name  string
	}
	entries := make([]entry, 0, len(tokens))
	for tok, name := range tokens {
		entries = append(entries, entry{token: []byte(tok), name: name})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			operator := ""
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					operator = e.name
				}
			}
			if operator == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey{}, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
