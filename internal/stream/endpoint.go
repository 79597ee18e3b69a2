package stream

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DefaultTokenParam is the query parameter carrying the bearer credential.
const DefaultTokenParam = "token"

// Endpoint resolves path against base and appends the non-empty caller query
// entries and the credential. A caller entry named like the credential
// parameter is ignored.
func Endpoint(base, path, tokenParam, token string, query map[string]string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("stream path cannot be empty")
	}

	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		raw = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not absolute", raw)
	}

	q := u.Query()
	if tokenParam == "" {
		tokenParam = DefaultTokenParam
	}
	for k, v := range query {
		// The credential parameter only ever carries the stored token.
		if k == "" || v == "" || k == tokenParam {
			continue
		}
		q.Set(k, v)
	}
	if token != "" {
		q.Set(tokenParam, token)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// serializeQuery renders a query map deterministically for identity comparison.
func serializeQuery(query map[string]string) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(query[k]))
	}
	return b.String()
}
