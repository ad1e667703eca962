package cache

import (
	"sort"
	"strings"
	"unicode"
)

// GenerateCacheKey derives the storage key of a logical query. Parameters are
// appended as key=value in lexical key order, so the result does not depend on
// map iteration order.
func GenerateCacheKey(domain, endpoint string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(domain)
	b.WriteByte('_')
	b.WriteString(strings.Trim(endpoint, "/"))

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b.WriteByte('_')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, strings.ToLower(b.String()))
}
