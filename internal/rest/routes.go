package rest

import (
	"strings"
)

// majorParams are the path roots whose following resource id the platform
// treats as a separate rate-limit scope even for the same route template.
var majorParams = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// BucketKey normalizes a request path into its rate-limit bucket identity:
// the method plus the route template with every resource id stripped except
// the major parameter. Calls that differ only in minor ids share a bucket;
// calls on different major resources never do.
func BucketKey(method, path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')

	prev := ""
	for _, seg := range segs {
		b.WriteByte('/')
		if isSnowflake(seg) && !majorParams[prev] {
			b.WriteString(":id")
		} else {
			b.WriteString(seg)
		}
		prev = seg
	}
	return b.String()
}

// isSnowflake reports whether a path segment is a numeric resource id.
func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
