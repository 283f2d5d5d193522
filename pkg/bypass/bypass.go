package bypass

import (
	"strings"
)

// Table is an ordered list of URL path prefixes for requests that must always
// reach the live backend. Matching requests are never read from or written to
// the cache, whatever their method.
type Table []string

// Default returns the prefixes of the backend's mutating and live endpoints.
func Default() Table {
	return Table{
		"/upload",
		"/delete",
		"/photos",
	}
}

// Match returns the first prefix the path starts with.
// A prefix only matches whole path segments: /upload matches /upload and
// /upload/x but not /uploads/x, which holds static files.
// The second return value is false if no prefix matches.
func (t Table) Match(path string) (string, bool) {
	if path == "" {
		path = "/"
	}
	for _, prefix := range t {
		if prefix == "" {
			continue
		}
		if segmentPrefix(path, prefix) {
			return prefix, true
		}
	}
	return "", false
}

func segmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return true
	}
	rest := path[len(prefix):]
	return rest == "" || strings.IndexByte("/?#", rest[0]) >= 0
}

// Matches checks if the path starts with any prefix in the table.
func (t Table) Matches(path string) bool {
	_, ok := t.Match(path)
	return ok
}
