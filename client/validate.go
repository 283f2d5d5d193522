package client

import (
	"net/url"
	"path"
	"strings"
)

// ValidDataURL checks that s is a base64 encoded image data URL.
func ValidDataURL(s string) bool {
	return strings.HasPrefix(s, "data:image/") && strings.Contains(s, ";base64,")
}

// ReasonableImageSize checks that the decoded payload of the data URL is at
// most maxBytes long. The size is estimated from the base64 length.
func ReasonableImageSize(dataURL string, maxBytes int) bool {
	_, payload, found := strings.Cut(dataURL, ",")
	if !found {
		return false
	}
	if i := strings.Index(payload, ","); i >= 0 {
		payload = payload[:i]
	}
	return len(payload)*3/4 <= maxBytes
}

// ValidCoordinates checks that the coordinates are present and on the globe.
func ValidCoordinates(c *Coordinates) bool {
	if c == nil {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// FilenameFromURL returns the last path segment of an absolute URL.
func FilenameFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", false
	}
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return "", false
	}
	return path.Base(u.Path), true
}
