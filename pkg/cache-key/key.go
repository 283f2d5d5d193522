package cachekey

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

var ErrorMethodNotSupported = xerrors.New("method not supported")

const methodSeparator = ":"

// Keyer normalizes requests into cache keys for one application origin.
type Keyer struct {
	// Origin of the application, e.g. `https://app.example.com`.
	// Relative request URLs are resolved against it.
	Origin *url.URL
}

func NewKeyer(origin *url.URL) Keyer {
	return Keyer{Origin: &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: "/"}}
}

// IsRetrieval reports whether the method only retrieves a representation.
// Only retrieval requests may ever be keyed.
func IsRetrieval(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}

// Resolve returns the absolute form of u, using the origin for relative URLs.
// The fragment is dropped, since it never reaches the network.
func (k Keyer) Resolve(u *url.URL) *url.URL {
	abs := k.Origin.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// SameOrigin checks if the (possibly relative) URL points at the application origin.
func (k Keyer) SameOrigin(u *url.URL) bool {
	abs := k.Resolve(u)
	return strings.EqualFold(abs.Scheme, k.Origin.Scheme) && strings.EqualFold(abs.Host, k.Origin.Host)
}

// Key returns the request identity: the method and the absolute URL.
func (k Keyer) Key(r *http.Request) (string, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	if !IsRetrieval(method) {
		return "", ErrorMethodNotSupported
	}
	return method + methodSeparator + k.Resolve(r.URL).String(), nil
}

// PathKey is a shortcut for the GET key of a root-relative path, e.g. a manifest entry.
func (k Keyer) PathKey(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", xerrors.Errorf("failed to parse path %s: %w", path, err)
	}
	return http.MethodGet + methodSeparator + k.Resolve(u).String(), nil
}

// RequestFromKey generates a request equal, caching-wise, to the one that produced the key.
func (k Keyer) RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, xerrors.Errorf("malformed key: %s", key)
	}
	if !IsRetrieval(method) {
		return nil, ErrorMethodNotSupported
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerrors.Errorf("malformed key %s: %w", key, err)
	}
	if !k.SameOrigin(u) {
		return nil, xerrors.Errorf("key and origin do not match: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}
