package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func newKeyer(t *testing.T) Keyer {
	origin, err := url.Parse("https://app.localhost:3000/some/path")
	if err != nil {
		t.Fatal(err)
	}
	return NewKeyer(origin)
}

func TestRequestFromKey(t *testing.T) {
	keygen := newKeyer(t)
	r, _ := http.NewRequest("GET", "/page?x=1", nil)
	key, err := keygen.Key(r)
	if err != nil {
		t.Fatal(err)
	}
	req, err := keygen.RequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "https://app.localhost:3000/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestRelativeAndAbsoluteAreSameIdentity(t *testing.T) {
	keygen := newKeyer(t)
	rel, _ := http.NewRequest("GET", "/style.css", nil)
	abs, _ := http.NewRequest("GET", "https://app.localhost:3000/style.css#top", nil)
	k1, _ := keygen.Key(rel)
	k2, _ := keygen.Key(abs)
	if k1 != k2 {
		t.Fatalf("Keys differ: %s != %s", k1, k2)
	}
	if k3, _ := keygen.PathKey("/style.css"); k3 != k1 {
		t.Fatalf("Path key is %s", k3)
	}
}

func TestMutatingMethodsHaveNoKey(t *testing.T) {
	keygen := newKeyer(t)
	for _, method := range []string{"POST", "PUT", "DELETE", "PATCH"} {
		r, _ := http.NewRequest(method, "/upload", nil)
		if _, err := keygen.Key(r); err != ErrorMethodNotSupported {
			t.Fatalf("%s: error is %v", method, err)
		}
	}
	if _, err := keygen.RequestFromKey("POST:https://app.localhost:3000/upload"); err != ErrorMethodNotSupported {
		t.Fatalf("error is %v", err)
	}
}

func TestSameOrigin(t *testing.T) {
	keygen := newKeyer(t)
	cases := map[string]bool{
		"/index.html":                          true,
		"https://app.localhost:3000/x":         true,
		"http://app.localhost:3000/x":          false,
		"https://tile.openstreetmap.org/1.png": false,
	}
	for raw, want := range cases {
		u, _ := url.Parse(raw)
		if got := keygen.SameOrigin(u); got != want {
			t.Fatalf("SameOrigin(%s) is %v", raw, got)
		}
	}
}

func TestKeyFromOtherOriginIsRejected(t *testing.T) {
	keygen := newKeyer(t)
	if _, err := keygen.RequestFromKey("GET:https://elsewhere.localhost/page"); err == nil {
		t.Fatal("Expected error")
	}
	if _, err := keygen.RequestFromKey("no separator"); err == nil {
		t.Fatal("Expected error")
	}
}
