package alwaysoffline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/pkg/bypass"
	manifest "github.com/always-cache/always-offline/pkg/precache-manifest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(w *Worker, method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPCacheStatus(t *testing.T) {
	w, transport, _, _ := startedWorker(t)

	rec := serve(w, http.MethodGet, "/style.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one /style.css", rec.Body.String())
	assert.Equal(t, "Always-Offline; hit", rec.Header().Get("Cache-Status"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	rec = serve(w, http.MethodGet, "/fresh.js")
	assert.Equal(t, "Always-Offline; fwd=uri-miss; fwd-status=200; stored", rec.Header().Get("Cache-Status"))

	rec = serve(w, http.MethodGet, "/photos")
	assert.Equal(t, "Always-Offline; fwd=bypass; fwd-status=200", rec.Header().Get("Cache-Status"))

	rec = serve(w, http.MethodPatch, "/style.css")
	assert.Equal(t, "Always-Offline; fwd=method; fwd-status=200", rec.Header().Get("Cache-Status"))

	transport.offline.Store(true)
	rec = serve(w, http.MethodGet, "/some/page", "Sec-Fetch-Dest", "document")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one /index.html", rec.Body.String())
	assert.Equal(t, `Always-Offline; hit; detail="fallback"`, rec.Header().Get("Cache-Status"))

	rec = serve(w, http.MethodGet, "/not/cached.js")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Always-Offline; fwd=uri-miss", rec.Header().Get("Cache-Status"))
}

func TestServeHTTPOverNetwork(t *testing.T) {
	w, _, o, _ := startedWorker(t)
	proxy := httptest.NewServer(w)
	defer proxy.Close()

	res, err := http.Get(proxy.URL + "/app.js")
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "one /app.js", string(b))
	assert.Equal(t, "Always-Offline; hit", res.Header.Get("Cache-Status"))
	// served from the precache, not the origin
	assert.Equal(t, 1, o.hitCount(http.MethodGet, "/app.js"))
}

func TestServeHTTPRecoversFromPanics(t *testing.T) {
	o := newTestOrigin(t)
	logger := zerolog.Nop()
	w, err := CreateWorker(Config{
		Storage:  cache.NewMemStorage(),
		Origin:   o.url(t),
		Manifest: manifest.Manifest{Version: "v1", Assets: []string{"/index.html"}},
		Bypass:   bypass.Default(),
		Network: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			panic("transport exploded")
		}),
		Logger: &logger,
	})
	require.NoError(t, err)
	_, err = w.Activate(context.Background())
	require.NoError(t, err)

	rec := serve(w, http.MethodGet, "/photos")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardRequestDropsHopByHopHeaders(t *testing.T) {
	w, _, o, _ := startedWorker(t)
	in := httptest.NewRequest(http.MethodGet, "/style.css?x=1", nil)
	in.Header.Set("Connection", "keep-alive, X-Private")
	in.Header.Set("X-Private", "secret")
	in.Header.Set("Keep-Alive", "timeout=5")
	in.Header.Set("Accept", "text/css")

	out := w.forwardRequest(in)
	assert.Equal(t, o.URL+"/style.css?x=1", out.URL.String())
	assert.Equal(t, "", out.RequestURI)
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Empty(t, out.Header.Get("X-Private"))
	assert.Empty(t, out.Header.Get("Keep-Alive"))
	assert.Equal(t, "text/css", out.Header.Get("Accept"))
	// the incoming request is untouched
	assert.Equal(t, "secret", in.Header.Get("X-Private"))
}

func TestOutcomeCacheStatus(t *testing.T) {
	retrieval := httptest.NewRequest(http.MethodGet, "/", nil)
	mutation := httptest.NewRequest(http.MethodPost, "/", nil)
	ok := &http.Response{StatusCode: http.StatusOK}
	tests := []struct {
		outcome  Outcome
		req      *http.Request
		res      *http.Response
		expected string
	}{
		{OutcomeHit, retrieval, nil, "Always-Offline; hit"},
		{OutcomeFallback, retrieval, nil, `Always-Offline; hit; detail="fallback"`},
		{OutcomeStored, retrieval, ok, "Always-Offline; fwd=uri-miss; fwd-status=200; stored"},
		{OutcomeNotStored, retrieval, &http.Response{StatusCode: http.StatusNotFound}, "Always-Offline; fwd=uri-miss; fwd-status=404"},
		{OutcomeFailed, retrieval, nil, "Always-Offline; fwd=uri-miss"},
		{OutcomePassedThrough, retrieval, ok, "Always-Offline; fwd=bypass; fwd-status=200"},
		{OutcomePassedThrough, mutation, ok, "Always-Offline; fwd=method; fwd-status=200"},
		{OutcomeBypassed, mutation, ok, "Always-Offline; fwd=bypass; fwd-status=200"},
	}
	for _, test := range tests {
		cs := test.outcome.CacheStatus(test.req, test.res)
		assert.Equal(t, test.expected, cs.String(), "%s %s", test.outcome, test.req.Method)
	}
}
