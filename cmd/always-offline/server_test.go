package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/config"
	"github.com/always-cache/always-offline/connectivity"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *alwaysoffline.Worker) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "origin %s", r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	cfg := config.Default()
	cfg.Origin = origin.URL
	require.NoError(t, cfg.Validate())
	originURL, err := cfg.OriginURL()
	require.NoError(t, err)

	logger := zerolog.Nop()
	worker, err := alwaysoffline.CreateWorker(alwaysoffline.Config{
		Storage:  cache.NewMemStorage(),
		Origin:   *originURL,
		Manifest: cfg.PrecacheManifest(),
		Bypass:   cfg.BypassTable(),
		Logger:   &logger,
	})
	require.NoError(t, err)

	probeURL, err := cfg.ProbeURL()
	require.NoError(t, err)
	monitor, err := connectivity.NewMonitor(connectivity.Config{
		Signal: connectivity.NewStaticSignal(true),
		Prober: connectivity.HTTPProber{URL: probeURL},
		Logger: &logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(worker, monitor, logger))
	t.Cleanup(srv.Close)
	return srv, worker
}

func decode(t *testing.T, res *http.Response, v any) {
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/.offline/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var status struct {
		Connectivity struct {
			State   string `json:"state"`
			Message string `json:"message"`
		} `json:"connectivity"`
		State       string `json:"state"`
		Generation  string `json:"generation"`
		Controlling bool   `json:"controlling"`
	}
	decode(t, res, &status)
	assert.Equal(t, "online", status.Connectivity.State)
	assert.Equal(t, "parsed", status.State)
	assert.Equal(t, "progressive_lab_v2", status.Generation)
	assert.False(t, status.Controlling)
}

func TestCheckEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Post(srv.URL+"/.offline/check", "", nil)
	require.NoError(t, err)
	var raw map[string]any
	decode(t, res, &raw)
	assert.Equal(t, "online", raw["state"])
	assert.Equal(t, connectivity.MessageOnline, raw["message"])
}

func TestRefreshEndpoint(t *testing.T) {
	srv, worker := newTestServer(t)

	res, err := http.Post(srv.URL+"/.offline/refresh", "", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	_, _, err = worker.Start(context.Background())
	require.NoError(t, err)

	res, err = http.Post(srv.URL+"/.offline/refresh", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var report alwaysoffline.RefreshReport
	decode(t, res, &report)
	assert.Len(t, report.Updated, 12)
}

func TestEverythingElseGoesThroughWorker(t *testing.T) {
	srv, worker := newTestServer(t)
	_, _, err := worker.Start(context.Background())
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/style.css")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "Always-Offline; hit", res.Header.Get("Cache-Status"))
	assert.NotEmpty(t, res.Header.Get("Request-Id"))

	res, err = http.Get(srv.URL + "/photos")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "Always-Offline; fwd=bypass; fwd-status=200", res.Header.Get("Cache-Status"))
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	originFlag, portFlag, versionTagFlag = "http://localhost:3000", 9090, "v7"
	defer func() { originFlag, portFlag, versionTagFlag = "", 0, "" }()

	applyFlags(&cfg)
	assert.Equal(t, "http://localhost:3000", cfg.Origin)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "progressive_lab_v7", cfg.Generation())
	assert.Equal(t, "cache.db", cfg.DB)

	u, err := url.Parse(cfg.Origin)
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", u.Host)
}
