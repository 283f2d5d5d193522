package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/pkg/bypass"
	"github.com/always-cache/always-offline/pkg/deadline"
	manifest "github.com/always-cache/always-offline/pkg/precache-manifest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pngDataURL = "data:image/png;base64,iVBORw0KGgo="

// backend mimics the photo server.
type backend struct {
	*httptest.Server
	mutex   sync.Mutex
	photos  []Photo
	uploads []UploadRequest
	deleted []string
}

func newBackend(t *testing.T) *backend {
	b := &backend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/photos", func(w http.ResponseWriter, r *http.Request) {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.photos)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		var upload UploadRequest
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&upload) != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(UploadResult{Success: false})
			return
		}
		b.mutex.Lock()
		defer b.mutex.Unlock()
		b.uploads = append(b.uploads, upload)
		photo := Photo{Lat: upload.Lat, Lon: upload.Lon, ImageURL: b.URL + "/uploads/photo_1.png"}
		b.photos = append([]Photo{photo}, b.photos...)
		json.NewEncoder(w).Encode(UploadResult{Success: true, Entry: photo})
	})
	mux.HandleFunc("/delete/", func(w http.ResponseWriter, r *http.Request) {
		filename := strings.TrimPrefix(r.URL.Path, "/delete/")
		if r.Method != http.MethodDelete || filename == "missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b.mutex.Lock()
		defer b.mutex.Unlock()
		b.deleted = append(b.deleted, filename)
	})
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *backend) baseURL(t *testing.T) *url.URL {
	u, err := url.Parse(b.URL)
	require.NoError(t, err)
	return u
}

var here = LocatorFunc(func(ctx context.Context) (*Coordinates, error) {
	return &Coordinates{Latitude: 60.17, Longitude: 24.94}, nil
})

func TestUploadListDelete(t *testing.T) {
	b := newBackend(t)
	c := New(b.baseURL(t), nil)
	ctx := context.Background()

	result, err := c.UploadWithLocation(ctx, pngDataURL, here)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 60.17, result.Entry.Lat)
	require.Len(t, b.uploads, 1)
	assert.Equal(t, pngDataURL, b.uploads[0].Image)
	assert.Equal(t, 24.94, b.uploads[0].Lon)

	photos, err := c.ListPhotos(ctx)
	require.NoError(t, err)
	require.Len(t, photos, 1)

	filename, ok := FilenameFromURL(photos[0].ImageURL)
	require.True(t, ok)
	deleted, err := c.Delete(ctx, filename)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{"photo_1.png"}, b.deleted)

	deleted, err = c.Delete(ctx, "missing.png")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUploadWithLocationValidates(t *testing.T) {
	b := newBackend(t)
	c := New(b.baseURL(t), nil)
	ctx := context.Background()

	_, err := c.UploadWithLocation(ctx, "not a data url", here)
	assert.ErrorIs(t, err, ErrInvalidImage)

	c.MaxImageBytes = 4
	_, err = c.UploadWithLocation(ctx, pngDataURL, here)
	assert.ErrorIs(t, err, ErrImageTooLarge)
	c.MaxImageBytes = 0

	nowhere := LocatorFunc(func(ctx context.Context) (*Coordinates, error) { return nil, nil })
	_, err = c.UploadWithLocation(ctx, pngDataURL, nowhere)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)

	offTheGlobe := LocatorFunc(func(ctx context.Context) (*Coordinates, error) {
		return &Coordinates{Latitude: 91}, nil
	})
	_, err = c.UploadWithLocation(ctx, pngDataURL, offTheGlobe)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)

	assert.Empty(t, b.uploads)
}

func TestLocationRequestTimesOut(t *testing.T) {
	b := newBackend(t)
	c := New(b.baseURL(t), nil)
	c.Timeout = 20 * time.Millisecond
	hanging := LocatorFunc(func(ctx context.Context) (*Coordinates, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := c.UploadWithLocation(context.Background(), pngDataURL, hanging)
	assert.ErrorIs(t, err, deadline.ErrTimeout)
	assert.Contains(t, err.Error(), "Location request timed out")
	assert.Empty(t, b.uploads)
}

func TestListPhotosErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	u, _ := url.Parse(failing.URL)
	_, err := New(u, nil).ListPhotos(context.Background())
	assert.ErrorContains(t, err, "HTTP 500")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	u, _ = url.Parse(slow.URL)
	c := New(u, nil)
	c.Timeout = 20 * time.Millisecond
	_, err = c.ListPhotos(context.Background())
	assert.ErrorIs(t, err, deadline.ErrTimeout)
}

// The client goes through the offline worker, which must never cache its calls.
func TestCallsThroughWorkerAreNeverCached(t *testing.T) {
	b := newBackend(t)
	storage := cache.NewMemStorage()
	logger := zerolog.Nop()
	w, err := alwaysoffline.CreateWorker(alwaysoffline.Config{
		Storage:  storage,
		Origin:   *b.baseURL(t),
		Manifest: manifest.Manifest{Version: "v2", Assets: []string{"/index.html"}},
		Bypass:   bypass.Default(),
		Logger:   &logger,
	})
	require.NoError(t, err)
	_, err = w.Activate(context.Background())
	require.NoError(t, err)

	c := New(b.baseURL(t), w)
	ctx := context.Background()
	_, err = c.UploadWithLocation(ctx, pngDataURL, here)
	require.NoError(t, err)
	photos, err := c.ListPhotos(ctx)
	require.NoError(t, err)
	assert.Len(t, photos, 1)
	_, err = c.UploadWithLocation(ctx, pngDataURL, here)
	require.NoError(t, err)

	// the listing reflects the live backend, not a stored copy
	photos, err = c.ListPhotos(ctx)
	require.NoError(t, err)
	assert.Len(t, photos, 2)
	_, err = c.Delete(ctx, "photo_1.png")
	require.NoError(t, err)

	gen, err := storage.Open("progressive_lab_v2")
	require.NoError(t, err)
	n, err := gen.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
