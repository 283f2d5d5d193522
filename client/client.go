// Package client talks to the photo backend behind the offline proxy.
//
// Its endpoints are all on the bypass list: they always reach the live
// backend and are never cached. Payloads are validated before anything is
// sent, and every call is bounded by the client timeout.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/always-offline/pkg/deadline"

	"golang.org/x/xerrors"
)

var (
	ErrInvalidImage       = xerrors.New("invalid image data")
	ErrImageTooLarge      = xerrors.New("image is too large to upload")
	ErrInvalidCoordinates = xerrors.New("invalid location data")
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxImageBytes = 5 * 1024 * 1024
)

// Photo is a record stored by the backend.
type Photo struct {
	ID        string  `json:"_id,omitempty"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	ImageURL  string  `json:"imageUrl"`
	Timestamp string  `json:"timestamp"`
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

type UploadRequest struct {
	// base64 image data URL
	Image string  `json:"image"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

type UploadResult struct {
	Success bool  `json:"success"`
	Entry   Photo `json:"entry"`
}

// Locator acquires the current position of the device.
type Locator interface {
	Locate(ctx context.Context) (*Coordinates, error)
}

type LocatorFunc func(ctx context.Context) (*Coordinates, error)

func (f LocatorFunc) Locate(ctx context.Context) (*Coordinates, error) {
	return f(ctx)
}

type Client struct {
	BaseURL *url.URL
	// http.DefaultClient is used if nil.
	HTTP *http.Client
	// DefaultTimeout is used if zero, negative disables the timeout.
	Timeout time.Duration
	// DefaultMaxImageBytes is used if zero.
	MaxImageBytes int
}

// New creates a client for the backend at baseURL using the given transport,
// typically the offline worker.
func New(baseURL *url.URL, transport http.RoundTripper) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Transport: transport},
	}
}

// ListPhotos returns all photos, newest first.
func (c *Client) ListPhotos(ctx context.Context) ([]Photo, error) {
	return deadline.RaceNamed(ctx, "Fetching photos", c.timeout(), func(ctx context.Context) ([]Photo, error) {
		res, err := c.do(ctx, http.MethodGet, "/photos", nil)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if !ok(res) {
			return nil, xerrors.Errorf("HTTP %d", res.StatusCode)
		}
		photos := make([]Photo, 0)
		if err := json.NewDecoder(res.Body).Decode(&photos); err != nil {
			return nil, xerrors.Errorf("failed to decode photos: %w", err)
		}
		return photos, nil
	})
}

// Upload sends the photo. A response that is not successful is an error,
// returned together with whatever result the backend sent.
func (c *Client) Upload(ctx context.Context, upload UploadRequest) (UploadResult, error) {
	body, err := json.Marshal(upload)
	if err != nil {
		return UploadResult{}, xerrors.Errorf("failed to encode upload: %w", err)
	}
	return deadline.RaceNamed(ctx, "Uploading photo", c.timeout(), func(ctx context.Context) (UploadResult, error) {
		var result UploadResult
		res, err := c.do(ctx, http.MethodPost, "/upload", body)
		if err != nil {
			return result, err
		}
		defer res.Body.Close()
		if err := json.NewDecoder(res.Body).Decode(&result); err != nil && err != io.EOF {
			return result, xerrors.Errorf("failed to decode upload result: %w", err)
		}
		if !ok(res) {
			return result, xerrors.Errorf("upload failed: HTTP %d", res.StatusCode)
		}
		return result, nil
	})
}

// Delete removes the photo with the given filename.
// It reports whether the backend accepted the deletion.
func (c *Client) Delete(ctx context.Context, filename string) (bool, error) {
	return deadline.RaceNamed(ctx, "Delete photo", c.timeout(), func(ctx context.Context) (bool, error) {
		res, err := c.do(ctx, http.MethodDelete, "/delete/"+filename, nil)
		if err != nil {
			return false, err
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return ok(res), nil
	})
}

// UploadWithLocation validates the image, tags it with the current location
// and uploads it.
func (c *Client) UploadWithLocation(ctx context.Context, dataURL string, locator Locator) (UploadResult, error) {
	if !ValidDataURL(dataURL) {
		return UploadResult{}, ErrInvalidImage
	}
	if !ReasonableImageSize(dataURL, c.maxImageBytes()) {
		return UploadResult{}, ErrImageTooLarge
	}
	coords, err := deadline.RaceNamed(ctx, "Location request", c.timeout(), locator.Locate)
	if err != nil {
		return UploadResult{}, xerrors.Errorf("failed to get location: %w", err)
	}
	if !ValidCoordinates(coords) {
		return UploadResult{}, ErrInvalidCoordinates
	}
	return c.Upload(ctx, UploadRequest{Image: dataURL, Lat: coords.Latitude, Lon: coords.Longitude})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := c.BaseURL.ResolveReference(&url.URL{Path: path})
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func (c *Client) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) maxImageBytes() int {
	if c.MaxImageBytes == 0 {
		return DefaultMaxImageBytes
	}
	return c.MaxImageBytes
}

func ok(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode <= 299
}
