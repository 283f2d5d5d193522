package connectivity

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/always-offline/pkg/deadline"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// cacheBustingParam is the query parameter that makes every probe URL unique.
const cacheBustingParam = "_"

// Prober checks that the origin can actually be reached.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber sends a HEAD request for a small static resource.
// The request carries no-store semantics and a unique query parameter, so
// that no cache between here and the origin can answer it.
type HTTPProber struct {
	// Client must talk to the network directly, never through the offline cache.
	// http.DefaultClient is used if nil.
	Client *http.Client
	URL    *url.URL
	// DefaultProbeTimeout is used if zero.
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context) error {
	if p.URL == nil {
		return xerrors.New("no probe URL configured")
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	_, err := deadline.RaceNamed(ctx, "Connectivity probe", timeout, func(ctx context.Context) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target(), nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Cache-Control", "no-store")
		req.Header.Set("Pragma", "no-cache")
		res, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return res.StatusCode, xerrors.Errorf("probe %s returned status %d", p.URL.Path, res.StatusCode)
		}
		return res.StatusCode, nil
	})
	return err
}

// target returns the probe URL with a fresh cache-busting parameter.
func (p HTTPProber) target() string {
	u := *p.URL
	query := u.Query()
	query.Set(cacheBustingParam, xid.New().String())
	u.RawQuery = query.Encode()
	return u.String()
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}
