package alwaysoffline

import (
	"context"
	"net/http"

	"github.com/always-cache/always-offline/cache"
	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
	"github.com/always-cache/always-offline/rfc9211"
)

// Decision is the routing strategy chosen for a request.
type Decision int

const (
	// DecisionBypass sends the request to the network, never touching the cache.
	DecisionBypass Decision = iota
	// DecisionPassthrough sends the request to the network because it cannot be cached.
	DecisionPassthrough
	// DecisionCacheFirst answers from the cache, falling back to the network.
	DecisionCacheFirst
)

func (d Decision) String() string {
	switch d {
	case DecisionBypass:
		return "bypass"
	case DecisionPassthrough:
		return "passthrough"
	case DecisionCacheFirst:
		return "cache-first"
	}
	return "unknown"
}

// Outcome is what happened to a fetched request.
type Outcome int

const (
	OutcomeBypassed Outcome = iota
	OutcomePassedThrough
	// served from the current generation
	OutcomeHit
	// fetched from the network and stored
	OutcomeStored
	// fetched from the network, not cacheable
	OutcomeNotStored
	// network failed, the fallback document was served
	OutcomeFallback
	// network failed, nothing to serve
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBypassed:
		return "bypassed"
	case OutcomePassedThrough:
		return "passed-through"
	case OutcomeHit:
		return "hit"
	case OutcomeStored:
		return "stored"
	case OutcomeNotStored:
		return "not-stored"
	case OutcomeFallback:
		return "fallback"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// CacheStatus describes the outcome as a Cache-Status list member.
func (o Outcome) CacheStatus(r *http.Request, res *http.Response) rfc9211.CacheStatus {
	cs := rfc9211.CacheStatus{}
	switch o {
	case OutcomeHit:
		cs.Hit()
	case OutcomeFallback:
		cs.Hit()
		cs.Detail = "fallback"
	case OutcomeStored:
		cs.Forward(rfc9211.FwdReasonUriMiss)
		cs.Stored = true
	case OutcomeNotStored, OutcomeFailed:
		cs.Forward(rfc9211.FwdReasonUriMiss)
	case OutcomePassedThrough:
		if cachekey.IsRetrieval(r.Method) {
			cs.Forward(rfc9211.FwdReasonBypass)
		} else {
			cs.Forward(rfc9211.FwdReasonMethod)
		}
	default:
		cs.Forward(rfc9211.FwdReasonBypass)
	}
	if cs.Status == rfc9211.StatusFwd && res != nil {
		cs.FwdStatus = res.StatusCode
	}
	return cs
}

type destinationKey struct{}

// WithDestination marks requests made with the returned context as having
// the given destination, e.g. "document" for navigations.
func WithDestination(ctx context.Context, destination string) context.Context {
	return context.WithValue(ctx, destinationKey{}, destination)
}

// IsDocument checks if the request is a navigation to a document, either by
// its Fetch Metadata headers or by a destination set with WithDestination.
func IsDocument(r *http.Request) bool {
	if d, ok := r.Context().Value(destinationKey{}).(string); ok {
		return d == "document"
	}
	return r.Header.Get("Sec-Fetch-Dest") == "document" ||
		r.Header.Get("Sec-Fetch-Mode") == "navigate"
}

// Route picks the strategy for the request. Bypass prefixes win over
// everything else; only same-origin retrievals are ever cached.
func (w *Worker) Route(r *http.Request) Decision {
	if _, ok := w.bypass.Match(r.URL.Path); ok {
		return DecisionBypass
	}
	if !cachekey.IsRetrieval(r.Method) || !w.keyer.SameOrigin(r.URL) {
		return DecisionPassthrough
	}
	return DecisionCacheFirst
}

// RoundTrip implements http.RoundTripper, so the worker can be the transport
// of an http.Client. Network errors are returned as is.
func (w *Worker) RoundTrip(r *http.Request) (*http.Response, error) {
	res, _, err := w.Fetch(r)
	return res, err
}

// Fetch answers the request according to its routing decision.
// Before activation every request goes to the network.
func (w *Worker) Fetch(r *http.Request) (*http.Response, Outcome, error) {
	if !r.URL.IsAbs() {
		r = r.Clone(r.Context())
		r.URL = w.keyer.Resolve(r.URL)
		r.Host = r.URL.Host
		r.RequestURI = ""
	}
	decision := w.Route(r)
	c := w.controller()
	if c == nil && decision == DecisionCacheFirst {
		decision = DecisionPassthrough
	}
	w.log.Trace().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("decision", decision.String()).
		Msg("Routing request")

	switch decision {
	case DecisionBypass:
		res, err := w.network.RoundTrip(r)
		return res, OutcomeBypassed, err
	case DecisionPassthrough:
		res, err := w.network.RoundTrip(r)
		return res, OutcomePassedThrough, err
	}
	return w.cacheFirst(c, r)
}

func (w *Worker) cacheFirst(c cache.Cache, r *http.Request) (*http.Response, Outcome, error) {
	key, err := w.keyer.Key(r)
	if err != nil {
		res, err := w.network.RoundTrip(r)
		return res, OutcomePassedThrough, err
	}

	if res := w.match(c, key, r); res != nil {
		return res, OutcomeHit, nil
	}

	res, err := w.network.RoundTrip(r)
	if err != nil {
		if IsDocument(r) {
			if fallback := w.fallback(c, r); fallback != nil {
				w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network failed, serving fallback document")
				return fallback, OutcomeFallback, nil
			}
		}
		return nil, OutcomeFailed, err
	}

	if !w.cacheable(res) {
		return res, OutcomeNotStored, nil
	}
	entry, err := w.entry(key, res)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not snapshot response")
		return res, OutcomeNotStored, nil
	}
	if err := c.Put(entry); err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return res, OutcomeNotStored, nil
	}
	w.log.Trace().Str("key", key).Msg("Stored response")
	return res, OutcomeStored, nil
}

// match looks up a stored response. Lookup errors count as a miss.
func (w *Worker) match(c cache.Cache, key string, r *http.Request) *http.Response {
	entry, ok, err := c.Match(key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	snap, err := serializer.FromBytes(entry.Bytes)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil
	}
	w.log.Trace().Str("key", key).Time("storedAt", snap.StoredAt).Msg("Cache hit")
	return snap.Response(r)
}

// fallback returns the stored fallback document, or nil if it is not cached.
func (w *Worker) fallback(c cache.Cache, r *http.Request) *http.Response {
	key, err := w.keyer.PathKey(w.fallbackDocument)
	if err != nil {
		w.log.Error().Err(err).Msg("Invalid fallback document")
		return nil
	}
	return w.match(c, key, r)
}

// cacheable checks if the response is a successful one from the origin.
// Error statuses, redirects, partial content and cross-origin responses
// are never stored.
func (w *Worker) cacheable(res *http.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	if res.Request != nil && res.Request.URL != nil && !w.keyer.SameOrigin(res.Request.URL) {
		return false
	}
	return true
}
