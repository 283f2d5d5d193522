package alwaysoffline

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/always-offline/rfc9211"

	"github.com/rs/zerolog"
)

// ServeHTTP implements the http.Handler interface, serving the origin through the worker.
// Every response carries a Cache-Status header describing how it was produced.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	w.handle(rw, r)
}

// recover turns panics into a Bad Gateway response.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in worker handler")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
	}
}

func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	w.log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	req := w.forwardRequest(r)
	res, outcome, err := w.Fetch(req)
	cs := outcome.CacheStatus(req, res)
	if err != nil {
		w.log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not fetch response")
		rw.Header().Add("Cache-Status", cs.String())
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	if err := w.send(rw, req, res, cs); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// forwardRequest creates the request to the origin from an incoming proxy request.
// Hop-by-hop headers are dropped.
func (w *Worker) forwardRequest(in *http.Request) *http.Request {
	r := in.Clone(in.Context())
	r.URL = w.keyer.Resolve(&url.URL{Path: in.URL.Path, RawPath: in.URL.RawPath, RawQuery: in.URL.RawQuery})
	r.Host = r.URL.Host
	r.RequestURI = ""
	// see https://github.com/golang/go/issues/16036
	if r.ContentLength == 0 {
		r.Body = nil
	}

	for _, header := range listHeader(r.Header, "Connection") {
		r.Header.Del(header)
	}
	for _, header := range []string{"Connection", "Proxy-Connection", "Keep-Alive", "TE", "Transfer-Encoding", "Upgrade"} {
		r.Header.Del(header)
	}
	return r
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) error {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", requestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cs.String())
	rw.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	bytesWritten, err := io.Copy(rw, res.Body)
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers set by an upstream proxy are not passed on
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// listHeader returns the comma-separated members of all the named header's values.
func listHeader(h http.Header, name string) []string {
	members := make([]string, 0)
	for _, value := range h.Values(name) {
		for _, member := range strings.Split(value, ",") {
			if member = strings.TrimSpace(member); member != "" {
				members = append(members, member)
			}
		}
	}
	return members
}

func requestSourceIp(r *http.Request) string {
	// RemoteAddr is 1.2.3.4:10000 for ipv4 and [1:2:3]:10000 for ipv6
	portSepIdx := strings.LastIndex(r.RemoteAddr, ":")
	if portSepIdx < 0 {
		return r.RemoteAddr
	}
	return r.RemoteAddr[:portSepIdx]
}
