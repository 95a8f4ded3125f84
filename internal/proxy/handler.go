package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rb3ckers/trafficfunnel/internal/coalesce"
	"github.com/rb3ckers/trafficfunnel/internal/fetch"
	"github.com/sony/gobreaker"
)

// funnelHandler coalesces the configured verbs through the fetcher and
// passes every other verb straight to the upstream.
func (p *Proxy) funnelHandler(upstream *url.URL) http.HandlerFunc {
	passthrough := httputil.NewSingleHostReverseProxy(upstream)

	coalesced := make(map[string]bool, len(p.cfg.CoalesceMethods))
	for _, method := range p.cfg.CoalesceMethods {
		coalesced[strings.ToUpper(method)] = true
	}

	return func(res http.ResponseWriter, req *http.Request) {
		if !coalesced[req.Method] {
			p.tracker.MarkPassthrough()

			// Update the headers to allow for SSL redirection
			req.URL.Host = upstream.Host
			req.URL.Scheme = upstream.Scheme
			req.Host = upstream.Host

			passthrough.ServeHTTP(res, req)

			return
		}

		p.serveCoalesced(res, req)
	}
}

func (p *Proxy) serveCoalesced(res http.ResponseWriter, req *http.Request) {
	payload := p.bufferRequest(req)

	header := req.Header.Clone()
	// The shared bytes must stay identity encoded, the transport negotiates
	// its own encoding and connection handling
	header.Del("Accept-Encoding")
	header.Del("Connection")

	desc := fetch.Description{
		Target:  fmt.Sprintf("%s%s", p.cfg.Upstream, req.RequestURI),
		Method:  req.Method,
		Payload: payload,
		Header:  header,
	}

	body, err := p.fetcher.Bytes(req.Context(), desc)
	if err != nil {
		p.tracker.MarkFailed()
		p.log.Debug().Err(err).Str("path", req.URL.Path).Msg("Funnel request failed")
		writeFetchError(res, err)

		return
	}

	p.tracker.MarkServed()

	res.Write(body) //nolint:errcheck
}

func writeFetchError(res http.ResponseWriter, err error) {
	var statusErr *fetch.StatusError

	switch {
	case errors.Is(err, coalesce.ErrCanceled):
		http.Error(res, "in-flight request canceled", http.StatusServiceUnavailable)
	case errors.Is(err, fetch.ErrInvalidDescription):
		http.Error(res, err.Error(), http.StatusBadRequest)
	case errors.As(err, &statusErr):
		res.WriteHeader(statusErr.Status)
		res.Write(statusErr.Body) //nolint:errcheck
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		http.Error(res, "upstream temporarily unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(res, err.Error(), http.StatusBadGateway)
	}
}

func (p *Proxy) bufferRequest(req *http.Request) []byte {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to read request body")
	}

	// Restore the body so the request can still be sent elsewhere
	req.Body = io.NopCloser(bytes.NewBuffer(body))

	return body
}
