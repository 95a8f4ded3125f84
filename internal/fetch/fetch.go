package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rb3ckers/trafficfunnel/internal/coalesce"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Error bodies are kept as a short snippet, not the full response.
const statusErrorBodyLimit = 1024

// StatusError is the transport failure for an upstream response outside the
// 2xx range.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: upstream status %d: %s", e.Status, e.Body)
}

// Fetcher performs coalesced byte fetches: identical concurrent requests
// share a single upstream round trip through the registry. Upstream call
// policy lives here, not in the registry: a per-host circuit breaker and a
// client timeout, never a retry.
type Fetcher struct {
	registry   *coalesce.Registry
	netClient  *http.Client
	breakers   cmap.ConcurrentMap[string, *gobreaker.CircuitBreaker]
	retryAfter time.Duration
	log        zerolog.Logger
}

func NewFetcher(registry *coalesce.Registry, retryAfter time.Duration, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		registry: registry,
		netClient: &http.Client{
			Timeout: time.Second * 20,
		},
		breakers:   cmap.New[*gobreaker.CircuitBreaker](),
		retryAfter: retryAfter,
		log:        logger,
	}
}

// Bytes resolves the description to its shared outcome. An invalid
// description fails fast, before any in-flight entry exists. At most one
// round trip runs per fingerprint; every concurrent caller with the same
// fingerprint receives that round trip's bytes or its failure.
func (f *Fetcher) Bytes(ctx context.Context, desc Description) ([]byte, error) {
	u, err := desc.parse()
	if err != nil {
		return nil, err
	}

	return f.registry.Do(ctx, desc.Fingerprint(), func(opCtx context.Context) ([]byte, error) {
		return f.roundTrip(opCtx, desc, u.Host)
	})
}

func (f *Fetcher) roundTrip(ctx context.Context, desc Description, host string) ([]byte, error) {
	body, err := f.breakerFor(host).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, desc.method(), desc.Target, bytes.NewReader(desc.Payload))
		if err != nil {
			return nil, err
		}

		if desc.Header != nil {
			req.Header = desc.Header
		}

		response, err := f.netClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()

		if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
			snippet, _ := io.ReadAll(io.LimitReader(response.Body, statusErrorBodyLimit))

			return nil, &StatusError{Status: response.StatusCode, Body: snippet}
		}

		return io.ReadAll(response.Body)
	})
	if err != nil {
		return nil, err
	}

	return body.([]byte), nil
}

func (f *Fetcher) breakerFor(host string) *gobreaker.CircuitBreaker {
	return f.breakers.Upsert(host, nil, func(exist bool, current, _ *gobreaker.CircuitBreaker) *gobreaker.CircuitBreaker {
		if exist {
			return current
		}

		settings := gobreaker.Settings{
			Name:          host,
			MaxRequests:   1,
			Interval:      0,            // Never clear counts
			Timeout:       f.retryAfter, // When open retry after this long
			OnStateChange: f.logStateChange,
			IsSuccessful:  ignoreCancellation,
		}

		return gobreaker.NewCircuitBreaker(settings)
	})
}

// ignoreCancellation keeps canceled flights out of the breaker's failure
// counts. Only the upstream's own behavior decides its health, a timeout
// still counts against it.
func ignoreCancellation(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func (f *Fetcher) logStateChange(name string, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		f.log.Warn().Str("host", name).Msg("Upstream is failing, temporarily not calling it")
	case gobreaker.StateHalfOpen:
		f.log.Info().Str("host", name).Msg("Retrying upstream")
	case gobreaker.StateClosed:
		f.log.Info().Str("host", name).Msg("Resuming calls to upstream")
	}
}
