package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/dashgate/dashgate/circuit"
)

// breakerTransport rejects the requests of a route while its breaker is
// open. Connection failures and 5xx responses count as failures.
type breakerTransport struct {
	next    http.RoundTripper
	breaker *circuit.Breaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	done, ok := t.breaker.Allow()
	if !ok {
		return nil, errBreakerOpen
	}

	rsp, err := t.next.RoundTrip(req)
	switch {
	case errors.Is(err, context.Canceled):
		done(true)
	case err != nil:
		done(false)
	default:
		done(rsp.StatusCode < http.StatusInternalServerError)
	}

	return rsp, err
}
