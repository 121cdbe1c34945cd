package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// StatusClientClosedRequest is recorded when the client went away
// before the backend responded.
const StatusClientClosedRequest = 499

var (
	errBreakerOpen   = errors.New("circuit breaker open")
	errInvalidTarget = errors.New("invalid route target")
)

// proxyError wraps errors that require a specific status code.
type proxyError struct {
	err  error
	code int
}

func (e *proxyError) Error() string {
	return fmt.Sprintf("proxy error %d: %v", e.code, e.err)
}

func (e *proxyError) Unwrap() error {
	return e.err
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func proxyErrorBody(ctx *proxyContext, err error) any {
	return errorBody{
		Error:   "Proxy Error",
		Message: fmt.Sprintf("Backend service at %s is not reachable", ctx.route.Target),
		Details: err.Error(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write error response")
	}
}

func (rp *routeProxy) errorResponse(w http.ResponseWriter, ctx *proxyContext, err error) {
	var perr *proxyError
	switch {
	case errors.As(err, &perr):
		ctx.log().WithError(err).Error("error while processing backend response")
		writeJSON(w, perr.code, errorBody{
			Error:   http.StatusText(perr.code),
			Message: fmt.Sprintf("Failed to process the response of %s", ctx.route.Target),
		})
	case errors.Is(err, errBreakerOpen):
		rp.proxy.metrics.IncBreakerOpen(ctx.route.ID)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:   "Service Unavailable",
			Message: fmt.Sprintf("Backend service at %s is temporarily unavailable", ctx.route.Target),
		})
	case errors.Is(err, context.Canceled):
		ctx.log().Debug("client closed the request")
		w.WriteHeader(StatusClientClosedRequest)
	default:
		rp.proxy.metrics.IncErrorsBackend(ctx.route.ID)
		ctx.log().WithError(err).Error("error while proxying")
		writeJSON(w, http.StatusBadGateway, rp.errorBody(ctx, err))
	}
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Warn(strings.TrimSpace(string(p)))
	return len(p), nil
}

// newServerErrorLog routes the internal messages of the reverse proxy
// to the application log.
func newServerErrorLog() *stdlog.Logger {
	return stdlog.New(logWriter{}, "", 0)
}
