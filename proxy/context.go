package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dashgate/dashgate/rewrite"
	"github.com/dashgate/dashgate/routestore"
)

type contextKey struct{}

// proxyContext carries the state of a single forwarded request through
// the filters.
type proxyContext struct {
	rp             *routeProxy
	route          *routestore.Route
	incoming       *http.Request
	outgoing       *http.Request
	response       *http.Response
	acceptEncoding string
	flowID         string
	start          time.Time
	served         bool
}

func contextOf(r *http.Request) *proxyContext {
	ctx, _ := r.Context().Value(contextKey{}).(*proxyContext)
	return ctx
}

// markServed stops the remaining response filters.
func (ctx *proxyContext) markServed() {
	ctx.served = true
}

func (ctx *proxyContext) mount() rewrite.Mount {
	return rewrite.Mount{Path: ctx.route.Path, Target: ctx.route.Target}
}

func (ctx *proxyContext) log() *log.Entry {
	e := log.WithFields(log.Fields{
		"route":  ctx.route.ID,
		"target": ctx.route.Target,
		"path":   ctx.incoming.URL.Path,
	})

	if ctx.flowID != "" {
		e = e.WithField("flow-id", ctx.flowID)
	}

	return e
}

func (rp *routeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := &proxyContext{
		rp:       rp,
		route:    rp.route,
		incoming: r,
		start:    time.Now(),
	}

	if rp.reverseProxy == nil {
		rp.errorResponse(w, ctx, errInvalidTarget)
		return
	}

	rp.reverseProxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, ctx)))
}

func (rp *routeProxy) rewriteRequest(pr *httputil.ProxyRequest) {
	ctx := contextOf(pr.In)
	ctx.outgoing = pr.Out
	mapRequest(pr.Out, pr.In, rp.route, rp.target)
	for _, f := range rp.requestFilters {
		f(ctx)
	}
}

func (rp *routeProxy) modifyResponse(rsp *http.Response) error {
	ctx := contextOf(rsp.Request)
	ctx.response = rsp
	rp.proxy.metrics.MeasureBackend(rp.route.ID, ctx.start)
	for _, f := range rp.responseFilters {
		if ctx.served {
			break
		}

		if err := f(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (rp *routeProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	rp.errorResponse(w, contextOf(r), err)
}
