package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dashgate/dashgate/rewrite"
)

// FlowIDHeader identifies a request across the gateway and the backends.
const FlowIDHeader = "X-Flow-Id"

// maxDiscard limits how much of an intercepted response body is read
// before the backend connection is dropped.
const maxDiscard = 1 << 16

type (
	requestFilter  func(*proxyContext)
	responseFilter func(*proxyContext) error
)

func stripAcceptEncoding(ctx *proxyContext) {
	ctx.acceptEncoding = ctx.outgoing.Header.Get("Accept-Encoding")
	ctx.outgoing.Header.Del("Accept-Encoding")
}

func stripConditionals(ctx *proxyContext) {
	ctx.outgoing.Header.Del("If-None-Match")
	ctx.outgoing.Header.Del("If-Modified-Since")
}

func revalidateStaticAssets(ctx *proxyContext) {
	if ctx.rp.proxy.staticAssets.MatchString(ctx.incoming.URL.Path) {
		ctx.outgoing.Header.Set("Cache-Control", "public, max-age=0")
	}
}

// sanitizeCookies removes the gateway session cookie, which the backends
// must not see, and keeps the backend session cookie.
func sanitizeCookies(ctx *proxyContext) {
	h := ctx.outgoing.Header.Values("Cookie")
	if len(h) == 0 {
		return
	}

	p := ctx.rp.proxy
	var (
		kept              []string
		removed, hasOwned bool
	)

	for _, c := range strings.Split(strings.Join(h, "; "), ";") {
		c = strings.TrimSpace(c)
		switch {
		case c == "":
		case strings.HasPrefix(c, p.authCookie+"="):
			removed = true
		default:
			hasOwned = hasOwned || strings.HasPrefix(c, p.backendCookie+"=")
			kept = append(kept, c)
		}
	}

	if !removed {
		return
	}

	if len(kept) == 0 {
		ctx.outgoing.Header.Del("Cookie")
	} else {
		ctx.outgoing.Header.Set("Cookie", strings.Join(kept, "; "))
	}

	if !hasOwned {
		ctx.rp.anonymous.Do(func() {
			ctx.log().Warnf("no %s cookie found, forwarding request as anonymous", p.backendCookie)
		})
	}
}

func setFlowID(ctx *proxyContext) {
	id := ctx.outgoing.Header.Get(FlowIDHeader)
	if id == "" {
		id = uuid.NewString()
		ctx.outgoing.Header.Set(FlowIDHeader, id)
	}

	ctx.flowID = id
}

// interceptAuthErrors turns backend authentication errors of page
// navigations into a redirect to the login page.
func interceptAuthErrors(ctx *proxyContext) error {
	rsp := ctx.response
	if rsp.StatusCode != http.StatusUnauthorized && rsp.StatusCode != http.StatusForbidden ||
		!strings.Contains(ctx.incoming.Header.Get("Accept"), "text/html") {
		return nil
	}

	ctx.log().WithField("status", rsp.StatusCode).Info("backend authentication error, redirecting to login")

	_, _ = io.Copy(io.Discard, io.LimitReader(rsp.Body, maxDiscard))
	rsp.Body.Close()

	rsp.StatusCode = http.StatusFound
	rsp.Status = fmt.Sprintf("%d %s", http.StatusFound, http.StatusText(http.StatusFound))
	rsp.Header = http.Header{
		"Location":       []string{ctx.rp.proxy.loginPath},
		"Content-Length": []string{"0"},
	}

	rsp.Body = http.NoBody
	rsp.ContentLength = 0
	rsp.TransferEncoding = nil
	rsp.Trailer = nil
	ctx.markServed()
	return nil
}

func rewriteLocation(ctx *proxyContext) error {
	if l := ctx.response.Header.Get("Location"); l != "" {
		ctx.response.Header.Set("Location", rewrite.Location(l, ctx.mount()))
	}

	return nil
}

func setBody(rsp *http.Response, b []byte) {
	rsp.Body = io.NopCloser(bytes.NewReader(b))
	rsp.ContentLength = int64(len(b))
	rsp.TransferEncoding = nil
	rsp.Header.Del("Transfer-Encoding")
	rsp.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

func rewriteBody(ctx *proxyContext) error {
	rsp := ctx.response
	if ctx.incoming.Method == http.MethodHead ||
		rsp.StatusCode == http.StatusNoContent ||
		rsp.StatusCode == http.StatusNotModified {
		return nil
	}

	m := ctx.mount()
	kind, ok := rewrite.Applies(rsp.Header, m)
	if !ok {
		return nil
	}

	body, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read the response body: %w", err)
	}

	p := ctx.rp.proxy
	b, err := p.rewriter.Rewrite(m, kind, body)
	if err != nil {
		return &proxyError{err: err, code: http.StatusInternalServerError}
	}

	p.metrics.IncRewrite(ctx.route.ID, kind.String())

	if p.compressRewritten {
		if enc := acceptedEncoding(ctx.acceptEncoding); enc != "" {
			encoded, err := encodeBody(enc, b)
			if err != nil {
				ctx.log().WithError(err).Warn("failed to encode rewritten body")
			} else {
				b = encoded
				responseHeader(rsp, enc)
			}
		}
	}

	setBody(rsp, b)
	return nil
}
