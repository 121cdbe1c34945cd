package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dashgate/dashgate/routestore"
)

// IsUpgradeRequest returns true if the request asks for a protocol
// upgrade, either with a "Connection" header containing "Upgrade", or
// with an "Upgrade: websocket" header.
func IsUpgradeRequest(req *http.Request) bool {
	for _, h := range req.Header.Values("Connection") {
		if strings.Contains(strings.ToLower(h), "upgrade") {
			return true
		}
	}

	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// getUpgradeRequest returns the protocol name from the upgrade header
func getUpgradeRequest(req *http.Request) string {
	return strings.Join(req.Header.Values("Upgrade"), " ")
}

// Destroy drops the client connection without a response. When the
// connection can't be taken over, it responds with 502.
func Destroy(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	conn.Close()
}

// upgradeProxy relays a protocol upgrade to the backend of a route.
type upgradeProxy struct {
	proxy  *Proxy
	route  *routestore.Route
	target *url.URL
}

func (p *Proxy) newUpgradeProxy(r *routestore.Route) *upgradeProxy {
	up := &upgradeProxy{proxy: p, route: r}
	if target, err := url.Parse(r.Target); err == nil && target.Host != "" {
		up.target = target
	}

	return up
}

func (up *upgradeProxy) log(req *http.Request) *log.Entry {
	return log.WithFields(log.Fields{
		"route":    up.route.ID,
		"target":   up.route.Target,
		"path":     req.URL.Path,
		"protocol": getUpgradeRequest(req),
	})
}

func (up *upgradeProxy) outgoing(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	mapRequest(out, req, up.route, up.target)
	if out.Header.Get(FlowIDHeader) == "" {
		out.Header.Set(FlowIDHeader, uuid.NewString())
	}

	return out
}

// ServeHTTP establishes a bidirectional connection between the client
// and the backend, and copies the data back and forth. It does not return
// until either side closes the connection.
func (up *upgradeProxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	l := up.log(req)
	if up.target == nil {
		l.Error("invalid route target, dropping upgrade request")
		Destroy(w)
		return
	}

	start := time.Now()
	out := up.outgoing(req)
	backendConn, err := up.dialBackend(req.Context())
	if err != nil {
		up.proxy.metrics.IncErrorsBackend(up.route.ID)
		l.WithError(err).Error("error connecting to backend")
		Destroy(w)
		return
	}

	defer backendConn.Close()

	if err := out.Write(backendConn); err != nil {
		up.proxy.metrics.IncErrorsBackend(up.route.ID)
		l.WithError(err).Error("error writing request to backend")
		Destroy(w)
		return
	}

	backendReader := bufio.NewReader(backendConn)
	rsp, err := http.ReadResponse(backendReader, out)
	if err != nil {
		up.proxy.metrics.IncErrorsBackend(up.route.ID)
		l.WithError(err).Error("error reading response from backend")
		Destroy(w)
		return
	}

	up.proxy.metrics.MeasureBackend(up.route.ID, start)

	if rsp.StatusCode != http.StatusSwitchingProtocols {
		defer rsp.Body.Close()
		l.WithField("status", rsp.StatusCode).Info("backend refused the upgrade")
		copyHeader(w.Header(), rsp.Header)
		w.WriteHeader(rsp.StatusCode)
		if _, err := io.Copy(w, rsp.Body); err != nil {
			l.WithError(err).Debug("error copying response body")
		}

		return
	}

	clientConn, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		l.WithError(err).Error("error hijacking request connection")
		return
	}

	defer clientConn.Close()

	// NOTE: from this point forward, we own the connection and we can't use
	// w.Header(), w.Write(), or w.WriteHeader any more
	_ = clientConn.SetDeadline(time.Time{})

	if err := rsp.Write(clientConn); err != nil {
		l.WithError(err).Error("error writing backend response to client")
		return
	}

	l.Debug("connection upgraded")

	done := make(chan struct{}, 2)
	copyAsync("backend to client", clientConn, backendReader, done)
	copyAsync("client to backend", backendConn, clientBuf.Reader, done)

	// when either side is done, close both to release the other copy
	<-done
	clientConn.Close()
	backendConn.Close()
	<-done

	l.Debug("upgraded connection closed")
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

func (up *upgradeProxy) dialBackend(ctx context.Context) (net.Conn, error) {
	dialAddr := canonicalAddr(up.target)

	switch up.target.Scheme {
	case "http":
		return up.proxy.dialer.DialContext(ctx, "tcp", dialAddr)
	case "https":
		d := &tls.Dialer{
			NetDialer: up.proxy.dialer,
			/* #nosec */
			Config: &tls.Config{
				ServerName:         up.target.Hostname(),
				InsecureSkipVerify: up.proxy.insecure,
			},
		}

		return d.DialContext(ctx, "tcp", dialAddr)
	default:
		return nil, fmt.Errorf("unknown scheme: %s", up.target.Scheme)
	}
}

func copyAsync(dir string, dst io.Writer, src io.Reader, done chan<- struct{}) {
	go func() {
		_, err := io.Copy(dst, src)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debugf("error proxying data %s: %v", dir, err)
		}

		done <- struct{}{}
	}()
}

// FROM: http://golang.org/src/net/http/transport.go
var portMap = map[string]string{
	"http":  "80",
	"https": "443",
}

// canonicalAddr returns url.Host but always with a ":port" suffix
func canonicalAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}

	return net.JoinHostPort(u.Hostname(), portMap[u.Scheme])
}
